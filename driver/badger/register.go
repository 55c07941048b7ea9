package badger

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gobeaver/metafs"
)

func init() {
	metafs.RegisterDriver("badger", func(ctx context.Context, u *url.URL) (metafs.FileSystem, error) {
		cfg, err := configFromURI(u)
		if err != nil {
			return nil, err
		}
		return New(cfg)
	})
}

// configFromURI parses badger:///var/lib/metafs/db or badger://memory.
func configFromURI(u *url.URL) (Config, error) {
	var cfg Config
	switch {
	case u.Host == "memory":
		cfg.InMemory = true
	case u.Path != "" && u.Path != "/":
		cfg.Dir = u.Host + u.Path
	default:
		return cfg, fmt.Errorf("%w: badger uri needs a directory or memory", metafs.ErrInvalidName)
	}

	var err error
	if cfg.DeleteMode, err = metafs.DeleteModeFromURI(u, metafs.DeleteRecursive); err != nil {
		return cfg, err
	}
	if raw := u.Query().Get("max_file_size"); raw != "" {
		if cfg.MaxFileSize, err = strconv.ParseInt(raw, 10, 64); err != nil || cfg.MaxFileSize < 0 {
			return cfg, fmt.Errorf("invalid max_file_size=%q", raw)
		}
	}
	if raw := u.Query().Get("poll"); raw != "" {
		if cfg.PollInterval, err = time.ParseDuration(raw); err != nil {
			return cfg, fmt.Errorf("invalid poll=%q: %w", raw, err)
		}
	}
	return cfg, nil
}
