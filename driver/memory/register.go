package memory

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gobeaver/metafs"
)

// Scheme is the URI scheme handled by this driver, e.g. mem://scratch.
const Scheme = "mem"

func init() {
	metafs.RegisterDriver(Scheme, func(ctx context.Context, u *url.URL) (metafs.FileSystem, error) {
		cfg, err := configFromURI(u)
		if err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

// configFromURI reads max_size and delete from the query string.
func configFromURI(u *url.URL) (Config, error) {
	var cfg Config
	if raw := u.Query().Get("max_size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid max_size=%q", raw)
		}
		cfg.MaxSize = n
	}
	mode, err := metafs.DeleteModeFromURI(u, metafs.DeleteRecursive)
	if err != nil {
		return cfg, err
	}
	cfg.DeleteMode = mode
	return cfg, nil
}
