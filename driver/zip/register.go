package zip

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/gobeaver/metafs"
)

func init() {
	metafs.RegisterDriver("zip", newFromURI)
}

// newFromURI opens zip:///data/archive.zip?readonly=true&create=true&delete=strict.
func newFromURI(ctx context.Context, u *url.URL) (metafs.FileSystem, error) {
	cfg, zipPath, err := configFromURI(u)
	if err != nil {
		return nil, err
	}
	return Open(zipPath, cfg)
}

func configFromURI(u *url.URL) (Config, string, error) {
	var cfg Config
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = u.Host + p
	}
	if p == "" || p == "/" {
		return cfg, "", fmt.Errorf("%w: missing archive path in zip uri", metafs.ErrInvalidName)
	}

	var err error
	if cfg.ReadOnly, err = metafs.QueryBool(u, "readonly", false); err != nil {
		return cfg, "", err
	}
	if cfg.Create, err = metafs.QueryBool(u, "create", false); err != nil {
		return cfg, "", err
	}
	if cfg.DeleteMode, err = metafs.DeleteModeFromURI(u, metafs.DeleteRecursive); err != nil {
		return cfg, "", err
	}
	return cfg, filepath.FromSlash(p), nil
}
