package gcs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gobeaver/metafs"
	"google.golang.org/api/option"
)

func init() {
	metafs.RegisterDriver("gcs", createGCSFileSystem)
	metafs.RegisterDriver("gs", createGCSFileSystem)
}

// Config is parsed from gcs://bucket/prefix?credentials=/path/key.json.
// Without credentials the client uses GOOGLE_APPLICATION_CREDENTIALS or
// the default credentials chain.
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Endpoint        string
	DeleteMode      metafs.DeleteMode
	PollInterval    time.Duration
}

func configFromURI(u *url.URL) (*Config, error) {
	q := u.Query()
	cfg := &Config{
		Bucket:          u.Host,
		Prefix:          strings.Trim(u.Path, "/"),
		CredentialsFile: q.Get("credentials"),
		Endpoint:        q.Get("endpoint"),
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket in gcs uri", metafs.ErrInvalidName)
	}

	var err error
	if cfg.DeleteMode, err = metafs.DeleteModeFromURI(u, metafs.DeleteRecursive); err != nil {
		return nil, err
	}
	if raw := q.Get("poll"); raw != "" {
		if cfg.PollInterval, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("invalid poll=%q: %w", raw, err)
		}
	}
	return cfg, nil
}

func (c *Config) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint), option.WithoutAuthentication())
	}
	return opts
}

func createGCSFileSystem(ctx context.Context, u *url.URL) (metafs.FileSystem, error) {
	cfg, err := configFromURI(u)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx, cfg.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	opts := []AdapterOption{WithPrefix(cfg.Prefix), WithDeleteMode(cfg.DeleteMode)}
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval))
	}
	return New(client, cfg.Bucket, opts...), nil
}
