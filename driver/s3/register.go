package s3

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gobeaver/metafs"
)

func init() {
	metafs.RegisterDriver("s3", createS3FileSystem)
}

// Config is the connection configuration parsed from an s3 URI:
//
//	s3://[access_key:secret@]bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&path_style=true
//
// attempts caps the SDK retryer; zero keeps the SDK default.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	MaxAttempts     int
	DeleteMode      metafs.DeleteMode
	PollInterval    time.Duration
}

func configFromURI(u *url.URL) (*Config, error) {
	cfg := &Config{
		Bucket:   u.Host,
		Prefix:   strings.Trim(u.Path, "/"),
		Region:   u.Query().Get("region"),
		Endpoint: u.Query().Get("endpoint"),
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket in s3 uri", metafs.ErrInvalidName)
	}
	if u.User != nil {
		cfg.AccessKeyID = u.User.Username()
		cfg.SecretAccessKey = metafs.URIPassword(u)
	}

	var err error
	if cfg.ForcePathStyle, err = metafs.QueryBool(u, "path_style", cfg.Endpoint != ""); err != nil {
		return nil, err
	}
	if cfg.DeleteMode, err = metafs.DeleteModeFromURI(u, metafs.DeleteRecursive); err != nil {
		return nil, err
	}
	if raw := u.Query().Get("attempts"); raw != "" {
		if cfg.MaxAttempts, err = strconv.Atoi(raw); err != nil || cfg.MaxAttempts < 1 {
			return nil, fmt.Errorf("invalid attempts=%q", raw)
		}
	}
	if raw := u.Query().Get("poll"); raw != "" {
		if cfg.PollInterval, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("invalid poll=%q: %w", raw, err)
		}
	}
	return cfg, nil
}

func createS3FileSystem(ctx context.Context, u *url.URL) (metafs.FileSystem, error) {
	cfg, err := configFromURI(u)
	if err != nil {
		return nil, err
	}

	s3Client, err := createS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	opts := []AdapterOption{WithPrefix(cfg.Prefix), WithDeleteMode(cfg.DeleteMode)}
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval))
	}
	return New(s3Client, cfg.Bucket, opts...), nil
}

// createS3Client creates an S3 client from config
func createS3Client(ctx context.Context, cfg *Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.MaxAttempts > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	// Explicit credentials from the URI win over the default chain.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}
