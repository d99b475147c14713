package mio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint        string      `yaml:"endpoint"`
	AccessKeyID     string      `yaml:"access_key_id"`
	SecretAccessKey string      `yaml:"secret_access_key"`
	UseSSL          bool        `yaml:"use_ssl"`
	Bucket          string      `yaml:"bucket"`
	Retry           RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

var (
	errEmptyEndpoint = errors.New("empty MinIO endpoint")
	errEmptyBucket   = errors.New("empty MinIO bucket")
)

// NewClient builds a client and makes sure the bucket exists, retrying with
// exponential backoff while MinIO is still coming up.
func NewClient(ctx context.Context, cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errEmptyEndpoint
	}
	if cfg.Bucket == "" {
		return nil, errEmptyBucket
	}

	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = time.Second
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Retry.InitialInterval
	bo.MaxInterval = cfg.Retry.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.Retry.MaxRetries-1)), ctx)

	notify := func(err error, wait time.Duration) {
		slog.Warn("MinIO not ready",
			slog.String("endpoint", cfg.Endpoint),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
	}
	if err := backoff.RetryNotify(func() error {
		return ensureBucket(ctx, client, cfg.Bucket)
	}, policy, notify); err != nil {
		return nil, fmt.Errorf("init MinIO failed after %d attempts: %w", cfg.Retry.MaxRetries, err)
	}

	return client, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}
