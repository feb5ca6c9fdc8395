package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/tablecommit/internal/platform/env"
)

// Config locates the warehouse bucket that tables are published into.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("TABLECOMMIT_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("TABLECOMMIT_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("TABLECOMMIT_MINIO_ACCESS_KEY", "tablecommit"),
		SecretKey: env.String("TABLECOMMIT_MINIO_SECRET_KEY", "tablecommit"),
		Region:    env.String("TABLECOMMIT_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("TABLECOMMIT_MINIO_BUCKET", "warehouse"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("access key and secret key are required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}
