// Package objectstore wraps an S3-compatible object store client used by
// the Fetcher's gs:// scheme and the Job Handler's Uploader.
package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nodeforge/enginectl/internal/platform/env"
)

// Config holds the connection settings for the object store backend.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	Bucket          string
	Prefix          string
	Public          bool
	SignedURLTTLSec int
	Retries         int
	RetryBaseSleep  string
	Validate_       bool // OBJECT_VALIDATE: verify uploaded size matches local size
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("OBJECT_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	public, err := env.Bool("OBJECT_PUBLIC", false)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Int("OBJECT_SIGNED_URL_TTL", 0)
	if err != nil {
		return Config{}, err
	}
	retries, err := env.Int("OBJECT_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	validateUpload, err := env.Bool("OBJECT_VALIDATE", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Endpoint:        env.String("OBJECT_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("OBJECT_ACCESS_KEY", ""),
		SecretKey:       env.String("OBJECT_SECRET_KEY", ""),
		Region:          env.String("OBJECT_REGION", "us-east-1"),
		UseSSL:          useSSL,
		Bucket:          env.String("OBJECT_BUCKET", ""),
		Prefix:          env.String("OBJECT_PREFIX", "enginectl/outputs"),
		Public:          public,
		SignedURLTTLSec: ttl,
		Retries:         retries,
		RetryBaseSleep:  env.String("OBJECT_RETRY_BASE_SLEEP", "500ms"),
		Validate_:       validateUpload,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("object store endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("object store endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("object store region is required")
	}
	return nil
}
