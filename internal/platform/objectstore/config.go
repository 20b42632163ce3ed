package objectstore

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

// Config locates the S3-compatible bucket holding vector index snapshots.
// Prefix namespaces keys so several deployments can share one bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("QAFLOW_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("QAFLOW_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("QAFLOW_MINIO_ACCESS_KEY", "qaflow"),
		SecretKey: env.String("QAFLOW_MINIO_SECRET_KEY", "qaflowminio"),
		Region:    env.String("QAFLOW_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("QAFLOW_MINIO_BUCKET", "qaflow-index"),
		Prefix:    env.String("QAFLOW_MINIO_PREFIX", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return errors.New("QAFLOW_MINIO_ENDPOINT is required")
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("QAFLOW_MINIO_ENDPOINT must not include a scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "":
		return errors.New("QAFLOW_MINIO_ACCESS_KEY and QAFLOW_MINIO_SECRET_KEY are required")
	case strings.TrimSpace(c.Region) == "":
		return errors.New("QAFLOW_MINIO_REGION is required")
	case strings.TrimSpace(c.Bucket) == "":
		return errors.New("QAFLOW_MINIO_BUCKET is required")
	case strings.HasPrefix(c.Prefix, "/") || strings.Contains(c.Prefix, ".."):
		return fmt.Errorf("QAFLOW_MINIO_PREFIX must be a relative key prefix: %q", c.Prefix)
	}
	return nil
}

// ObjectKey places key under the configured prefix.
func (c Config) ObjectKey(key string) string {
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
