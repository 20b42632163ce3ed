package vectorindex

import (
	"fmt"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

const (
	BackendFile  = "file"
	BackendMinio = "minio"
)

type Config struct {
	Dimensions       int
	Backend          string
	Path             string
	Compression      Compression
	SnapshotInterval time.Duration
}

func ConfigFromEnv() (Config, error) {
	dims, err := env.Int("EMBEDDING_DIMENSIONS", 256)
	if err != nil {
		return Config{}, err
	}
	compression, err := ParseCompression(env.String("VECTOR_SNAPSHOT_COMPRESSION", "zstd"))
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("VECTOR_SNAPSHOT_INTERVAL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Dimensions:       dims,
		Backend:          strings.ToLower(env.String("VECTOR_SNAPSHOT_BACKEND", BackendFile)),
		Path:             env.String("VECTOR_SNAPSHOT_PATH", "qaflow-index.snap"),
		Compression:      compression,
		SnapshotInterval: interval,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Dimensions < 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be >= 0")
	}
	switch c.Backend {
	case "", BackendFile, BackendMinio:
	default:
		return fmt.Errorf("VECTOR_SNAPSHOT_BACKEND must be %q or %q", BackendFile, BackendMinio)
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("VECTOR_SNAPSHOT_INTERVAL must be >= 0")
	}
	return nil
}
