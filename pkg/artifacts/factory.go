package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType names an artifact storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// GCSStoreConfig configures the GCS backend (built with -tags gcp).
type GCSStoreConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config selects and configures a backend.
type Config struct {
	Type    StoreType      `yaml:"type"`
	DataDir string         `yaml:"data_dir"`
	S3      S3StoreConfig  `yaml:"s3"`
	GCS     GCSStoreConfig `yaml:"gcs"`
}

// NewStore builds the backend named by cfg.Type (default "fs").
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "containers"))
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		s3cfg := cfg.S3
		if s3cfg.Region == "" {
			s3cfg.Region = "us-east-1"
		}
		return NewS3Store(ctx, s3cfg)
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type: %s", cfg.Type)
	}
}

// ConfigFromEnv reads the ARTIFACT_* and DATA_DIR variables.
func ConfigFromEnv() Config {
	region := os.Getenv("ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	return Config{
		Type:    StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
		DataDir: os.Getenv("DATA_DIR"),
		S3: S3StoreConfig{
			Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			Region:   region,
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		},
		GCS: GCSStoreConfig{
			Bucket: os.Getenv("ARTIFACT_GCS_BUCKET"),
			Prefix: os.Getenv("ARTIFACT_GCS_PREFIX"),
		},
	}
}

// NewStoreFromEnv is NewStore(ctx, ConfigFromEnv()).
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, ConfigFromEnv())
}
