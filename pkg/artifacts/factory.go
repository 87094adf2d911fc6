package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Type selects an artifact backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeFS     Type = "fs"
	TypeS3     Type = "s3"
	TypeGCS    Type = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type       Type
	DataDir    string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
	GCSBucket  string
	GCSPrefix  string
}

// New builds the configured store. The empty type means fs.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeFS, "":
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case TypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("artifacts: ARTIFACT_S3_BUCKET is required for s3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.S3Bucket, Region: region, Endpoint: cfg.S3Endpoint, Prefix: cfg.S3Prefix})
	case TypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type %q", cfg.Type)
	}
}
