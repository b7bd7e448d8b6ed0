package artifacts

import (
	"context"
	"fmt"
)

// Backend names accepted in Config.Type.
const (
	TypeFS  = "fs"
	TypeS3  = "s3"
	TypeGCS = "gcs"
)

// Config selects and configures a Store.
type Config struct {
	Type string `yaml:"type"`
	Dir  string `yaml:"dir"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`

	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

// New builds the Store named by cfg.Type. An empty type means "fs".
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/artifacts"
		}
		return NewFileStore(dir)
	case TypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("artifacts: s3 bucket is required")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.S3Bucket, Region: region, Endpoint: cfg.S3Endpoint, Prefix: cfg.S3Prefix})
	case TypeGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("artifacts: gcs bucket is required")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported store type %q", cfg.Type)
	}
}
