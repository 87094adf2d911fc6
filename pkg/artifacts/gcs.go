//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
)

// GCSConfig configures GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSStore keeps artifacts as <prefix><hex>.blob objects in a bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore builds a client from application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".blob")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.PrefixedHash(data)
	obj := s.object(hash[len(canonicalize.HashPrefix):])
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("artifacts: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		// A concurrent writer of the same content fails the precondition.
		if ok, _ := s.Exists(ctx, hash); ok {
			return hash, nil
		}
		return "", fmt.Errorf("artifacts: gcs close: %w", err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	r, err := s.object(raw).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("artifacts: gcs read %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	_, err = s.object(raw).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: gcs attrs %s: %w", hash, err)
}

func (s *GCSStore) Locator(hash string) string {
	raw, err := rawHash(hash)
	if err != nil {
		return ""
	}
	return "gs://" + s.bucket + "/" + s.prefix + raw + ".blob"
}

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("artifacts: ARTIFACT_GCS_BUCKET is required for gcs storage")
	}
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
