package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// PayloadConfig configures the S3-compatible payload store.
type PayloadConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" validate:"required"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket" validate:"required"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`

	// Prefix is prepended to every object key.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// Validate checks the payload store settings.
func (c PayloadConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("payload store endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.New("payload store endpoint must not include a scheme")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("payload store bucket is required")
	}
	return nil
}

// MinioPayloadStore keeps large output payloads in an S3-compatible bucket.
type MinioPayloadStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioPayloadStore connects to the bucket, creating it when missing.
func NewMinioPayloadStore(ctx context.Context, cfg PayloadConfig) (*MinioPayloadStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payload store client: %w", err)
	}

	store := &MinioPayloadStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	if err := store.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MinioPayloadStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return unavailable("check payload bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return unavailable("create payload bucket", err)
	}
	return nil
}

func (s *MinioPayloadStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put stores data under key.
func (s *MinioPayloadStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return unavailable("put payload", err)
	}
	return nil
}

// Get retrieves the data stored under key.
func (s *MinioPayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, unavailable("get payload", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, notFound("payload", key)
		}
		return nil, unavailable("read payload", err)
	}
	return data, nil
}

var _ engine.PayloadStore = (*MinioPayloadStore)(nil)
