package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig locates a MinIO (or MinIO-compatible) bucket.
type MinioConfig struct {
	Endpoint     string // "minio:9000" or "https://minio.example.com"
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	Prefix       string
	CreateBucket bool
}

// MinioStore stores each payload as one object named Prefix+key.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	return raw, false, nil
}

// NewMinioStore connects to the bucket and checks that it exists, creating it
// when cfg.CreateBucket is set.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if !cfg.CreateBucket {
			return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
		}
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *MinioStore) key(k string) string { return s.prefix + k }

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, meta Meta) (Blob, error) {
	if err := validKey(key); err != nil {
		return Blob{}, err
	}
	object := s.key(key)

	_, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
	if err == nil {
		return Blob{}, ErrTokenCollision
	}
	if mapped := mapMinioErr("stat", err); !errors.Is(mapped, ErrNotFound) {
		return Blob{}, mapped
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	dr := newDigestReader(ctx, r)
	_, err = s.client.PutObject(ctx, s.bucket, object, dr, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		if dr.failed != nil {
			return Blob{}, dr.failed
		}
		return Blob{}, mapMinioErr("put", err)
	}
	return dr.blob(s.bucket + "/" + object), nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr("get", err)
	}
	// Force an early error for a missing object.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioErr("get", err)
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{})
	if err == nil {
		return nil
	}
	if mapped := mapMinioErr("remove", err); !errors.Is(mapped, ErrNotFound) {
		return mapped
	}
	return nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return mapMinioErr("bucket exists", err)
	}
	if !exists {
		return unavailable("bucket exists", fmt.Errorf("bucket %s missing", s.bucket))
	}
	return nil
}

func mapMinioErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return ErrNotFound
	case "XMinioStorageFull", "QuotaExceeded":
		return fmt.Errorf("%w: %s: %v", ErrStorageFull, op, err)
	}
	return unavailable(op, err)
}
