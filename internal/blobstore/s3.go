package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/spf13/afero"
)

// S3Config locates a bucket on AWS S3 or any S3-compatible endpoint.
type S3Config struct {
	Endpoint  string // empty for AWS itself
	Region    string
	AccessKey string // empty to use the default credential chain
	SecretKey string
	Bucket    string
	Prefix    string
	PathStyle bool

	// SpoolFs and SpoolDir hold payloads while they are uploaded. The SDK
	// needs a seekable body with a known length, a multipart reader is neither.
	SpoolFs  afero.Fs
	SpoolDir string
}

// S3Store stores each payload as one object through aws-sdk-go-v2.
type S3Store struct {
	client   *s3.Client
	bucket   string
	prefix   string
	spoolFs  afero.Fs
	spoolDir string
}

// NewS3Store builds the client and checks that the bucket is reachable.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	s := newS3Store(client, cfg)
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newS3Store(client *s3.Client, cfg S3Config) *S3Store {
	spool := cfg.SpoolFs
	if spool == nil {
		spool = afero.NewOsFs()
	}
	return &S3Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		spoolFs:  spool,
		spoolDir: cfg.SpoolDir,
	}
}

func (s *S3Store) key(k string) string { return s.prefix + k }

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, meta Meta) (Blob, error) {
	if err := validKey(key); err != nil {
		return Blob{}, err
	}
	object := s.key(key)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(object),
	})
	if err == nil {
		return Blob{}, ErrTokenCollision
	}
	if mapped := mapS3Err("head", err); !errors.Is(mapped, ErrNotFound) {
		return Blob{}, mapped
	}

	spool, err := afero.TempFile(s.spoolFs, s.spoolDir, "quickdrop-spool-*")
	if err != nil {
		return Blob{}, unavailable("spool", err)
	}
	defer func() {
		_ = spool.Close()
		_ = s.spoolFs.Remove(spool.Name())
	}()

	dr := newDigestReader(ctx, r)
	if _, err := io.Copy(spool, dr); err != nil {
		if dr.failed != nil {
			return Blob{}, dr.failed
		}
		return Blob{}, diskErr("spool", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return Blob{}, unavailable("spool", err)
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	blob := dr.blob(s.bucket + "/" + object)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(object),
		Body:          spool,
		ContentLength: aws.Int64(blob.Size),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"sha256": blob.SHA256},
	})
	if err != nil {
		return Blob{}, mapS3Err("put", err)
	}
	return blob, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, mapS3Err("get", err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err == nil {
		return nil
	}
	if mapped := mapS3Err("delete", err); !errors.Is(mapped, ErrNotFound) {
		return mapped
	}
	return nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return unavailable("head bucket", err)
	}
	return nil
}

func mapS3Err(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "XMinioStorageFull", "QuotaExceeded":
			return fmt.Errorf("%w: %s: %v", ErrStorageFull, op, err)
		}
	}
	return unavailable(op, err)
}
