package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"docsync/api/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// S3 stores snapshots in an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3(cfg config.Storage) (*S3, error) {
	host := defaultS3Endpoint
	secure := true
	lookup := minio.BucketLookupAuto
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("parse storage endpoint %q: invalid url", cfg.Endpoint)
		}
		host = u.Host
		secure = u.Scheme == "https"
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: lookup,
		MaxRetries:   3,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3) key(docID string) string {
	return blobKey(s.prefix, docID)
}

func (s *S3) Load(ctx context.Context, docID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(docID), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyS3(err)
	}
	return data, nil
}

func (s *S3) Save(ctx context.Context, docID string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(docID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return classifyS3(err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, docID string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(docID), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if err := classifyS3(err); !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return false, nil
}

// HealthCheck verifies the bucket is reachable with the configured credentials.
func (s *S3) HealthCheck(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyS3(err)
	}
	if !ok {
		return ErrBucketNotFound
	}
	return nil
}

func (s *S3) Close() error { return nil }

func classifyS3(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case minio.NoSuchKey:
		return ErrNotFound
	case minio.NoSuchBucket:
		return ErrBucketNotFound
	case minio.AccessDenied, minio.InvalidAccessKeyID, minio.SignatureDoesNotMatch:
		return fmt.Errorf("%w: %s", ErrNotAuthorized, resp.Message)
	case "":
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", ErrConnection, resp.Message)
	}
	return fmt.Errorf("s3 %s: %w", resp.Code, err)
}
