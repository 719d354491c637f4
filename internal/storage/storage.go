// Package storage persists document snapshots as opaque blobs.
//
// Every keyed backend stores a document under prefix + docID + "/data.ysweet".
package storage

import (
	"context"
	"errors"
	"fmt"

	"docsync/api/internal/config"

	"github.com/hashicorp/go-hclog"
)

const blobName = "data.ysweet"

var (
	// ErrNotFound is returned by Load when no snapshot exists for the document.
	ErrNotFound = errors.New("storage: document not found")
	// ErrBucketNotFound reports a configured bucket that does not exist.
	ErrBucketNotFound = errors.New("storage: bucket does not exist")
	// ErrNotAuthorized reports credentials rejected by the backend.
	ErrNotAuthorized = errors.New("storage: not authorized")
	// ErrConnection reports a backend that could not be reached.
	ErrConnection = errors.New("storage: connection error")
)

// Backend is the narrow persistence contract used by the document store.
type Backend interface {
	Load(ctx context.Context, docID string) ([]byte, error)
	Save(ctx context.Context, docID string, data []byte) error
	Exists(ctx context.Context, docID string) (bool, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, context.Canceled)
}

func blobKey(prefix, docID string) string {
	return prefix + docID + "/" + blobName
}

// Open builds the backend selected by cfg.Kind.
func Open(ctx context.Context, cfg config.Storage, logger hclog.Logger) (Backend, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("storage").With("kind", cfg.Kind)

	var (
		backend Backend
		err     error
	)
	switch cfg.Kind {
	case config.StorageMemory, "":
		backend = NewMemory()
	case config.StorageS3:
		backend, err = NewS3(cfg)
	case config.StorageRedis:
		backend, err = NewRedis(ctx, cfg.RedisURL, cfg.Prefix)
	case config.StoragePostgres:
		backend, err = NewPostgres(ctx, cfg.DatabaseURL)
	case config.StorageGit:
		backend, err = NewGit(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("storage backend ready", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "dir", cfg.Dir)
	return backend, nil
}
