package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"docsync/api/internal/config"
)

// newS3Stub answers bucket HEAD requests with bucketStatus and serves objects
// from the given map by path.
func newS3Stub(t *testing.T, bucketStatus int, objects map[string]string) *S3 {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(r.URL.Path, "/")
		if !strings.Contains(path, "/") {
			w.WriteHeader(bucketStatus)
			return
		}
		body, ok := objects[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(srv.Close)

	backend, err := NewS3(config.Storage{
		Kind:            config.StorageS3,
		Bucket:          "docs",
		Prefix:          "team/",
		Region:          "us-east-1",
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	return backend
}

func TestS3HealthCheckClassifiesBucketErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"ok", http.StatusOK, nil},
		{"missing bucket", http.StatusNotFound, ErrBucketNotFound},
		{"forbidden", http.StatusForbidden, ErrNotAuthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newS3Stub(t, tc.status, nil)
			err := backend.HealthCheck(context.Background())
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected healthy bucket, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestS3HealthCheckConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	backend, err := NewS3(config.Storage{
		Kind:            config.StorageS3,
		Bucket:          "docs",
		Region:          "us-east-1",
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
		Endpoint:        endpoint,
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	if err := backend.HealthCheck(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestS3LoadAndExistsUsePrefixedKey(t *testing.T) {
	backend := newS3Stub(t, http.StatusOK, map[string]string{
		"docs/team/doc-1/data.ysweet": "snapshot-bytes",
	})
	ctx := context.Background()

	data, err := backend.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != "snapshot-bytes" {
		t.Fatalf("expected snapshot-bytes, got %q", data)
	}

	exists, err := backend.Exists(ctx, "doc-1")
	if err != nil || !exists {
		t.Fatalf("expected doc-1 to exist, got %v %v", exists, err)
	}
	exists, err = backend.Exists(ctx, "doc-2")
	if err != nil || exists {
		t.Fatalf("expected doc-2 to be absent, got %v %v", exists, err)
	}
	if _, err := backend.Load(ctx, "doc-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewS3RejectsBadEndpoint(t *testing.T) {
	_, err := NewS3(config.Storage{Kind: config.StorageS3, Bucket: "docs", Endpoint: "::bad"})
	if err == nil {
		t.Fatal("expected endpoint parse error")
	}
}
