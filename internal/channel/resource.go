package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FetchFunc opens the remote bytes behind a Resource. Caller closes the reader.
type FetchFunc func(ctx context.Context) (io.ReadCloser, error)

// Resource is a lazily fetched binary payload (image, audio, file) attached to an
// inbound message. Normalization only records where it lives; Prepare downloads it
// to a deterministic local path the first time a handler actually needs it.
type Resource struct {
	RemoteRef string

	localPath string
	fetch     FetchFunc

	mu       sync.Mutex
	prepared bool
}

// NewResource builds a resource that will be cached at localPath.
func NewResource(remoteRef, localPath string, fetch FetchFunc) *Resource {
	return &Resource{RemoteRef: remoteRef, localPath: localPath, fetch: fetch}
}

// LocalPath is where the bytes live once prepared. Stable for the message's lifetime.
func (r *Resource) LocalPath() string {
	if r == nil {
		return ""
	}
	return r.localPath
}

// Prepare downloads the resource once and returns its local path. A failed download
// is not memoized, so a later call retries.
func (r *Resource) Prepare(ctx context.Context) (string, error) {
	if r == nil {
		return "", errors.New("resource is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prepared {
		return r.localPath, nil
	}
	if r.fetch == nil {
		return "", fmt.Errorf("resource %s has no fetcher", r.RemoteRef)
	}
	if err := os.MkdirAll(filepath.Dir(r.localPath), 0o755); err != nil {
		return "", fmt.Errorf("create resource dir: %w", err)
	}
	rc, err := r.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch resource %s: %w", r.RemoteRef, err)
	}
	defer func() { _ = rc.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(r.localPath), ".resource-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write resource %s: %w", r.RemoteRef, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.localPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("move resource into place: %w", err)
	}
	r.prepared = true
	return r.localPath, nil
}

// Bytes prepares the resource and reads it fully.
func (r *Resource) Bytes(ctx context.Context) ([]byte, error) {
	path, err := r.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Open prepares the resource and opens it for reading.
func (r *Resource) Open(ctx context.Context) (*os.File, error) {
	path, err := r.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Cleanup removes the cached file.
func (r *Resource) Cleanup() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prepared {
		_ = os.Remove(r.localPath)
		r.prepared = false
	}
}
