// Package storage is the object store backing file-bearing record
// columns. The record engine writes file bodies before committing the
// referencing row and deletes them through the _file_deletions queue.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/recbase-io/recbase/internal/config"
)

// Object describes a stored file.
type Object struct {
	Key         string
	Size        int64
	ContentType string
}

// Provider is the object-store interface the record engine consumes.
type Provider interface {
	// Put streams data to key, overwriting any previous object.
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error
	// Get opens the object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	// Delete removes the object. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
}

// New builds a provider from configuration.
func New(cfg *config.StorageConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		return NewLocal(cfg.LocalPath)
	case "s3":
		return NewS3(cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
