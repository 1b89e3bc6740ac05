// Package storage defines the Storage interface and common types for all
// snapshot storage backends.
//
// New backends are added by implementing the Storage interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
// This means adding a new backend requires no changes to the factory or main
// package, only a blank import in cmd/server/main.go.
package storage

import (
	"context"
	"io"
	"time"
)

// Storage is the blob-store surface the snapshot layer writes through. Stored
// documents are immutable: the snapshot store never overwrites a path, so
// implementations need no versioning of their own.
type Storage interface {
	// Upload stores a document and returns the storage result with path and
	// checksum. contentType is recorded where the backend supports it so
	// retrieval URLs serve documents with the right media type.
	Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) (*UploadResult, error)

	// Download retrieves a document and returns a reader
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes a document from storage
	Delete(ctx context.Context, path string) error

	// GetURL returns a direct retrieval URL.
	// For cloud storage, this generates a signed URL valid for the specified TTL.
	// For local storage, this returns a path for serving.
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Exists checks if a document exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata retrieves document metadata without downloading the entire document
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)
}

// UploadResult contains information about an uploaded document
type UploadResult struct {
	// Path is the storage path where the document was stored
	Path string

	// Size is the document size in bytes
	Size int64

	// Checksum is the SHA256 hash of the document contents
	Checksum string
}

// FileMetadata contains metadata about a stored document
type FileMetadata struct {
	// Path is the storage path of the document
	Path string

	// Size is the document size in bytes
	Size int64

	// Checksum is the SHA256 hash of the document contents
	Checksum string

	// LastModified is the timestamp when the document was last modified
	LastModified time.Time
}
