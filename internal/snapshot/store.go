// Package snapshot persists immutable, content-addressed entity documents to
// blob storage and maintains the per-entity history ledger on top of them.
// Snapshot paths are deterministic for a (scope, entity) pair, so re-uploading
// the same pair lands on the same path rather than multiplying objects.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/storage"
	"github.com/veritrail/veritrail/internal/telemetry"
	"github.com/veritrail/veritrail/pkg/checksum"
)

// Store writes snapshot documents to a storage backend and hands out
// time-limited retrieval URLs.
type Store struct {
	backend     storage.Storage
	backendName string

	urlExpiry         time.Duration
	archivalURLExpiry time.Duration
}

// NewStore creates a snapshot store over the given backend. backendName is
// used only for metrics labels.
func NewStore(backend storage.Storage, backendName string, urlExpiry, archivalURLExpiry time.Duration) *Store {
	return &Store{
		backend:           backend,
		backendName:       backendName,
		urlExpiry:         urlExpiry,
		archivalURLExpiry: archivalURLExpiry,
	}
}

// ObjectPath derives the deterministic storage path for a (scope, entity)
// snapshot document.
func ObjectPath(scopeID, entityID string) string {
	return fmt.Sprintf("scopes/%s/entities/%s.json", scopeID, entityID)
}

// UploadJSON sanitizes doc, serializes it, and persists it under the
// deterministic path for (scopeID, entityID). The returned snapshot carries
// the storage path, the content checksum, and a retrieval URL valid for the
// store's configured expiry.
func (s *Store) UploadJSON(ctx context.Context, scopeID, entityID string, doc map[string]interface{}) (*models.Snapshot, error) {
	if scopeID == "" {
		return nil, &ledger.ValidationError{Field: "scopeId", Reason: "must not be empty"}
	}
	if entityID == "" {
		return nil, &ledger.ValidationError{Field: "entityId", Reason: "must not be empty"}
	}

	clean := ledger.SanitizeObject(doc)
	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	return s.UploadBytes(ctx, ObjectPath(scopeID, entityID), data)
}

// UploadBytes persists raw serialized bytes at path and returns the snapshot
// descriptor. The checksum is computed over exactly the bytes stored.
func (s *Store) UploadBytes(ctx context.Context, path string, data []byte) (*models.Snapshot, error) {
	sum := checksum.SumBytes(data)

	result, err := s.backend.Upload(ctx, path, bytes.NewReader(data), int64(len(data)), "application/json")
	if err != nil {
		return nil, &ledger.StorageError{Op: "upload snapshot", Err: err}
	}

	// The backend hashes what it actually wrote; a mismatch means the bytes
	// were corrupted in transit.
	if result.Checksum != "" && result.Checksum != sum {
		return nil, &ledger.StorageError{
			Op:  "upload snapshot",
			Err: fmt.Errorf("checksum mismatch after upload: computed %s, stored %s", sum, result.Checksum),
		}
	}

	url, err := s.backend.GetURL(ctx, path, s.urlExpiry)
	if err != nil {
		return nil, &ledger.StorageError{Op: "sign snapshot url", Err: err}
	}

	telemetry.SnapshotUploadsTotal.WithLabelValues(s.backendName).Inc()

	return &models.Snapshot{
		StoragePath:  path,
		Checksum:     sum,
		RetrievalURL: url,
		CreatedAt:    time.Now().UTC(),
		Size:         result.Size,
	}, nil
}

// RetrievalURL issues a fresh time-limited URL for an existing snapshot.
func (s *Store) RetrievalURL(ctx context.Context, path string) (string, error) {
	url, err := s.backend.GetURL(ctx, path, s.urlExpiry)
	if err != nil {
		return "", &ledger.StorageError{Op: "sign snapshot url", Err: err}
	}
	return url, nil
}

// RetrievalURLWithTTL issues a URL valid for a caller-chosen duration, clamped
// to the archival expiry ceiling. Non-positive durations fall back to the
// store's default expiry.
func (s *Store) RetrievalURLWithTTL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.urlExpiry
	}
	if ttl > s.archivalURLExpiry {
		ttl = s.archivalURLExpiry
	}
	url, err := s.backend.GetURL(ctx, path, ttl)
	if err != nil {
		return "", &ledger.StorageError{Op: "sign snapshot url", Err: err}
	}
	return url, nil
}

// ArchivalURL issues a long-lived URL for export and archival use.
func (s *Store) ArchivalURL(ctx context.Context, path string) (string, error) {
	url, err := s.backend.GetURL(ctx, path, s.archivalURLExpiry)
	if err != nil {
		return "", &ledger.StorageError{Op: "sign archival url", Err: err}
	}
	return url, nil
}

// Fetch downloads a snapshot document and verifies it against the expected
// checksum when one is supplied.
func (s *Store) Fetch(ctx context.Context, path, expectedChecksum string) ([]byte, error) {
	reader, err := s.backend.Download(ctx, path)
	if err != nil {
		return nil, &ledger.StorageError{Op: "download snapshot", Err: err}
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, &ledger.StorageError{Op: "download snapshot", Err: err}
	}

	if expectedChecksum != "" {
		if got := checksum.SumBytes(buf.Bytes()); got != expectedChecksum {
			return nil, &ledger.StorageError{
				Op:  "verify snapshot",
				Err: fmt.Errorf("checksum mismatch: expected %s, got %s", expectedChecksum, got),
			}
		}
	}

	return buf.Bytes(), nil
}
