// history.go maintains the append-only per-entity history ledger. Every entry
// is created exactly once per (scope, entity) pair; the collision policy
// decides whether a duplicate write fails the request (strict) or is skipped
// with the scope flagged (relaxed). The latest-pointer cache is refreshed best
// effort and never treated as authoritative.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/db/repositories"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/telemetry"
)

// HistoryStore is the persistence surface the history ledger needs. The
// Postgres implementation lives in internal/db/repositories; tests substitute
// fakes.
type HistoryStore interface {
	CreateScope(ctx context.Context, scope *models.Scope) error
	GetScope(ctx context.Context, id string) (*models.Scope, error)
	MarkScopeHistorySkipped(ctx context.Context, scopeID string) error
	CreateEntry(ctx context.Context, entry *models.HistoryEntry) error
	ListByEntity(ctx context.Context, entityID string, descending bool, limit int) ([]*models.HistoryEntry, error)
	UpsertLatest(ctx context.Context, latest *models.LatestSnapshot) error
	GetLatest(ctx context.Context, entityID string) (*models.LatestSnapshot, error)
}

// DefaultHistoryLimit bounds unqualified history listings.
const DefaultHistoryLimit = 200

// HistoryLedger records and lists per-entity version history.
type HistoryLedger struct {
	store  HistoryStore
	strict bool
}

// NewHistoryLedger creates a history ledger. strict selects the collision
// policy: fail the request on a duplicate (true) or skip it and flag the
// scope (false).
func NewHistoryLedger(store HistoryStore, strict bool) *HistoryLedger {
	return &HistoryLedger{store: store, strict: strict}
}

// OpenScope creates a new generation scope owned by the given actor.
func (h *HistoryLedger) OpenScope(ctx context.Context, createdBy, createdByEmail *string, input map[string]interface{}) (*models.Scope, error) {
	scope := &models.Scope{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      createdBy,
		CreatedByEmail: createdByEmail,
		Input:          ledger.SanitizeObject(input),
	}
	if err := h.store.CreateScope(ctx, scope); err != nil {
		return nil, &ledger.StorageError{Op: "create scope", Err: err}
	}
	return scope, nil
}

// GetScope retrieves a scope, or (nil, nil) when absent.
func (h *HistoryLedger) GetScope(ctx context.Context, id string) (*models.Scope, error) {
	scope, err := h.store.GetScope(ctx, id)
	if err != nil {
		return nil, &ledger.StorageError{Op: "read scope", Err: err}
	}
	return scope, nil
}

// Record appends one history entry for an entity snapshot. The entry ID is
// derived from (scopeID, entityID), so a second write for the same pair
// collides instead of duplicating. Under the strict policy a collision
// returns ledger.ErrHistoryCollision; under the relaxed policy it is skipped,
// the scope flagged, and skipped=true returned. The latest pointer is
// refreshed best effort either way.
func (h *HistoryLedger) Record(ctx context.Context, scopeID, entityID string, snap *models.Snapshot) (entry *models.HistoryEntry, skipped bool, err error) {
	if scopeID == "" {
		return nil, false, &ledger.ValidationError{Field: "scopeId", Reason: "must not be empty"}
	}
	if entityID == "" {
		return nil, false, &ledger.ValidationError{Field: "entityId", Reason: "must not be empty"}
	}

	entry = &models.HistoryEntry{
		ID:              models.HistoryEntryID(scopeID, entityID),
		EntityID:        entityID,
		ScopeID:         scopeID,
		StoragePath:     snap.StoragePath,
		RetrievalURL:    snap.RetrievalURL,
		Checksum:        snap.Checksum,
		SnapshotAt:      snap.CreatedAt,
		RecordedByScope: scopeID,
	}

	createErr := h.store.CreateEntry(ctx, entry)
	if createErr != nil {
		if !errors.Is(createErr, repositories.ErrDuplicateEntry) {
			return nil, false, &ledger.StorageError{Op: "append history entry", Err: createErr}
		}

		telemetry.HistoryCollisionsTotal.Inc()
		if h.strict {
			return nil, false, ledger.ErrHistoryCollision
		}

		// Relaxed policy: keep the existing entry, flag the scope, move on.
		if err := h.store.MarkScopeHistorySkipped(ctx, scopeID); err != nil {
			slog.Warn("failed to flag scope after skipped history write",
				"scopeId", scopeID, "entityId", entityID, "error", err)
		}
		slog.Info("skipped duplicate history write",
			"scopeId", scopeID, "entityId", entityID)
		skipped = true
	}

	h.refreshLatest(ctx, scopeID, entityID, snap)

	return entry, skipped, nil
}

// refreshLatest updates the latest-pointer cache. Failures are logged and
// swallowed: the history ledger is the source of truth and the pointer can be
// rebuilt from it at any time.
func (h *HistoryLedger) refreshLatest(ctx context.Context, scopeID, entityID string, snap *models.Snapshot) {
	latest := &models.LatestSnapshot{
		EntityID:     entityID,
		ScopeID:      scopeID,
		StoragePath:  snap.StoragePath,
		RetrievalURL: snap.RetrievalURL,
		Checksum:     snap.Checksum,
		SnapshotAt:   snap.CreatedAt,
	}
	if err := h.store.UpsertLatest(ctx, latest); err != nil {
		slog.Warn("failed to refresh latest-snapshot pointer",
			"entityId", entityID, "error", err)
	}
}

// List returns an entity's version history. descending returns the newest
// entries first; limit <= 0 applies DefaultHistoryLimit.
func (h *HistoryLedger) List(ctx context.Context, entityID string, descending bool, limit int) ([]*models.HistoryEntry, error) {
	if entityID == "" {
		return nil, &ledger.ValidationError{Field: "entityId", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	entries, err := h.store.ListByEntity(ctx, entityID, descending, limit)
	if err != nil {
		return nil, &ledger.StorageError{Op: "list history", Err: err}
	}
	return entries, nil
}

// Latest returns the newest snapshot pointer for an entity. The cache is
// consulted first; on a miss the history ledger is walked and the pointer
// repaired best effort. Returns (nil, nil) for entities with no history.
func (h *HistoryLedger) Latest(ctx context.Context, entityID string) (*models.LatestSnapshot, error) {
	if entityID == "" {
		return nil, &ledger.ValidationError{Field: "entityId", Reason: "must not be empty"}
	}

	cached, err := h.store.GetLatest(ctx, entityID)
	if err != nil {
		return nil, &ledger.StorageError{Op: "read latest pointer", Err: err}
	}
	if cached != nil {
		return cached, nil
	}

	// Cache miss: fall back to the ledger itself.
	entries, err := h.store.ListByEntity(ctx, entityID, true, 1)
	if err != nil {
		return nil, &ledger.StorageError{Op: "list history", Err: err}
	}
	if len(entries) == 0 {
		return nil, nil
	}

	newest := entries[0]
	latest := &models.LatestSnapshot{
		EntityID:     newest.EntityID,
		ScopeID:      newest.ScopeID,
		StoragePath:  newest.StoragePath,
		RetrievalURL: newest.RetrievalURL,
		Checksum:     newest.Checksum,
		SnapshotAt:   newest.SnapshotAt,
	}
	if err := h.store.UpsertLatest(ctx, latest); err != nil {
		slog.Warn("failed to repair latest-snapshot pointer",
			"entityId", entityID, "error", err)
	}
	return latest, nil
}
