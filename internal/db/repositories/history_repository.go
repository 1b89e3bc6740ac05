// history_repository.go implements the Postgres store for scopes, the
// append-only per-entity history ledger, and the latest-snapshot pointer
// cache. History entries are created, never upserted: the primary key carries
// the at-most-once guarantee and a unique violation surfaces as a collision.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/veritrail/veritrail/internal/db/models"
)

// pqUniqueViolation is the Postgres error code for a unique constraint breach.
const pqUniqueViolation = "23505"

// ErrDuplicateEntry is returned when a history write collides with an
// existing entry for the same (scope, entity) pair.
var ErrDuplicateEntry = errors.New("history entry already exists for this scope and entity")

// HistoryRepository handles scope and history ledger database operations
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository creates a new HistoryRepository
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// CreateScope persists a new generation scope.
func (r *HistoryRepository) CreateScope(ctx context.Context, scope *models.Scope) error {
	if scope.CreatedAt.IsZero() {
		scope.CreatedAt = time.Now().UTC()
	}

	var inputJSON []byte
	var err error
	if scope.Input != nil {
		inputJSON, err = json.Marshal(scope.Input)
		if err != nil {
			return fmt.Errorf("failed to marshal scope input: %w", err)
		}
	}

	query := `
		INSERT INTO scopes (id, created_at, created_by, created_by_email, input, history_writes_skipped)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		scope.ID,
		scope.CreatedAt,
		scope.CreatedBy,
		scope.CreatedByEmail,
		inputJSON,
		scope.HistoryWritesSkipped,
	)
	return err
}

// GetScope retrieves a scope by ID, or (nil, nil) when absent.
func (r *HistoryRepository) GetScope(ctx context.Context, id string) (*models.Scope, error) {
	query := `
		SELECT id, created_at, created_by, created_by_email, input, history_writes_skipped
		FROM scopes
		WHERE id = $1
	`

	scope := &models.Scope{}
	var inputJSON []byte

	err := r.db.QueryRowxContext(ctx, query, id).Scan(
		&scope.ID,
		&scope.CreatedAt,
		&scope.CreatedBy,
		&scope.CreatedByEmail,
		&inputJSON,
		&scope.HistoryWritesSkipped,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &scope.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scope input: %w", err)
		}
	}
	return scope, nil
}

// MarkScopeHistorySkipped flags the scope as having had one or more history
// writes skipped by the relaxed collision policy.
func (r *HistoryRepository) MarkScopeHistorySkipped(ctx context.Context, scopeID string) error {
	query := `UPDATE scopes SET history_writes_skipped = TRUE WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, scopeID)
	return err
}

// CreateEntry appends one history ledger entry. The entry ID must come from
// models.HistoryEntryID. Returns ErrDuplicateEntry when an entry for the same
// (scope, entity) pair already exists; the existing row is left untouched.
func (r *HistoryRepository) CreateEntry(ctx context.Context, entry *models.HistoryEntry) error {
	query := `
		INSERT INTO history_entries (id, entity_id, scope_id, storage_path, retrieval_url, checksum, snapshot_at, recorded_by_scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.EntityID,
		entry.ScopeID,
		entry.StoragePath,
		entry.RetrievalURL,
		entry.Checksum,
		entry.SnapshotAt,
		entry.RecordedByScope,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateEntry
		}
		return err
	}
	return nil
}

// ListByEntity returns the full version history of an entity. Ascending order
// walks oldest to newest; descending returns the newest entries first.
func (r *HistoryRepository) ListByEntity(ctx context.Context, entityID string, descending bool, limit int) ([]*models.HistoryEntry, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT id, entity_id, scope_id, storage_path, retrieval_url, checksum, snapshot_at, recorded_by_scope
		FROM history_entries
		WHERE entity_id = $1
		ORDER BY snapshot_at %s
		LIMIT $2
	`, order)

	entries := make([]*models.HistoryEntry, 0)
	if err := r.db.SelectContext(ctx, &entries, query, entityID, limit); err != nil {
		return nil, err
	}
	return entries, nil
}

// UpsertLatest refreshes the latest-snapshot pointer for an entity. Callers
// treat failures as non-fatal; the history ledger remains the source of truth.
func (r *HistoryRepository) UpsertLatest(ctx context.Context, latest *models.LatestSnapshot) error {
	query := `
		INSERT INTO latest_snapshots (entity_id, scope_id, storage_path, retrieval_url, checksum, snapshot_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id) DO UPDATE SET
			scope_id = EXCLUDED.scope_id,
			storage_path = EXCLUDED.storage_path,
			retrieval_url = EXCLUDED.retrieval_url,
			checksum = EXCLUDED.checksum,
			snapshot_at = EXCLUDED.snapshot_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		latest.EntityID,
		latest.ScopeID,
		latest.StoragePath,
		latest.RetrievalURL,
		latest.Checksum,
		latest.SnapshotAt,
		time.Now().UTC(),
	)
	return err
}

// GetLatest retrieves the latest-snapshot pointer for an entity, or (nil, nil)
// when no pointer exists.
func (r *HistoryRepository) GetLatest(ctx context.Context, entityID string) (*models.LatestSnapshot, error) {
	query := `
		SELECT entity_id, scope_id, storage_path, retrieval_url, checksum, snapshot_at
		FROM latest_snapshots
		WHERE entity_id = $1
	`

	latest := &models.LatestSnapshot{}
	err := r.db.GetContext(ctx, latest, query, entityID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return latest, nil
}
