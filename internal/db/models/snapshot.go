// snapshot.go defines the content-addressed artifact snapshot, the per-entity
// history ledger entry, and the scope (generation batch) record that owns a
// set of snapshots.
package models

import "time"

// Snapshot describes an immutable artifact persisted to blob storage. The
// storage path is deterministic for a (scope, entity) pair and the checksum is
// the SHA-256 of the artifact's serialized bytes.
type Snapshot struct {
	StoragePath  string    `json:"storagePath"`
	Checksum     string    `json:"checksum"`
	RetrievalURL string    `json:"retrievalUrl"` // time-limited signed URL
	CreatedAt    time.Time `json:"createdAt"`
	Size         int64     `json:"size"`
}

// HistoryEntry is one row of an entity's append-only version history. Its ID
// is derived deterministically from (scopeID, entityID) so a second write for
// the same pair collides instead of creating a duplicate.
type HistoryEntry struct {
	ID              string    `json:"id" db:"id"`
	EntityID        string    `json:"entityId" db:"entity_id"`
	ScopeID         string    `json:"scopeId" db:"scope_id"`
	StoragePath     string    `json:"storagePath" db:"storage_path"`
	RetrievalURL    string    `json:"retrievalUrl" db:"retrieval_url"`
	Checksum        string    `json:"checksum" db:"checksum"`
	SnapshotAt      time.Time `json:"snapshotAt" db:"snapshot_at"`
	RecordedByScope string    `json:"recordedByScope" db:"recorded_by_scope"`
}

// HistoryEntryID derives the deterministic history-entry identifier for a
// (scope, entity) pair. Both writes and collision checks go through this so
// the at-most-once guarantee cannot drift between call sites.
func HistoryEntryID(scopeID, entityID string) string {
	return scopeID + "-" + entityID
}

// LatestSnapshot is the best-effort "latest pointer" cache for an entity. Its
// loss or staleness is never a correctness failure; the history ledger is the
// source of truth.
type LatestSnapshot struct {
	EntityID     string    `json:"entityId" db:"entity_id"`
	ScopeID      string    `json:"scopeId" db:"scope_id"`
	StoragePath  string    `json:"storagePath" db:"storage_path"`
	RetrievalURL string    `json:"retrievalUrl" db:"retrieval_url"`
	Checksum     string    `json:"checksum" db:"checksum"`
	SnapshotAt   time.Time `json:"snapshotAt" db:"snapshot_at"`
}

// Scope records one artifact-generation batch (an "invocation" in the UI's
// terms). HistoryWritesSkipped is set when the relaxed collision policy
// skipped one or more history writes on behalf of this scope.
type Scope struct {
	ID                   string                 `json:"id" db:"id"`
	CreatedAt            time.Time              `json:"createdAt" db:"created_at"`
	CreatedBy            *string                `json:"createdBy" db:"created_by"`
	CreatedByEmail       *string                `json:"createdByEmail" db:"created_by_email"`
	Input                map[string]interface{} `json:"input,omitempty" db:"-"`
	HistoryWritesSkipped bool                   `json:"historyWritesSkipped" db:"history_writes_skipped"`
}
