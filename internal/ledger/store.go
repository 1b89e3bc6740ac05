package ledger

import (
	"context"

	"github.com/veritrail/veritrail/internal/db/models"
)

// RecordStore is the document-store surface the ledger core needs. The
// Postgres implementation lives in internal/db/repositories; tests substitute
// in-memory fakes.
type RecordStore interface {
	// Latest returns the most recently written record by timestamp order, or
	// (nil, nil) when the ledger is empty.
	Latest(ctx context.Context) (*models.AuditRecord, error)

	// Insert persists a fully built record as a single atomic write.
	Insert(ctx context.Context, rec *models.AuditRecord) error

	// Get returns the record with the given id, or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*models.AuditRecord, error)

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*models.AuditRecord, error)

	// AttachSignature attaches sig to the record iff it exists and carries no
	// signature yet, as one atomic conditional write. It reports whether a row
	// was updated; false means the record is missing or already signed.
	AttachSignature(ctx context.Context, id string, sig *models.AuditSignature) (bool, error)
}

// AppendResult is returned by Writer.Append.
type AppendResult struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// VerifyResult reports the outcome of a chain verification pass over the most
// recent window of records.
type VerifyResult struct {
	OK      bool   `json:"ok"`
	BreakAt string `json:"breakAt,omitempty"` // id of the record where the chain broke
	Count   int    `json:"count"`             // records examined
}
