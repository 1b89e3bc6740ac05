// writer.go implements the audit chain writer: each appended record links to
// the hash of the immediately preceding record, forming a singly linked hash
// chain from newest to oldest. Breaking any record invalidates the hash of
// every record chained after it: detectable, not preventable, without
// rewriting history.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/ledger/mirror"
	"github.com/veritrail/veritrail/internal/safego"
	"github.com/veritrail/veritrail/internal/telemetry"
	"github.com/veritrail/veritrail/pkg/checksum"
)

// Writer appends hash-chained records to the audit ledger.
//
// The read-predecessor-then-append sequence is two separate store operations,
// not one transaction: two concurrent appends may read the same predecessor
// and both chain to it. That race is accepted; the goal is tamper
// detection, not write serialization across processes, and an in-process
// mutex is deliberately not used because it could not coordinate multiple
// writer processes anyway.
type Writer struct {
	store  RecordStore
	mirror mirror.Shipper // optional fire-and-forget analytics side channel
}

// NewWriter creates a ledger writer. shipper may be nil.
func NewWriter(store RecordStore, shipper mirror.Shipper) *Writer {
	return &Writer{store: store, mirror: shipper}
}

// Append validates, stamps, chains, hashes, and persists one audit record.
//
// Storage failures propagate to the caller: the call site decides whether an
// audit-write failure aborts its business operation (it should not) and is
// responsible for logging it (it must).
func (w *Writer) Append(ctx context.Context, input models.AuditRecordInput) (*AppendResult, error) {
	if input.ActionType == "" {
		return nil, &ValidationError{Field: "actionType", Reason: "must not be empty"}
	}
	if input.EntityType == "" {
		return nil, &ValidationError{Field: "entityType", Reason: "must not be empty"}
	}

	prev, err := w.store.Latest(ctx)
	if err != nil {
		return nil, &StorageError{Op: "read chain head", Err: err}
	}

	var prevHash *string
	if prev != nil {
		h := prev.Hash
		prevHash = &h
	}

	now := time.Now().UTC()
	rec := &models.AuditRecord{
		ID:               uuid.New().String(),
		AuditRecordInput: input,
		Timestamp:        now,
		TsISO:            highPrecisionISO(now),
		PrevHash:         prevHash,
		ChainIntegrity:   models.ChainOK,
	}
	if prevHash == nil {
		rec.ChainIntegrity = models.ChainStart
	}

	rec.Hash = checksum.SumString(Canonicalize(canonicalRecord(rec)))

	if err := w.store.Insert(ctx, rec); err != nil {
		return nil, &StorageError{Op: "append record", Err: err}
	}
	telemetry.LedgerAppendsTotal.WithLabelValues(input.EntityType).Inc()

	if w.mirror != nil {
		w.shipAsync(rec)
	}

	return &AppendResult{ID: rec.ID, Hash: rec.Hash}, nil
}

// canonicalRecord builds the hash input: every stored field except hash and
// signature, under the same key names the record serializes with. Signature is
// present as an explicit null so the canonical form of an unsigned record is
// stable from write time onward.
func canonicalRecord(rec *models.AuditRecord) map[string]interface{} {
	return map[string]interface{}{
		"actionType":     rec.ActionType,
		"entityType":     rec.EntityType,
		"entityId":       ptrValue(rec.EntityID),
		"actorId":        ptrValue(rec.ActorID),
		"actorEmail":     ptrValue(rec.ActorEmail),
		"oldValues":      mapValue(rec.OldValues),
		"newValues":      mapValue(rec.NewValues),
		"ipAddress":      ptrValue(rec.IPAddress),
		"userAgent":      ptrValue(rec.UserAgent),
		"sessionId":      ptrValue(rec.SessionID),
		"metadata":       mapValue(rec.Metadata),
		"timestamp":      rec.Timestamp.Format(time.RFC3339Nano),
		"tsIso":          rec.TsISO,
		"prevHash":       ptrValue(rec.PrevHash),
		"chainIntegrity": rec.ChainIntegrity,
		"signature":      nil,
	}
}

// highPrecisionISO renders t as a millisecond ISO string with an extra
// six-digit sub-millisecond suffix taken from the nanosecond clock. Two writes
// in the same coarse millisecond still produce distinct, lexicographically
// ordered strings, which is what breaks timestamp ties in chain-head reads.
func highPrecisionISO(t time.Time) string {
	micro := t.UnixNano() % 1_000_000
	return t.Format("2006-01-02T15:04:05.000") + fmt.Sprintf(".%06dZ", micro)
}

// shipAsync mirrors the record to the analytics side channel. Failures are
// logged by the shipper and never propagate; a mirror outage must not block
// or fail the ledger write.
func (w *Writer) shipAsync(rec *models.AuditRecord) {
	event := &mirror.LedgerEvent{
		RecordID:   rec.ID,
		ActionType: rec.ActionType,
		EntityType: rec.EntityType,
		EntityID:   ptrString(rec.EntityID),
		ActorID:    ptrString(rec.ActorID),
		ActorEmail: ptrString(rec.ActorEmail),
		Timestamp:  rec.Timestamp,
		Hash:       rec.Hash,
		PrevHash:   ptrString(rec.PrevHash),
		Metadata:   rec.Metadata,
	}
	shipper := w.mirror
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shipper.Ship(ctx, event); err != nil {
			telemetry.MirrorShipFailuresTotal.Inc()
		}
	})
}

func ptrValue(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func ptrString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func mapValue(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return m
}
