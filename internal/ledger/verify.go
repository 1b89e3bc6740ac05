// verify.go implements chain verification over the most recent window of
// ledger records.
//
// Break attribution: when a link (newer, older) mismatches, meaning the newer
// record's prevHash differs from the older record's stored hash, BreakAt
// reports the OLDER record's id. The older record is the one whose stored
// content no longer matches what its successor committed to, which is where an
// operator starts triage.
package ledger

import (
	"context"

	"github.com/veritrail/veritrail/internal/telemetry"
)

// Verifier walks the hash chain and reports the first break.
type Verifier struct {
	store RecordStore
}

// NewVerifier creates a chain verifier.
func NewVerifier(store RecordStore) *Verifier {
	return &Verifier{store: store}
}

// DefaultVerifyLimit bounds a verification pass when the caller does not
// specify a window.
const DefaultVerifyLimit = 100

// VerifyChain fetches the most recent limit records (newest first) and checks
// each adjacent pair. It verifies only the examined window; verifying the full
// ledger requires limit >= the total record count.
func (v *Verifier) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	if limit <= 0 {
		limit = DefaultVerifyLimit
	}

	records, err := v.store.Recent(ctx, limit)
	if err != nil {
		return nil, &StorageError{Op: "read chain window", Err: err}
	}

	// Walk newest to oldest. expected carries the prevHash committed by the
	// previous (newer) record; each older record's stored hash must match it.
	var expected *string
	for _, rec := range records {
		if expected != nil && rec.Hash != *expected {
			telemetry.ChainVerifyFailuresTotal.Inc()
			return &VerifyResult{OK: false, BreakAt: rec.ID, Count: len(records)}, nil
		}
		expected = rec.PrevHash
	}

	return &VerifyResult{OK: true, Count: len(records)}, nil
}
