// sign.go implements the electronic-signature ceremony: a keyed-hash integrity
// stamp attached to an existing ledger record, gated by the freshness of the
// signer's authentication event. A record can be signed at most once; the
// at-most-once guarantee rides on the store's atomic conditional update, not
// on the read-side fast path.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/telemetry"
)

// SignatureAlgorithm identifies the keyed-hash construction used for the
// signatureValue. Version 1 of the signature schema is the only one in use.
const (
	SignatureAlgorithm     = "HMAC-SHA256"
	SignatureSchemaVersion = 1
)

// DefaultMaxAuthAge is the default freshness window for the signer's
// authentication event: re-authentication within the last five minutes, the
// common policy for regulated electronic signatures.
const DefaultMaxAuthAge = 300 * time.Second

// Signer performs the signature ceremony against ledger records.
type Signer struct {
	store      RecordStore
	secret     []byte
	maxAuthAge time.Duration
	ephemeral  bool

	// now is swappable for freshness-window tests.
	now func() time.Time
}

// NewSigner creates a Signer with the given server-held secret. If secret is
// empty an ephemeral key is generated for the process lifetime; signatures
// produced under it cannot be verified after a restart, so this mode is
// flagged loudly and is unsuitable for production.
func NewSigner(store RecordStore, secret string, maxAuthAge time.Duration) *Signer {
	if maxAuthAge <= 0 {
		maxAuthAge = DefaultMaxAuthAge
	}

	s := &Signer{
		store:      store,
		maxAuthAge: maxAuthAge,
		now:        time.Now,
	}

	if secret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			// Extremely unlikely; fall back to a time-derived key rather than
			// refusing to start.
			key = []byte(fmt.Sprintf("ephemeral-%d", time.Now().UnixNano()))
		}
		s.secret = key
		s.ephemeral = true
		slog.Warn("signing secret not configured; generated ephemeral key",
			"consequence", "signatures cannot be verified after process restart, not suitable for production")
	} else {
		s.secret = []byte(secret)
	}

	return s
}

// Ephemeral reports whether the signer is running on a process-lifetime key.
func (s *Signer) Ephemeral() bool { return s.ephemeral }

// IsRecentAuth reports whether an authentication event at authTime (epoch
// seconds) is fresh enough for a signature ceremony.
func (s *Signer) IsRecentAuth(authTime int64) bool {
	if authTime <= 0 {
		return false
	}
	return s.now().Unix()-authTime <= int64(s.maxAuthAge.Seconds())
}

// Sign attaches an integrity stamp to the record with id auditID.
//
// Distinct failures: ErrStaleAuthentication when the freshness window is
// exceeded, ErrRecordNotFound when the record does not exist, ErrAlreadySigned
// when it already carries a signature. The signature is persisted with a
// conditional write so two concurrent ceremonies cannot both succeed.
func (s *Signer) Sign(ctx context.Context, auditID, signerID, signerEmail string, reason *string, authTime int64, method string) (*models.AuditSignature, error) {
	if auditID == "" {
		return nil, &ValidationError{Field: "auditId", Reason: "must not be empty"}
	}
	if signerID == "" {
		return nil, &ValidationError{Field: "signerId", Reason: "must not be empty"}
	}
	switch method {
	case "":
		method = models.SignMethodPasswordReentry
	case models.SignMethodPasswordReentry, models.SignMethodMFA,
		models.SignMethodDelegated, models.SignMethodAdminOverride:
	default:
		return nil, &ValidationError{Field: "method", Reason: fmt.Sprintf("unknown signature method %q", method)}
	}

	if !s.IsRecentAuth(authTime) {
		telemetry.SignaturesTotal.WithLabelValues("stale_auth").Inc()
		return nil, ErrStaleAuthentication
	}

	rec, err := s.store.Get(ctx, auditID)
	if err != nil {
		return nil, &StorageError{Op: "read record for signing", Err: err}
	}
	if rec == nil {
		telemetry.SignaturesTotal.WithLabelValues("not_found").Inc()
		return nil, ErrRecordNotFound
	}
	if rec.Signature != nil {
		telemetry.SignaturesTotal.WithLabelValues("already_signed").Inc()
		return nil, ErrAlreadySigned
	}

	signedAt := s.now().UTC().Format(time.RFC3339)
	reasonText := ""
	if reason != nil {
		reasonText = *reason
	}

	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", rec.Hash, signerID, signedAt, reasonText)

	sig := &models.AuditSignature{
		SignerID:       signerID,
		SignerEmail:    signerEmail,
		SignedAt:       signedAt,
		Reason:         reason,
		AuthTime:       authTime,
		Method:         method,
		RecordHash:     rec.Hash,
		SignatureValue: hex.EncodeToString(mac.Sum(nil)),
		Algorithm:      SignatureAlgorithm,
		Version:        SignatureSchemaVersion,
	}

	updated, err := s.store.AttachSignature(ctx, auditID, sig)
	if err != nil {
		return nil, &StorageError{Op: "attach signature", Err: err}
	}
	if !updated {
		// Lost the race or the record vanished; re-read to report which.
		rec, err := s.store.Get(ctx, auditID)
		if err == nil && rec == nil {
			return nil, ErrRecordNotFound
		}
		telemetry.SignaturesTotal.WithLabelValues("already_signed").Inc()
		return nil, ErrAlreadySigned
	}

	telemetry.SignaturesTotal.WithLabelValues("signed").Inc()
	return sig, nil
}
