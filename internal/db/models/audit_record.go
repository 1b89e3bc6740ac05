// Package models - audit_record.go defines the AuditRecord ledger entry and its
// optional electronic signature. Records are created once and never mutated,
// with a single exception: attaching a signature, which is allowed at most once.
package models

import "time"

// Chain integrity markers. A record with no predecessor carries "start";
// every subsequent record carries "ok".
const (
	ChainStart = "start"
	ChainOK    = "ok"
)

// Signature methods accepted by the ceremony, mirroring common controls for
// regulated electronic signatures.
const (
	SignMethodPasswordReentry = "password-reentry"
	SignMethodMFA             = "mfa"
	SignMethodDelegated       = "delegated"
	SignMethodAdminOverride   = "admin-override"
)

// AuditRecordInput is the caller-supplied portion of a ledger record. The
// writer stamps identity, timestamps, and chain fields on top of it.
type AuditRecordInput struct {
	ActionType string                 `json:"actionType"` // "testcase.updated", "requirement.deleted", ...
	EntityType string                 `json:"entityType"` // "requirement", "testCase", "review", "system"
	EntityID   *string                `json:"entityId,omitempty"`
	ActorID    *string                `json:"actorId,omitempty"` // nil for system actions
	ActorEmail *string                `json:"actorEmail,omitempty"`
	OldValues  map[string]interface{} `json:"oldValues,omitempty"` // shallow before-state
	NewValues  map[string]interface{} `json:"newValues,omitempty"` // shallow after-state
	IPAddress  *string                `json:"ipAddress,omitempty"`
	UserAgent  *string                `json:"userAgent,omitempty"`
	SessionID  *string                `json:"sessionId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"` // diff, approval state, etc.
}

// AuditRecord is a persisted, hash-chained ledger entry.
//
// Hash covers the canonical form of every field except Hash and Signature.
// PrevHash links to the immediately preceding record in write order, making
// retroactive edits to any record detectable by walking the chain.
type AuditRecord struct {
	ID string `json:"id"`

	AuditRecordInput

	Timestamp time.Time `json:"timestamp"` // server-assigned write time
	TsISO     string    `json:"tsIso"`     // high-precision ISO string with sub-millisecond jitter

	Hash           string  `json:"hash"`
	PrevHash       *string `json:"prevHash"` // nil only for the first record ever written
	ChainIntegrity string  `json:"chainIntegrity"`

	Signature *AuditSignature `json:"signature,omitempty"` // populated only after the signing ceremony
}

// AuditSignature is the integrity stamp attached to a signed record. The
// SignatureValue is a keyed hash over the record's content hash plus the
// signing context; it is a symmetric-key integrity stamp, not a legally
// binding digital signature.
type AuditSignature struct {
	SignerID       string  `json:"signerId"`
	SignerEmail    string  `json:"signerEmail"`
	SignedAt       string  `json:"signedAt"` // ISO timestamp of the signature event
	Reason         *string `json:"reason,omitempty"`
	AuthTime       int64   `json:"authTime"` // epoch seconds of the signer's authentication event
	Method         string  `json:"method"`
	RecordHash     string  `json:"recordHash"` // the record's Hash at signing time
	SignatureValue string  `json:"signatureValue"`
	Algorithm      string  `json:"algorithm"`
	Version        int     `json:"version"`
}
