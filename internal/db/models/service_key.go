package models

import "time"

// ServiceKey represents a machine credential for backend integrations that
// append audit records or push snapshots without an interactive user session.
type ServiceKey struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	KeyHash    string     `db:"key_hash" json:"-"`
	KeyPrefix  string     `db:"key_prefix" json:"keyPrefix"`
	Admin      bool       `db:"admin" json:"admin"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}
