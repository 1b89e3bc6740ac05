// servicekey_repository.go implements ServiceKeyRepository, providing database
// queries for service key lookup by prefix, creation, revocation, and last-used
// timestamp updates. Service keys authenticate machine clients; only the bcrypt
// hash is stored, with a plaintext prefix kept for fast indexed candidate lookup.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/veritrail/veritrail/internal/db/models"
)

// ServiceKeyRepository handles service key database operations
type ServiceKeyRepository struct {
	db *sqlx.DB
}

// NewServiceKeyRepository creates a new ServiceKeyRepository
func NewServiceKeyRepository(db *sqlx.DB) *ServiceKeyRepository {
	return &ServiceKeyRepository{db: db}
}

// CreateServiceKey persists a new service key. The caller supplies the bcrypt
// hash and display prefix; the raw key is never stored.
func (r *ServiceKeyRepository) CreateServiceKey(ctx context.Context, key *models.ServiceKey) error {
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO service_keys (id, name, key_hash, key_prefix, admin, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.Name,
		key.KeyHash,
		key.KeyPrefix,
		key.Admin,
		key.ExpiresAt,
		key.CreatedAt,
	)
	return err
}

// GetServiceKeysByPrefix retrieves active service keys matching a display
// prefix. Revoked keys are excluded so authentication never considers them.
func (r *ServiceKeyRepository) GetServiceKeysByPrefix(ctx context.Context, keyPrefix string) ([]*models.ServiceKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, admin, expires_at, last_used_at, revoked_at, created_at
		FROM service_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`

	keys := make([]*models.ServiceKey, 0)
	if err := r.db.SelectContext(ctx, &keys, query, keyPrefix); err != nil {
		return nil, err
	}
	return keys, nil
}

// ListServiceKeys returns all service keys, newest first.
func (r *ServiceKeyRepository) ListServiceKeys(ctx context.Context) ([]*models.ServiceKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, admin, expires_at, last_used_at, revoked_at, created_at
		FROM service_keys
		ORDER BY created_at DESC
	`

	keys := make([]*models.ServiceKey, 0)
	if err := r.db.SelectContext(ctx, &keys, query); err != nil {
		return nil, err
	}
	return keys, nil
}

// UpdateLastUsed records when a service key last authenticated a request.
func (r *ServiceKeyRepository) UpdateLastUsed(ctx context.Context, keyID string) error {
	query := `UPDATE service_keys SET last_used_at = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, time.Now().UTC(), keyID)
	return err
}

// RevokeServiceKey marks a key as revoked. The row is kept for the audit trail
// rather than deleted.
func (r *ServiceKeyRepository) RevokeServiceKey(ctx context.Context, keyID string) error {
	query := `UPDATE service_keys SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, time.Now().UTC(), keyID)
	return err
}
