// audit_repository.go implements the Postgres record store behind the hash
// chain: chain-head lookup, atomic inserts, filtered listing, and the
// sign-at-most-once conditional signature update.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/veritrail/veritrail/internal/db/models"
)

// AuditRepository handles audit record database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit records
type AuditFilters struct {
	EntityType *string
	EntityID   *string
	ActionType *string
	ActorID    *string
	StartDate  *time.Time
	EndDate    *time.Time
}

const auditColumns = `id, action_type, entity_type, entity_id, actor_id, actor_email,
	ip_address, user_agent, session_id, old_values, new_values, metadata,
	ts, ts_iso, hash, prev_hash, chain_integrity, signature`

// Latest returns the chain head: the newest record by write order, with ts_iso
// breaking ties between records sharing a ts value. Returns (nil, nil) when
// the ledger is empty.
func (r *AuditRepository) Latest(ctx context.Context) (*models.AuditRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM audit_records
		ORDER BY ts DESC, ts_iso DESC
		LIMIT 1
	`, auditColumns)

	rec, err := scanAuditRecord(r.db.QueryRowxContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Insert persists a fully built record as a single atomic write.
func (r *AuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	oldValuesJSON, err := marshalMap(rec.OldValues)
	if err != nil {
		return fmt.Errorf("failed to marshal old values: %w", err)
	}
	newValuesJSON, err := marshalMap(rec.NewValues)
	if err != nil {
		return fmt.Errorf("failed to marshal new values: %w", err)
	}
	metadataJSON, err := marshalMap(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO audit_records (id, action_type, entity_type, entity_id, actor_id, actor_email,
			ip_address, user_agent, session_id, old_values, new_values, metadata,
			ts, ts_iso, hash, prev_hash, chain_integrity, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NULL)
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.ActionType,
		rec.EntityType,
		rec.EntityID,
		rec.ActorID,
		rec.ActorEmail,
		rec.IPAddress,
		rec.UserAgent,
		rec.SessionID,
		oldValuesJSON,
		newValuesJSON,
		metadataJSON,
		rec.Timestamp,
		rec.TsISO,
		rec.Hash,
		rec.PrevHash,
		rec.ChainIntegrity,
	)
	return err
}

// Get returns the record with the given id, or (nil, nil) when absent.
func (r *AuditRepository) Get(ctx context.Context, id string) (*models.AuditRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_records WHERE id = $1`, auditColumns)

	rec, err := scanAuditRecord(r.db.QueryRowxContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Recent returns up to limit records, newest first.
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM audit_records
		ORDER BY ts DESC, ts_iso DESC
		LIMIT $1
	`, auditColumns)

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*models.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// List retrieves audit records with optional filters and pagination,
// newest first.
func (r *AuditRepository) List(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	countQuery := `SELECT COUNT(*) FROM audit_records WHERE 1=1`
	query := fmt.Sprintf(`SELECT %s FROM audit_records WHERE 1=1`, auditColumns)

	args := make([]interface{}, 0)
	paramIndex := 1

	if filters.EntityType != nil {
		countQuery += fmt.Sprintf(` AND entity_type = $%d`, paramIndex)
		query += fmt.Sprintf(` AND entity_type = $%d`, paramIndex)
		args = append(args, *filters.EntityType)
		paramIndex++
	}

	if filters.EntityID != nil {
		countQuery += fmt.Sprintf(` AND entity_id = $%d`, paramIndex)
		query += fmt.Sprintf(` AND entity_id = $%d`, paramIndex)
		args = append(args, *filters.EntityID)
		paramIndex++
	}

	if filters.ActionType != nil {
		countQuery += fmt.Sprintf(` AND action_type = $%d`, paramIndex)
		query += fmt.Sprintf(` AND action_type = $%d`, paramIndex)
		args = append(args, *filters.ActionType)
		paramIndex++
	}

	if filters.ActorID != nil {
		countQuery += fmt.Sprintf(` AND actor_id = $%d`, paramIndex)
		query += fmt.Sprintf(` AND actor_id = $%d`, paramIndex)
		args = append(args, *filters.ActorID)
		paramIndex++
	}

	if filters.StartDate != nil {
		countQuery += fmt.Sprintf(` AND ts >= $%d`, paramIndex)
		query += fmt.Sprintf(` AND ts >= $%d`, paramIndex)
		args = append(args, *filters.StartDate)
		paramIndex++
	}

	if filters.EndDate != nil {
		countQuery += fmt.Sprintf(` AND ts <= $%d`, paramIndex)
		query += fmt.Sprintf(` AND ts <= $%d`, paramIndex)
		args = append(args, *filters.EndDate)
		paramIndex++
	}

	var total int
	err := r.db.QueryRowxContext(ctx, countQuery, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY ts DESC, ts_iso DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := make([]*models.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// AttachSignature attaches sig to the record iff it exists and carries no
// signature yet. The WHERE clause makes the check-and-set a single atomic
// statement, so concurrent signers race safely: exactly one wins.
func (r *AuditRepository) AttachSignature(ctx context.Context, id string, sig *models.AuditSignature) (bool, error) {
	sigJSON, err := json.Marshal(sig)
	if err != nil {
		return false, fmt.Errorf("failed to marshal signature: %w", err)
	}

	query := `
		UPDATE audit_records
		SET signature = $1
		WHERE id = $2 AND signature IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, sigJSON, id)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// rowScanner is satisfied by both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var oldValuesJSON, newValuesJSON, metadataJSON, signatureJSON []byte

	err := row.Scan(
		&rec.ID,
		&rec.ActionType,
		&rec.EntityType,
		&rec.EntityID,
		&rec.ActorID,
		&rec.ActorEmail,
		&rec.IPAddress,
		&rec.UserAgent,
		&rec.SessionID,
		&oldValuesJSON,
		&newValuesJSON,
		&metadataJSON,
		&rec.Timestamp,
		&rec.TsISO,
		&rec.Hash,
		&rec.PrevHash,
		&rec.ChainIntegrity,
		&signatureJSON,
	)
	if err != nil {
		return nil, err
	}

	if oldValuesJSON != nil {
		if err := json.Unmarshal(oldValuesJSON, &rec.OldValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal old values: %w", err)
		}
	}
	if newValuesJSON != nil {
		if err := json.Unmarshal(newValuesJSON, &rec.NewValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal new values: %w", err)
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if signatureJSON != nil {
		sig := &models.AuditSignature{}
		if err := json.Unmarshal(signatureJSON, sig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signature: %w", err)
		}
		rec.Signature = sig
	}

	return rec, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
