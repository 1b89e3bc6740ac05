package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/veritrail/veritrail/internal/db/models"
)

var errDB = errors.New("db error")

// memStore is an in-memory RecordStore for exercising the ledger core without
// a database. Records are held in append order; failure injection happens via
// the failOn field.
type memStore struct {
	mu      sync.Mutex
	records []*models.AuditRecord
	failOn  string // "latest", "insert", "get", "recent", "attach"
}

func newMemStore() *memStore {
	return &memStore{}
}

func (m *memStore) Latest(ctx context.Context) (*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "latest" {
		return nil, errDB
	}
	if len(m.records) == 0 {
		return nil, nil
	}
	return m.records[len(m.records)-1], nil
}

func (m *memStore) Insert(ctx context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "insert" {
		return errDB
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "get" {
		return nil, errDB
	}
	for _, rec := range m.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (m *memStore) Recent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "recent" {
		return nil, errDB
	}
	out := make([]*models.AuditRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *memStore) AttachSignature(ctx context.Context, id string, sig *models.AuditSignature) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "attach" {
		return false, errDB
	}
	for _, rec := range m.records {
		if rec.ID == id && rec.Signature == nil {
			rec.Signature = sig
			return true, nil
		}
	}
	return false, nil
}
