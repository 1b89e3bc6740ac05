package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/veritrail/veritrail/internal/db/models"
)

var historyCols = []string{
	"id", "entity_id", "scope_id", "storage_path", "retrieval_url",
	"checksum", "snapshot_at", "recorded_by_scope",
}

func newHistoryRepo(t *testing.T) (*HistoryRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newTestDB(t)
	return NewHistoryRepository(db), mock
}

func sampleEntry() *models.HistoryEntry {
	return &models.HistoryEntry{
		ID:              models.HistoryEntryID("scope-1", "TC-1"),
		EntityID:        "TC-1",
		ScopeID:         "scope-1",
		StoragePath:     "snapshots/scope-1/TC-1.json",
		Checksum:        "abc123",
		SnapshotAt:      time.Now().UTC(),
		RecordedByScope: "scope-1",
	}
}

func TestCreateScope_SetsCreatedAt(t *testing.T) {
	repo, mock := newHistoryRepo(t)
	mock.ExpectExec("INSERT INTO scopes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	scope := &models.Scope{ID: "scope-1", Input: map[string]interface{}{"suite": "regression"}}
	if err := repo.CreateScope(context.Background(), scope); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be populated")
	}
}

func TestGetScope_Found(t *testing.T) {
	repo, mock := newHistoryRepo(t)

	rows := sqlmock.NewRows([]string{"id", "created_at", "created_by", "created_by_email", "input", "history_writes_skipped"}).
		AddRow("scope-1", time.Now(), "user-1", "qa@example.com", []byte(`{"suite":"regression"}`), true)
	mock.ExpectQuery("SELECT (.+) FROM scopes WHERE id =").
		WithArgs("scope-1").
		WillReturnRows(rows)

	scope, err := repo.GetScope(context.Background(), "scope-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope.ID != "scope-1" || !scope.HistoryWritesSkipped {
		t.Errorf("wrong scope: %+v", scope)
	}
	if scope.Input["suite"] != "regression" {
		t.Errorf("Input = %v", scope.Input)
	}
}

func TestGetScope_NotFound(t *testing.T) {
	repo, mock := newHistoryRepo(t)
	mock.ExpectQuery("SELECT (.+) FROM scopes WHERE id =").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "created_by", "created_by_email", "input", "history_writes_skipped"}))

	scope, err := repo.GetScope(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope != nil {
		t.Errorf("expected nil, got %+v", scope)
	}
}

func TestMarkScopeHistorySkipped(t *testing.T) {
	repo, mock := newHistoryRepo(t)
	mock.ExpectExec("UPDATE scopes SET history_writes_skipped").
		WithArgs("scope-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkScopeHistorySkipped(context.Background(), "scope-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateEntry_Success(t *testing.T) {
	repo, mock := newHistoryRepo(t)
	mock.ExpectExec("INSERT INTO history_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.CreateEntry(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateEntry_UniqueViolation(t *testing.T) {
	repo, mock := newHistoryRepo(t)
	mock.ExpectExec("INSERT INTO history_entries").
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	err := repo.CreateEntry(context.Background(), sampleEntry())
	if err != ErrDuplicateEntry {
		t.Errorf("expected ErrDuplicateEntry, got %v", err)
	}
}

func TestCreateEntry_OtherDBError(t *testing.T) {
	repo, mock := newHistoryRepo(t)
	mock.ExpectExec("INSERT INTO history_entries").WillReturnError(errDB)

	err := repo.CreateEntry(context.Background(), sampleEntry())
	if err == nil || err == ErrDuplicateEntry {
		t.Errorf("expected a plain db error, got %v", err)
	}
}

func TestListByEntity_Ascending(t *testing.T) {
	repo, mock := newHistoryRepo(t)

	rows := sqlmock.NewRows(historyCols).
		AddRow("scope-1-TC-1", "TC-1", "scope-1", "p1", "", "c1", time.Now().Add(-time.Hour), "scope-1").
		AddRow("scope-2-TC-1", "TC-1", "scope-2", "p2", "", "c2", time.Now(), "scope-2")
	mock.ExpectQuery("SELECT (.+) FROM history_entries WHERE entity_id = (.+) ORDER BY snapshot_at ASC").
		WithArgs("TC-1", 100).
		WillReturnRows(rows)

	entries, err := repo.ListByEntity(context.Background(), "TC-1", false, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 || entries[0].ScopeID != "scope-1" {
		t.Errorf("wrong entries: %+v", entries)
	}
}

func TestListByEntity_Descending(t *testing.T) {
	repo, mock := newHistoryRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM history_entries WHERE entity_id = (.+) ORDER BY snapshot_at DESC").
		WithArgs("TC-1", 10).
		WillReturnRows(sqlmock.NewRows(historyCols))

	entries, err := repo.ListByEntity(context.Background(), "TC-1", true, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestUpsertLatest(t *testing.T) {
	repo, mock := newHistoryRepo(t)
	mock.ExpectExec("INSERT INTO latest_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 1))

	latest := &models.LatestSnapshot{
		EntityID:    "TC-1",
		ScopeID:     "scope-2",
		StoragePath: "snapshots/scope-2/TC-1.json",
		Checksum:    "c2",
		SnapshotAt:  time.Now().UTC(),
	}
	if err := repo.UpsertLatest(context.Background(), latest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetLatest_Found(t *testing.T) {
	repo, mock := newHistoryRepo(t)

	rows := sqlmock.NewRows([]string{"entity_id", "scope_id", "storage_path", "retrieval_url", "checksum", "snapshot_at"}).
		AddRow("TC-1", "scope-2", "p2", "https://example.com/p2", "c2", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM latest_snapshots WHERE entity_id =").
		WithArgs("TC-1").
		WillReturnRows(rows)

	latest, err := repo.GetLatest(context.Background(), "TC-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.ScopeID != "scope-2" || latest.Checksum != "c2" {
		t.Errorf("wrong latest: %+v", latest)
	}
}

func TestGetLatest_NotFound(t *testing.T) {
	repo, mock := newHistoryRepo(t)
	mock.ExpectQuery("SELECT (.+) FROM latest_snapshots WHERE entity_id =").
		WithArgs("absent").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id", "scope_id", "storage_path", "retrieval_url", "checksum", "snapshot_at"}))

	latest, err := repo.GetLatest(context.Background(), "absent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != nil {
		t.Errorf("expected nil, got %+v", latest)
	}
}
