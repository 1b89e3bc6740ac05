package auditapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/veritrail/internal/auth"
	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/db/repositories"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var errStore = errors.New("store down")

// ---- in-memory RecordStore --------------------------------------------------

type fakeRecordStore struct {
	mu      sync.Mutex
	records []*models.AuditRecord
	failOn  string // "latest", "insert", "get", "recent", "attach"
}

func (f *fakeRecordStore) Latest(ctx context.Context) (*models.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "latest" {
		return nil, errStore
	}
	if len(f.records) == 0 {
		return nil, nil
	}
	return f.records[len(f.records)-1], nil
}

func (f *fakeRecordStore) Insert(ctx context.Context, rec *models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "insert" {
		return errStore
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecordStore) Get(ctx context.Context, id string) (*models.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "get" {
		return nil, errStore
	}
	for _, rec := range f.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (f *fakeRecordStore) Recent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "recent" {
		return nil, errStore
	}
	out := make([]*models.AuditRecord, 0, limit)
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.records[i])
	}
	return out, nil
}

func (f *fakeRecordStore) AttachSignature(ctx context.Context, id string, sig *models.AuditSignature) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "attach" {
		return false, errStore
	}
	for _, rec := range f.records {
		if rec.ID == id {
			if rec.Signature != nil {
				return false, nil
			}
			rec.Signature = sig
			return true, nil
		}
	}
	return false, nil
}

// ---- helpers ----------------------------------------------------------------

func withIdentity(identity *auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity != nil {
			c.Set(middleware.IdentityKey, identity)
		}
		c.Next()
	}
}

func testIdentity() *auth.Identity {
	return &auth.Identity{
		SubjectID: "user-1",
		Email:     "auditor@example.com",
		AuthTime:  time.Now().Unix(),
	}
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

// Column order must match the SELECT in AuditRepository.
var auditCols = []string{
	"id", "action_type", "entity_type", "entity_id", "actor_id", "actor_email",
	"ip_address", "user_agent", "session_id", "old_values", "new_values",
	"metadata", "ts", "ts_iso", "hash", "prev_hash", "chain_integrity", "signature",
}

func sampleRecordRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(auditCols).AddRow(
		id, "testcase.updated", "testCase", "TC-1", "user-1", "auditor@example.com",
		nil, nil, nil, nil, nil,
		nil, time.Now(), "2025-06-01T12:00:00.000000Z", "hash-"+id, nil, "start", nil,
	)
}

func newAuditRepoRouter(t *testing.T) (sqlmock.Sqlmock, *repositories.AuditRepository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, repositories.NewAuditRepository(sqlx.NewDb(db, "sqlmock"))
}

// ---- AppendRecordHandler ----------------------------------------------------

func TestAppendRecord_Success(t *testing.T) {
	store := &fakeRecordStore{}
	writer := ledger.NewWriter(store, nil)

	r := gin.New()
	r.POST("/records", withIdentity(testIdentity()), AppendRecordHandler(writer))

	w := postJSON(t, r, "/records", models.AuditRecordInput{
		ActionType: "testcase.updated",
		EntityType: "testCase",
	})

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp ledger.AppendResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.NotEmpty(t, resp.Hash)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	require.NotNil(t, rec.ActorID)
	assert.Equal(t, "user-1", *rec.ActorID)
	require.NotNil(t, rec.ActorEmail)
	assert.Equal(t, "auditor@example.com", *rec.ActorEmail)
	require.NotNil(t, rec.IPAddress)
}

func TestAppendRecord_ExplicitActorNotOverridden(t *testing.T) {
	store := &fakeRecordStore{}
	writer := ledger.NewWriter(store, nil)

	r := gin.New()
	r.POST("/records", withIdentity(testIdentity()), AppendRecordHandler(writer))

	relayed := "svc:integration"
	w := postJSON(t, r, "/records", models.AuditRecordInput{
		ActionType: "testcase.updated",
		EntityType: "testCase",
		ActorID:    &relayed,
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, store.records, 1)
	assert.Equal(t, "svc:integration", *store.records[0].ActorID)
}

func TestAppendRecord_InvalidBody(t *testing.T) {
	r := gin.New()
	r.POST("/records", AppendRecordHandler(ledger.NewWriter(&fakeRecordStore{}, nil)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/records", bytes.NewBufferString("{not json"))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAppendRecord_ValidationError(t *testing.T) {
	r := gin.New()
	r.POST("/records", AppendRecordHandler(ledger.NewWriter(&fakeRecordStore{}, nil)))

	w := postJSON(t, r, "/records", models.AuditRecordInput{EntityType: "testCase"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "actionType")
}

func TestAppendRecord_StoreFailure(t *testing.T) {
	store := &fakeRecordStore{failOn: "insert"}
	r := gin.New()
	r.POST("/records", AppendRecordHandler(ledger.NewWriter(store, nil)))

	w := postJSON(t, r, "/records", models.AuditRecordInput{
		ActionType: "testcase.updated",
		EntityType: "testCase",
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAppendRecord_ChainsToPrevious(t *testing.T) {
	store := &fakeRecordStore{}
	writer := ledger.NewWriter(store, nil)

	r := gin.New()
	r.POST("/records", AppendRecordHandler(writer))

	for range 2 {
		w := postJSON(t, r, "/records", models.AuditRecordInput{
			ActionType: "testcase.updated",
			EntityType: "testCase",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	require.Len(t, store.records, 2)
	first, second := store.records[0], store.records[1]
	assert.Nil(t, first.PrevHash)
	require.NotNil(t, second.PrevHash)
	assert.Equal(t, first.Hash, *second.PrevHash)
}

// ---- ListRecordsHandler -----------------------------------------------------

func TestListRecords_Success(t *testing.T) {
	mock, repo := newAuditRepoRouter(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM audit_records").
		WillReturnRows(sampleRecordRow("rec-1"))

	r := gin.New()
	r.GET("/records", ListRecordsHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["total"])
	assert.EqualValues(t, 100, resp["limit"])
}

func TestListRecords_EntityFilter(t *testing.T) {
	mock, repo := newAuditRepoRouter(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("testCase").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM audit_records").
		WithArgs("testCase", 100, 0).
		WillReturnRows(sampleRecordRow("rec-1"))

	r := gin.New()
	r.GET("/records", ListRecordsHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records?entityType=testCase", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecords_BadDate(t *testing.T) {
	_, repo := newAuditRepoRouter(t)

	r := gin.New()
	r.GET("/records", ListRecordsHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records?startDate=yesterday", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "RFC3339")
}

func TestListRecords_LimitClamped(t *testing.T) {
	mock, repo := newAuditRepoRouter(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT (.+) FROM audit_records").
		WithArgs(MaxListLimit, 0).
		WillReturnRows(sqlmock.NewRows(auditCols))

	r := gin.New()
	r.GET("/records", ListRecordsHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records?limit=99999", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, MaxListLimit, resp["limit"])
}

func TestListRecords_DBError(t *testing.T) {
	mock, repo := newAuditRepoRouter(t)

	mock.ExpectQuery("SELECT COUNT").WillReturnError(sql.ErrConnDone)

	r := gin.New()
	r.GET("/records", ListRecordsHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// ---- GetRecordHandler -------------------------------------------------------

func TestGetRecord_Found(t *testing.T) {
	mock, repo := newAuditRepoRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE id =").
		WithArgs("rec-1").
		WillReturnRows(sampleRecordRow("rec-1"))

	r := gin.New()
	r.GET("/records/:id", GetRecordHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records/rec-1", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var rec models.AuditRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "hash-rec-1", rec.Hash)
}

func TestGetRecord_FlattensTimestampWrappers(t *testing.T) {
	mock, repo := newAuditRepoRouter(t)

	metadata := []byte(`{"reviewedAt":{"seconds":1767322800,"nanoseconds":0},"reviewer":"qa-lead"}`)
	oldValues := []byte(`{"approvedAt":{"seconds":1767322800,"_nanoseconds":0}}`)
	row := sqlmock.NewRows(auditCols).AddRow(
		"rec-1", "testcase.updated", "testCase", "TC-1", "user-1", "auditor@example.com",
		nil, nil, nil, oldValues, nil,
		metadata, time.Now(), "2025-06-01T12:00:00.000000Z", "hash-rec-1", nil, "start", nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE id =").
		WithArgs("rec-1").
		WillReturnRows(row)

	r := gin.New()
	r.GET("/records/:id", GetRecordHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records/rec-1", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var rec models.AuditRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "2026-01-02T03:00:00Z", rec.Metadata["reviewedAt"])
	assert.Equal(t, "qa-lead", rec.Metadata["reviewer"])
	assert.Equal(t, "2026-01-02T03:00:00Z", rec.OldValues["approvedAt"])
}

func TestListRecords_FlattensTimestampWrappers(t *testing.T) {
	mock, repo := newAuditRepoRouter(t)

	metadata := []byte(`{"signedAt":{"seconds":1767322800,"nanoseconds":0}}`)
	row := sqlmock.NewRows(auditCols).AddRow(
		"rec-1", "testcase.updated", "testCase", "TC-1", "user-1", "auditor@example.com",
		nil, nil, nil, nil, nil,
		metadata, time.Now(), "2025-06-01T12:00:00.000000Z", "hash-rec-1", nil, "start", nil,
	)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM audit_records").
		WillReturnRows(row)

	r := gin.New()
	r.GET("/records", ListRecordsHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Records []*models.AuditRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "2026-01-02T03:00:00Z", resp.Records[0].Metadata["signedAt"])
}

func TestGetRecord_NotFound(t *testing.T) {
	mock, repo := newAuditRepoRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE id =").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	r := gin.New()
	r.GET("/records/:id", GetRecordHandler(repo))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
