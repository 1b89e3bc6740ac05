package traceability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/veritrail/internal/auth"
	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/db/repositories"
	"github.com/veritrail/veritrail/internal/middleware"
	"github.com/veritrail/veritrail/internal/snapshot"
	"github.com/veritrail/veritrail/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var errBackend = errors.New("backend down")

// ---- in-memory storage backend ---------------------------------------------

type fakeBackend struct {
	objects map[string][]byte
	failOn  string // "upload", "download", "url"
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte)}
}

func (f *fakeBackend) Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) (*storage.UploadResult, error) {
	if f.failOn == "upload" {
		return nil, errBackend
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	f.objects[path] = data
	return &storage.UploadResult{Path: path, Size: int64(len(data))}, nil
}

func (f *fakeBackend) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	if f.failOn == "download" {
		return nil, errBackend
	}
	data, ok := f.objects[path]
	if !ok {
		return nil, errBackend
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBackend) Delete(ctx context.Context, path string) error {
	delete(f.objects, path)
	return nil
}

func (f *fakeBackend) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if f.failOn == "url" {
		return "", errBackend
	}
	return fmt.Sprintf("https://blobs.example.com/%s?ttl=%d", path, int(ttl.Seconds())), nil
}

func (f *fakeBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := f.objects[path]
	return ok, nil
}

func (f *fakeBackend) GetMetadata(ctx context.Context, path string) (*storage.FileMetadata, error) {
	data, ok := f.objects[path]
	if !ok {
		return nil, errBackend
	}
	return &storage.FileMetadata{Path: path, Size: int64(len(data))}, nil
}

// ---- in-memory HistoryStore -------------------------------------------------

type fakeHistoryStore struct {
	scopes  map[string]*models.Scope
	entries map[string]*models.HistoryEntry
	latest  map[string]*models.LatestSnapshot
	failOn  string // "createScope", "getScope", "createEntry", "list", "upsertLatest", "getLatest"
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{
		scopes:  make(map[string]*models.Scope),
		entries: make(map[string]*models.HistoryEntry),
		latest:  make(map[string]*models.LatestSnapshot),
	}
}

func (f *fakeHistoryStore) CreateScope(ctx context.Context, scope *models.Scope) error {
	if f.failOn == "createScope" {
		return errBackend
	}
	f.scopes[scope.ID] = scope
	return nil
}

func (f *fakeHistoryStore) GetScope(ctx context.Context, id string) (*models.Scope, error) {
	if f.failOn == "getScope" {
		return nil, errBackend
	}
	return f.scopes[id], nil
}

func (f *fakeHistoryStore) MarkScopeHistorySkipped(ctx context.Context, scopeID string) error {
	if scope, ok := f.scopes[scopeID]; ok {
		scope.HistoryWritesSkipped = true
	}
	return nil
}

func (f *fakeHistoryStore) CreateEntry(ctx context.Context, entry *models.HistoryEntry) error {
	if f.failOn == "createEntry" {
		return errBackend
	}
	if _, exists := f.entries[entry.ID]; exists {
		return repositories.ErrDuplicateEntry
	}
	f.entries[entry.ID] = entry
	return nil
}

func (f *fakeHistoryStore) ListByEntity(ctx context.Context, entityID string, descending bool, limit int) ([]*models.HistoryEntry, error) {
	if f.failOn == "list" {
		return nil, errBackend
	}
	var out []*models.HistoryEntry
	for _, e := range f.entries {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].SnapshotAt.After(out[j].SnapshotAt)
		}
		return out[i].SnapshotAt.Before(out[j].SnapshotAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeHistoryStore) UpsertLatest(ctx context.Context, latest *models.LatestSnapshot) error {
	if f.failOn == "upsertLatest" {
		return errBackend
	}
	f.latest[latest.EntityID] = latest
	return nil
}

func (f *fakeHistoryStore) GetLatest(ctx context.Context, entityID string) (*models.LatestSnapshot, error) {
	if f.failOn == "getLatest" {
		return nil, errBackend
	}
	return f.latest[entityID], nil
}

// ---- helpers ----------------------------------------------------------------

type fixture struct {
	backend *fakeBackend
	hs      *fakeHistoryStore
	store   *snapshot.Store
	ledger  *snapshot.HistoryLedger
}

func newFixture(strict bool) *fixture {
	backend := newFakeBackend()
	hs := newFakeHistoryStore()
	return &fixture{
		backend: backend,
		hs:      hs,
		store:   snapshot.NewStore(backend, "fake", 15*time.Minute, 7*24*time.Hour),
		ledger:  snapshot.NewHistoryLedger(hs, strict),
	}
}

func (fx *fixture) seedScope(id string) {
	fx.hs.scopes[id] = &models.Scope{ID: id, CreatedAt: time.Now().UTC()}
}

func withIdentity(identity *auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity != nil {
			c.Set(middleware.IdentityKey, identity)
		}
		c.Next()
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

func getPath(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// ---- RecordSnapshotHandler --------------------------------------------------

func TestRecordSnapshot_Success(t *testing.T) {
	fx := newFixture(false)
	fx.seedScope("scope-1")

	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))

	w := postJSON(t, r, "/TC-1/history", map[string]interface{}{
		"scopeId":  "scope-1",
		"document": map[string]interface{}{"title": "Login validation"},
	})

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Entry   models.HistoryEntry `json:"entry"`
		Skipped bool                `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Skipped)
	assert.Equal(t, models.HistoryEntryID("scope-1", "TC-1"), resp.Entry.ID)
	assert.Equal(t, "scopes/scope-1/entities/TC-1.json", resp.Entry.StoragePath)
	assert.NotEmpty(t, resp.Entry.Checksum)

	stored, ok := fx.backend.objects["scopes/scope-1/entities/TC-1.json"]
	require.True(t, ok, "snapshot document should be persisted to blob storage")
	assert.True(t, strings.Contains(string(stored), "Login validation"))
}

func TestRecordSnapshot_MissingScopeID(t *testing.T) {
	fx := newFixture(false)
	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))

	w := postJSON(t, r, "/TC-1/history", map[string]interface{}{
		"document": map[string]interface{}{"title": "x"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "scopeId")
}

func TestRecordSnapshot_MissingDocument(t *testing.T) {
	fx := newFixture(false)
	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))

	w := postJSON(t, r, "/TC-1/history", map[string]interface{}{
		"scopeId": "scope-1",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "document")
}

func TestRecordSnapshot_UnknownScope(t *testing.T) {
	fx := newFixture(false)
	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))

	w := postJSON(t, r, "/TC-1/history", map[string]interface{}{
		"scopeId":  "nope",
		"document": map[string]interface{}{"title": "x"},
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordSnapshot_StorageFailure(t *testing.T) {
	fx := newFixture(false)
	fx.seedScope("scope-1")
	fx.backend.failOn = "upload"

	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))

	w := postJSON(t, r, "/TC-1/history", map[string]interface{}{
		"scopeId":  "scope-1",
		"document": map[string]interface{}{"title": "x"},
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, fx.hs.entries, "no ledger row may point at a missing artifact")
}

func TestRecordSnapshot_StrictCollision(t *testing.T) {
	fx := newFixture(true)
	fx.seedScope("scope-1")

	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))

	doc := map[string]interface{}{
		"scopeId":  "scope-1",
		"document": map[string]interface{}{"title": "x"},
	}
	require.Equal(t, http.StatusCreated, postJSON(t, r, "/TC-1/history", doc).Code)

	w := postJSON(t, r, "/TC-1/history", doc)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRecordSnapshot_RelaxedCollisionSkips(t *testing.T) {
	fx := newFixture(false)
	fx.seedScope("scope-1")

	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))

	doc := map[string]interface{}{
		"scopeId":  "scope-1",
		"document": map[string]interface{}{"title": "x"},
	}
	require.Equal(t, http.StatusCreated, postJSON(t, r, "/TC-1/history", doc).Code)

	w := postJSON(t, r, "/TC-1/history", doc)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["skipped"])
	assert.True(t, fx.hs.scopes["scope-1"].HistoryWritesSkipped)
}

// ---- ListHistoryHandler -----------------------------------------------------

func seedHistory(fx *fixture, entityID string, n int) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		scopeID := fmt.Sprintf("scope-%d", i)
		entry := &models.HistoryEntry{
			ID:              models.HistoryEntryID(scopeID, entityID),
			EntityID:        entityID,
			ScopeID:         scopeID,
			StoragePath:     fmt.Sprintf("scopes/%s/entities/%s.json", scopeID, entityID),
			Checksum:        fmt.Sprintf("checksum-%d", i),
			SnapshotAt:      base.Add(time.Duration(i) * time.Minute),
			RecordedByScope: scopeID,
		}
		fx.hs.entries[entry.ID] = entry
	}
}

func TestListHistory_Ascending(t *testing.T) {
	fx := newFixture(false)
	seedHistory(fx, "TC-1", 3)

	r := gin.New()
	r.GET("/:entityId/history", ListHistoryHandler(fx.ledger))

	w := getPath(r, "/TC-1/history")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		EntityID string                `json:"entityId"`
		Entries  []models.HistoryEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "TC-1", resp.EntityID)
	require.Len(t, resp.Entries, 3)
	assert.Equal(t, "scope-0", resp.Entries[0].ScopeID)
	assert.Equal(t, "scope-2", resp.Entries[2].ScopeID)
}

func TestListHistory_Descending(t *testing.T) {
	fx := newFixture(false)
	seedHistory(fx, "TC-1", 3)

	r := gin.New()
	r.GET("/:entityId/history", ListHistoryHandler(fx.ledger))

	w := getPath(r, "/TC-1/history?order=desc")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []models.HistoryEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 3)
	assert.Equal(t, "scope-2", resp.Entries[0].ScopeID)
}

func TestListHistory_Limit(t *testing.T) {
	fx := newFixture(false)
	seedHistory(fx, "TC-1", 5)

	r := gin.New()
	r.GET("/:entityId/history", ListHistoryHandler(fx.ledger))

	w := getPath(r, "/TC-1/history?limit=2")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []models.HistoryEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 2)
}

func TestListHistory_StoreFailure(t *testing.T) {
	fx := newFixture(false)
	fx.hs.failOn = "list"

	r := gin.New()
	r.GET("/:entityId/history", ListHistoryHandler(fx.ledger))

	w := getPath(r, "/TC-1/history")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// ---- FetchDocumentHandler ---------------------------------------------------

func TestFetchDocument_Success(t *testing.T) {
	fx := newFixture(false)
	fx.seedScope("scope-1")

	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))
	r.GET("/:entityId/history/:scopeId/document", FetchDocumentHandler(fx.store, fx.ledger))

	w := postJSON(t, r, "/TC-1/history", map[string]interface{}{
		"scopeId":  "scope-1",
		"document": map[string]interface{}{"title": "Login validation"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = getPath(r, "/TC-1/history/scope-1/document")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Checksum-SHA256"))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "Login validation", doc["title"])
}

func TestFetchDocument_UnknownEntry(t *testing.T) {
	fx := newFixture(false)

	r := gin.New()
	r.GET("/:entityId/history/:scopeId/document", FetchDocumentHandler(fx.store, fx.ledger))

	w := getPath(r, "/TC-1/history/scope-1/document")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFetchDocument_TamperedArtifact(t *testing.T) {
	fx := newFixture(false)
	fx.seedScope("scope-1")

	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))
	r.GET("/:entityId/history/:scopeId/document", FetchDocumentHandler(fx.store, fx.ledger))

	w := postJSON(t, r, "/TC-1/history", map[string]interface{}{
		"scopeId":  "scope-1",
		"document": map[string]interface{}{"title": "original"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	fx.backend.objects["scopes/scope-1/entities/TC-1.json"] = []byte(`{"title":"altered"}`)

	w = getPath(r, "/TC-1/history/scope-1/document")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// ---- LatestHandler ----------------------------------------------------------

func TestLatest_Success(t *testing.T) {
	fx := newFixture(false)
	fx.seedScope("scope-1")

	r := gin.New()
	r.POST("/:entityId/history", RecordSnapshotHandler(fx.store, fx.ledger))
	r.GET("/:entityId/latest", LatestHandler(fx.store, fx.ledger))

	w := postJSON(t, r, "/TC-1/history", map[string]interface{}{
		"scopeId":  "scope-1",
		"document": map[string]interface{}{"title": "x"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = getPath(r, "/TC-1/latest")
	assert.Equal(t, http.StatusOK, w.Code)

	var latest models.LatestSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &latest))
	assert.Equal(t, "TC-1", latest.EntityID)
	assert.Equal(t, "scope-1", latest.ScopeID)
	assert.Contains(t, latest.RetrievalURL, "scopes/scope-1/entities/TC-1.json")
}

func TestLatest_NoHistory(t *testing.T) {
	fx := newFixture(false)

	r := gin.New()
	r.GET("/:entityId/latest", LatestHandler(fx.store, fx.ledger))

	w := getPath(r, "/TC-1/latest")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLatest_FallsBackToStoredURLWhenSigningFails(t *testing.T) {
	fx := newFixture(false)
	fx.hs.latest["TC-1"] = &models.LatestSnapshot{
		EntityID:     "TC-1",
		ScopeID:      "scope-1",
		StoragePath:  "scopes/scope-1/entities/TC-1.json",
		RetrievalURL: "https://blobs.example.com/stored-url",
		Checksum:     "abc",
		SnapshotAt:   time.Now().UTC(),
	}
	fx.backend.failOn = "url"

	r := gin.New()
	r.GET("/:entityId/latest", LatestHandler(fx.store, fx.ledger))

	w := getPath(r, "/TC-1/latest")
	assert.Equal(t, http.StatusOK, w.Code)

	var latest models.LatestSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &latest))
	assert.Equal(t, "https://blobs.example.com/stored-url", latest.RetrievalURL)
}
