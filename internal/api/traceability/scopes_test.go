package traceability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/veritrail/internal/auth"
	"github.com/veritrail/veritrail/internal/db/models"
)

func TestOpenScope_Success(t *testing.T) {
	fx := newFixture(false)

	identity := &auth.Identity{
		SubjectID: "user-1",
		Email:     "auditor@example.com",
		AuthTime:  time.Now().Unix(),
	}

	r := gin.New()
	r.POST("/scopes", withIdentity(identity), OpenScopeHandler(fx.ledger))

	w := postJSON(t, r, "/scopes", map[string]interface{}{
		"input": map[string]interface{}{"requirement": "REQ-7"},
	})

	assert.Equal(t, http.StatusCreated, w.Code)

	var scope models.Scope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scope))
	assert.NotEmpty(t, scope.ID)
	require.NotNil(t, scope.CreatedBy)
	assert.Equal(t, "user-1", *scope.CreatedBy)
	require.NotNil(t, scope.CreatedByEmail)
	assert.Equal(t, "auditor@example.com", *scope.CreatedByEmail)

	stored, ok := fx.hs.scopes[scope.ID]
	require.True(t, ok)
	assert.Equal(t, "REQ-7", stored.Input["requirement"])
}

func TestOpenScope_AnonymousCaller(t *testing.T) {
	fx := newFixture(false)

	r := gin.New()
	r.POST("/scopes", OpenScopeHandler(fx.ledger))

	w := postJSON(t, r, "/scopes", map[string]interface{}{})

	assert.Equal(t, http.StatusCreated, w.Code)

	var scope models.Scope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scope))
	assert.Nil(t, scope.CreatedBy)
}

func TestOpenScope_InvalidBody(t *testing.T) {
	fx := newFixture(false)

	r := gin.New()
	r.POST("/scopes", OpenScopeHandler(fx.ledger))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/scopes", bytes.NewBufferString("{broken"))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenScope_StoreFailure(t *testing.T) {
	fx := newFixture(false)
	fx.hs.failOn = "createScope"

	r := gin.New()
	r.POST("/scopes", OpenScopeHandler(fx.ledger))

	w := postJSON(t, r, "/scopes", map[string]interface{}{})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetScope_Found(t *testing.T) {
	fx := newFixture(false)
	fx.seedScope("scope-1")

	r := gin.New()
	r.GET("/scopes/:id", GetScopeHandler(fx.ledger))

	w := getPath(r, "/scopes/scope-1")
	assert.Equal(t, http.StatusOK, w.Code)

	var scope models.Scope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scope))
	assert.Equal(t, "scope-1", scope.ID)
}

func TestGetScope_NotFound(t *testing.T) {
	fx := newFixture(false)

	r := gin.New()
	r.GET("/scopes/:id", GetScopeHandler(fx.ledger))

	w := getPath(r, "/scopes/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetScope_StoreFailure(t *testing.T) {
	fx := newFixture(false)
	fx.hs.failOn = "getScope"

	r := gin.New()
	r.GET("/scopes/:id", GetScopeHandler(fx.ledger))

	w := getPath(r, "/scopes/scope-1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
