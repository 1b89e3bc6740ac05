// Package traceability exposes the snapshot store and the per-entity history
// ledger over HTTP: opening generation scopes, recording entity snapshots into
// history, and answering version-history and latest-snapshot queries.
package traceability

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veritrail/veritrail/internal/middleware"
	"github.com/veritrail/veritrail/internal/snapshot"
)

type openScopeRequest struct {
	Input map[string]interface{} `json:"input"`
}

// OpenScopeHandler handles opening a new generation scope. Snapshots recorded
// under the scope share one at-most-once collision domain per entity.
// Implements: POST /api/v1/traceability/scopes
func OpenScopeHandler(history *snapshot.HistoryLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req openScopeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		var createdBy, createdByEmail *string
		if identity, ok := middleware.IdentityFrom(c); ok {
			id := identity.SubjectID
			createdBy = &id
			if identity.Email != "" {
				email := identity.Email
				createdByEmail = &email
			}
		}

		scope, err := history.OpenScope(c.Request.Context(), createdBy, createdByEmail, req.Input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to open scope",
			})
			return
		}

		c.JSON(http.StatusCreated, scope)
	}
}

// GetScopeHandler handles fetching a scope by ID.
// Implements: GET /api/v1/traceability/scopes/:id
func GetScopeHandler(history *snapshot.HistoryLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, err := history.GetScope(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to read scope",
			})
			return
		}
		if scope == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Scope not found",
			})
			return
		}

		c.JSON(http.StatusOK, scope)
	}
}
