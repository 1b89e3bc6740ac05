// snapshots.go implements standalone snapshot uploads: persisting an entity
// document to blob storage without appending a history entry. Callers that
// want history use the history route; this one exists for archival and export
// flows that manage their own bookkeeping.
package traceability

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/snapshot"
)

type uploadSnapshotRequest struct {
	ScopeID       string                 `json:"scopeId"`
	EntityID      string                 `json:"entityId"`
	Payload       map[string]interface{} `json:"payload"`
	ExpirySeconds int64                  `json:"expirySeconds"`
}

// UploadSnapshotHandler handles persisting a snapshot document and returning
// its descriptor with a retrieval URL. ExpirySeconds lets archival callers
// request a longer-lived URL; it is clamped to the archival ceiling.
// Implements: POST /api/v1/snapshots
func UploadSnapshotHandler(store *snapshot.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req uploadSnapshotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if len(req.Payload) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "payload is required",
			})
			return
		}

		snap, err := store.UploadJSON(c.Request.Context(), req.ScopeID, req.EntityID, req.Payload)
		if err != nil {
			var verr *ledger.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": verr.Error(),
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to persist snapshot",
			})
			return
		}

		if req.ExpirySeconds > 0 {
			ttl := time.Duration(req.ExpirySeconds) * time.Second
			if url, err := store.RetrievalURLWithTTL(c.Request.Context(), snap.StoragePath, ttl); err == nil {
				snap.RetrievalURL = url
			}
		}

		c.JSON(http.StatusCreated, snap)
	}
}
