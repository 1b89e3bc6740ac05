// history.go implements snapshot recording and version-history queries.
// Recording uploads the entity document to blob storage first and appends the
// history entry second; a storage failure therefore never leaves a ledger row
// pointing at a missing artifact.
package traceability

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/snapshot"
)

type recordSnapshotRequest struct {
	ScopeID  string                 `json:"scopeId"`
	Document map[string]interface{} `json:"document"`
}

// RecordSnapshotHandler handles persisting an entity snapshot and appending it
// to the entity's version history.
// Implements: POST /api/v1/traceability/:entityId/history
func RecordSnapshotHandler(store *snapshot.Store, history *snapshot.HistoryLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityID := c.Param("entityId")

		var req recordSnapshotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if req.ScopeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "scopeId is required",
			})
			return
		}
		if len(req.Document) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "document is required",
			})
			return
		}

		scope, err := history.GetScope(c.Request.Context(), req.ScopeID)
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

		snap, err := store.UploadJSON(c.Request.Context(), req.ScopeID, entityID, req.Document)
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

		entry, skipped, err := history.Record(c.Request.Context(), req.ScopeID, entityID, snap)
		if err != nil {
			if errors.Is(err, ledger.ErrHistoryCollision) {
				c.JSON(http.StatusConflict, gin.H{
					"error": "History entry already exists for this scope and entity",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to record history entry",
			})
			return
		}

		status := http.StatusCreated
		if skipped {
			// The snapshot was stored but an entry for this (scope, entity)
			// pair already existed; the existing history row stands.
			status = http.StatusOK
		}
		c.JSON(status, gin.H{
			"entry":   entry,
			"skipped": skipped,
		})
	}
}

// ListHistoryHandler handles listing an entity's version history.
// Implements: GET /api/v1/traceability/:entityId/history
func ListHistoryHandler(history *snapshot.HistoryLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityID := c.Param("entityId")
		descending := c.DefaultQuery("order", "asc") == "desc"

		limit := snapshot.DefaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}

		entries, err := history.List(c.Request.Context(), entityID, descending, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list entity history",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"entityId": entityID,
			"entries":  entries,
		})
	}
}

// FetchDocumentHandler handles returning the stored snapshot document for one
// history entry, verified against its recorded checksum before it leaves the
// server.
// Implements: GET /api/v1/traceability/:entityId/history/:scopeId/document
func FetchDocumentHandler(store *snapshot.Store, history *snapshot.HistoryLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityID := c.Param("entityId")
		scopeID := c.Param("scopeId")

		entries, err := history.List(c.Request.Context(), entityID, false, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list entity history",
			})
			return
		}

		var checksum, path string
		for _, entry := range entries {
			if entry.ScopeID == scopeID {
				checksum = entry.Checksum
				path = entry.StoragePath
				break
			}
		}
		if path == "" {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "History entry not found",
			})
			return
		}

		data, err := store.Fetch(c.Request.Context(), path, checksum)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to fetch snapshot document",
			})
			return
		}

		c.Header("X-Checksum-SHA256", checksum)
		c.Data(http.StatusOK, "application/json", data)
	}
}

// LatestHandler handles fetching the most recent snapshot pointer for an
// entity, with the retrieval URL refreshed so it has not expired.
// Implements: GET /api/v1/traceability/:entityId/latest
func LatestHandler(store *snapshot.Store, history *snapshot.HistoryLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityID := c.Param("entityId")

		latest, err := history.Latest(c.Request.Context(), entityID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to read latest snapshot",
			})
			return
		}
		if latest == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "No snapshot history for entity",
			})
			return
		}

		// Stored URLs expire; mint a fresh one. Falling back to the stored
		// URL keeps the read path available when the backend cannot sign.
		if url, err := store.RetrievalURL(c.Request.Context(), latest.StoragePath); err == nil {
			latest.RetrievalURL = url
		}

		c.JSON(http.StatusOK, latest)
	}
}
