// Package auditapi exposes the hash-chained audit ledger over HTTP: appending
// records, querying them through the role-gated gateway, verifying chain
// integrity, and running the electronic signature ceremony.
package auditapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/db/repositories"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/middleware"
)

// MaxListLimit bounds a single ledger query page.
const MaxListLimit = 500

// AppendRecordHandler handles appending one record to the audit ledger.
// Implements: POST /api/v1/audit/records
//
// Actor identity is taken from the authenticated caller unless the request
// names a different actor explicitly, which service integrations do when they
// relay actions performed elsewhere.
func AppendRecordHandler(writer *ledger.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.AuditRecordInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		if identity, ok := middleware.IdentityFrom(c); ok {
			if input.ActorID == nil {
				id := identity.SubjectID
				input.ActorID = &id
			}
			if input.ActorEmail == nil && identity.Email != "" {
				email := identity.Email
				input.ActorEmail = &email
			}
		}
		if input.IPAddress == nil {
			ip := c.ClientIP()
			input.IPAddress = &ip
		}
		if input.UserAgent == nil {
			if ua := c.Request.UserAgent(); ua != "" {
				input.UserAgent = &ua
			}
		}

		result, err := writer.Append(c.Request.Context(), input)
		if err != nil {
			var verr *ledger.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": verr.Error(),
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to append audit record",
			})
			return
		}

		c.JSON(http.StatusCreated, result)
	}
}

// ListRecordsHandler handles filtered queries against the audit ledger.
// Implements: GET /api/v1/audit/records
func ListRecordsHandler(auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		filters := repositories.AuditFilters{
			EntityType: queryPtr(c, "entityType"),
			EntityID:   queryPtr(c, "entityId"),
			ActionType: queryPtr(c, "actionType"),
			ActorID:    queryPtr(c, "actorId"),
		}

		for param, dest := range map[string]**time.Time{
			"startDate": &filters.StartDate,
			"endDate":   &filters.EndDate,
		} {
			raw := c.Query(param)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": param + " must be an RFC3339 timestamp",
				})
				return
			}
			*dest = &t
		}

		limit := intQuery(c, "limit", 100)
		if limit <= 0 || limit > MaxListLimit {
			limit = MaxListLimit
		}
		offset := intQuery(c, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		records, total, err := auditRepo.List(c.Request.Context(), filters, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to query audit ledger",
			})
			return
		}
		for _, rec := range records {
			sanitizeRecord(rec)
		}

		c.JSON(http.StatusOK, gin.H{
			"records": records,
			"total":   total,
			"limit":   limit,
			"offset":  offset,
		})
	}
}

// GetRecordHandler handles fetching one ledger record by ID.
// Implements: GET /api/v1/audit/records/:id
func GetRecordHandler(auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := auditRepo.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to read audit record",
			})
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Audit record not found",
			})
			return
		}

		c.JSON(http.StatusOK, sanitizeRecord(rec))
	}
}

// sanitizeRecord flattens serializer-specific timestamp wrappers in the
// record's JSON payloads to ISO-8601 strings before they leave the gateway.
func sanitizeRecord(rec *models.AuditRecord) *models.AuditRecord {
	rec.OldValues = ledger.SanitizeObject(rec.OldValues)
	rec.NewValues = ledger.SanitizeObject(rec.NewValues)
	rec.Metadata = ledger.SanitizeObject(rec.Metadata)
	return rec
}

func queryPtr(c *gin.Context, name string) *string {
	if v := c.Query(name); v != "" {
		return &v
	}
	return nil
}

func intQuery(c *gin.Context, name string, defaultValue int) int {
	raw := c.Query(name)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}
