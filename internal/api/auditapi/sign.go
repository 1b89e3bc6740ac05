// sign.go implements the electronic signature ceremony endpoint. The signer
// identity always comes from the authenticated session, never from the request
// body, and the ceremony demands a recent authentication event.
package auditapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/middleware"
)

type signRequest struct {
	Reason *string `json:"reason"`
	Method string  `json:"method"`
}

// SignRecordHandler handles attaching an electronic signature to a ledger record.
// Implements: POST /api/v1/audit/records/:id/sign
func SignRecordHandler(signer *ledger.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Not authenticated",
			})
			return
		}

		var req signRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		sig, err := signer.Sign(
			c.Request.Context(),
			c.Param("id"),
			identity.SubjectID,
			identity.Email,
			req.Reason,
			identity.AuthTime,
			req.Method,
		)
		if err != nil {
			switch {
			case errors.Is(err, ledger.ErrStaleAuthentication):
				// The session itself is valid; the signature ceremony demands
				// a fresher authentication event than the session carries.
				c.JSON(http.StatusUnauthorized, gin.H{
					"error": "Re-authentication required before signing",
				})
			case errors.Is(err, ledger.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{
					"error": "Audit record not found",
				})
			case errors.Is(err, ledger.ErrAlreadySigned):
				c.JSON(http.StatusConflict, gin.H{
					"error": "Audit record already signed",
				})
			default:
				var verr *ledger.ValidationError
				if errors.As(err, &verr) {
					c.JSON(http.StatusBadRequest, gin.H{
						"error": verr.Error(),
					})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Failed to sign audit record",
				})
			}
			return
		}

		c.JSON(http.StatusOK, sig)
	}
}
