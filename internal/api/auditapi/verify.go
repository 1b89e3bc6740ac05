// verify.go implements the chain verification endpoint. A broken chain is a
// successful verification with ok=false, not an HTTP error: the caller asked
// whether the ledger is intact and got an answer.
package auditapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veritrail/veritrail/internal/ledger"
)

// VerifyChainHandler handles verifying the hash chain over the most recent
// window of records.
// Implements: GET /api/v1/audit/verify
func VerifyChainHandler(verifier *ledger.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := intQuery(c, "limit", ledger.DefaultVerifyLimit)

		result, err := verifier.VerifyChain(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to verify audit chain",
			})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}
