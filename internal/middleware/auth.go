// Package middleware provides Gin HTTP middleware for authentication,
// authorization, rate limiting, security headers, request IDs, and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Security → Metrics → RateLimit → Auth → Admin gate → Handler
//
// Security headers run early so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attempts before any
// crypto or DB work. Auth populates the caller identity; the admin gate reads
// from that context, so an unauthenticated request is rejected with 401 before
// the 403 authorization check can ever fire.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veritrail/veritrail/internal/auth"
	"github.com/veritrail/veritrail/internal/config"
	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/db/repositories"
	"github.com/veritrail/veritrail/internal/safego"
)

// Context keys set by RequireIdentity and read by downstream middleware and handlers.
const (
	IdentityKey        = "identity"
	IdentitySubjectKey = "subject_id"
	IdentityEmailKey   = "identity_email"
	AuthMethodKey      = "auth_method"
)

// RequireIdentity validates authentication (JWT or service key).
//
// JWT validation is attempted first because it is entirely stateless: it needs
// only a cryptographic check against the signing secret with no database
// round-trip. Service key validation always requires a DB query (prefix lookup
// plus bcrypt comparison), so JWT is the lower-latency path for user sessions.
// keyRepo may be nil when service keys are disabled.
func RequireIdentity(verifier *auth.Verifier, cfg *config.Config, keyRepo *repositories.ServiceKeyRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		if identity, err := verifier.Verify(token); err == nil {
			c.Set(IdentityKey, identity)
			c.Set(IdentitySubjectKey, identity.SubjectID)
			c.Set(IdentityEmailKey, identity.Email)
			c.Set(AuthMethodKey, "jwt")
			c.Next()
			return
		}

		if cfg.Auth.ServiceKeys.Enabled && keyRepo != nil {
			key, err := authenticateServiceKey(c.Request.Context(), token, keyRepo)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "Authentication failed",
				})
				return
			}

			if key != nil {
				if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
					c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
						"error": "Service key expired",
					})
					return
				}

				// Last-used tracking is best-effort; the request does
				// not wait on it.
				safego.Go(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = keyRepo.UpdateLastUsed(ctx, key.ID)
				})

				identity := &auth.Identity{
					SubjectID: "svc:" + key.ID,
					Email:     key.Name,
					Admin:     key.Admin,
					AuthTime:  time.Now().Unix(),
				}
				c.Set(IdentityKey, identity)
				c.Set(IdentitySubjectKey, identity.SubjectID)
				c.Set(IdentityEmailKey, identity.Email)
				c.Set(AuthMethodKey, "service_key")
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid credentials",
		})
	}
}

// RequireAuditAdmin gates audit query and verification endpoints. Access is
// granted when the authenticated identity carries the admin claim or its email
// appears on the configured allowlist. The "*" allowlist wildcard grants every
// authenticated caller access and is honored only outside production;
// config validation rejects it there, so the environment check here is a
// backstop rather than the primary guard.
func RequireAuditAdmin(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Not authenticated",
			})
			return
		}

		if identity.Admin || emailAllowed(identity.Email, cfg.GetAdminEmails(), !cfg.Server.IsProduction()) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Audit access requires an administrator",
		})
	}
}

// IdentityFrom returns the authenticated identity set by RequireIdentity.
func IdentityFrom(c *gin.Context) (*auth.Identity, bool) {
	val, exists := c.Get(IdentityKey)
	if !exists {
		return nil, false
	}
	identity, ok := val.(*auth.Identity)
	return identity, ok
}

func emailAllowed(email string, allowlist []string, allowWildcard bool) bool {
	if email == "" {
		return false
	}
	for _, entry := range allowlist {
		if entry == "*" {
			if allowWildcard {
				return true
			}
			continue
		}
		if entry == email {
			return true
		}
	}
	return false
}

// authenticateServiceKey authenticates a service key by prefix lookup and
// bcrypt validation. The raw key is never stored; the plaintext prefix narrows
// the candidate set so the expensive bcrypt comparison runs on only a few rows.
func authenticateServiceKey(ctx context.Context, providedKey string, keyRepo *repositories.ServiceKeyRepository) (*models.ServiceKey, error) {
	keyPrefix := providedKey
	if len(providedKey) > auth.DisplayPrefixLength {
		keyPrefix = providedKey[:auth.DisplayPrefixLength]
	}

	keys, err := keyRepo.GetServiceKeysByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if auth.ValidateServiceKey(providedKey, key.KeyHash) {
			return key, nil
		}
	}
	return nil, nil
}
