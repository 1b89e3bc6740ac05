// Package auth provides authentication primitives for the audit service:
// bearer token verification (stateless JWT with an admin claim and the
// signer's authentication time) and service key generation/validation for
// machine callers. See internal/middleware/auth.go for the request-time
// authentication logic that uses these primitives.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer token claims structure. AuthTime records the epoch
// seconds of the caller's actual authentication event, not token issuance;
// the signature ceremony uses it for its freshness check.
type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Admin    bool   `json:"admin,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller attached to a request.
type Identity struct {
	SubjectID string
	Email     string
	Admin     bool
	AuthTime  int64
}

// Verifier validates bearer tokens against a shared secret.
type Verifier struct {
	secret    []byte
	ephemeral bool
}

// NewVerifier creates a token verifier. With an empty secret outside
// production an ephemeral per-process secret is generated and a warning
// logged; tokens then do not survive restarts. Production callers must
// configure a secret (enforced by config validation).
func NewVerifier(secret string) *Verifier {
	if secret != "" {
		if len(secret) < 32 {
			slog.Warn("jwt secret is shorter than the recommended 32 characters")
		}
		return &Verifier{secret: []byte(secret)}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to generate ephemeral jwt secret: %v", err))
	}
	slog.Warn("auth.jwt_secret not set; using an auto-generated secret for development")
	slog.Warn("sessions will not survive restarts; set auth.jwt_secret (openssl rand -hex 32)")
	return &Verifier{secret: []byte(hex.EncodeToString(buf)), ephemeral: true}
}

// Ephemeral reports whether the verifier runs on an auto-generated secret.
func (v *Verifier) Ephemeral() bool {
	return v.ephemeral
}

// Verify parses and validates a bearer token and returns the caller identity.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return nil, errors.New("token carries no subject")
	}

	// Tokens without auth_time fall back to issuance time so the signature
	// freshness check still has something to bound.
	authTime := claims.AuthTime
	if authTime == 0 && claims.IssuedAt != nil {
		authTime = claims.IssuedAt.Unix()
	}

	return &Identity{
		SubjectID: subject,
		Email:     claims.Email,
		Admin:     claims.Admin,
		AuthTime:  authTime,
	}, nil
}

// Issue creates a signed bearer token for a caller. Used by tests and by the
// dev token helper; production deployments normally receive tokens from an
// external identity provider sharing the same secret.
func (v *Verifier) Issue(userID, email string, admin bool, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Email:    email,
		Admin:    admin,
		AuthTime: now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "veritrail",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
