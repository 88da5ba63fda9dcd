// Package adminapi implements the read-only/soft-delete admin HTTP API
// (SPEC_FULL.md §6): a chi router exposing the mount coordinator's
// Status/ListActive/History/SoftDelete operations for operator tooling and
// dashboards, protected by a bearer JWT verified against a public key
// supplied out-of-band. DMS never issues tokens itself — the identity
// service is an external collaborator, same as the broker-side Token field
// on MountRequest.
package adminapi

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Claims is the minimal set of JWT claims the admin API relies on.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Verifier validates bearer tokens against an externally-issued RS256
// public key.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier loads an RSA public key in PEM format from path.
func NewVerifier(publicKeyPath string) (*Verifier, error) {
	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, err
	}
	return &Verifier{publicKey: key}, nil
}

// Validate parses and verifies tokenString, returning its claims.
func (v *Verifier) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// ClaimsFromContext retrieves the claims stored by JWTAuth. Returns nil if
// called outside a JWTAuth-protected route.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// JWTAuth validates the bearer token on every request, storing its claims
// in the request context on success and responding 401 on failure.
func JWTAuth(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractBearerToken(r)
			if !ok {
				http.Error(w, "authorization header required", http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Validate(tokenString)
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
