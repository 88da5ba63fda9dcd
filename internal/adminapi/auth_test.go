package adminapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	path := filepath.Join(t.TempDir(), "jwt_public_key.pem")
	require.NoError(t, os.WriteFile(path, pubPEM, 0o644))

	return key, path
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, role string, expiresAt time.Time) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiresAt)},
		Role:             role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifierValidatesTokenSignedByMatchingKey(t *testing.T) {
	key, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	token := signTestToken(t, key, "operator", time.Now().Add(time.Hour))
	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Role)
}

func TestVerifierRejectsTokenSignedByDifferentKey(t *testing.T) {
	_, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	otherKey, _ := generateTestKeyPair(t)
	token := signTestToken(t, otherKey, "operator", time.Now().Add(time.Hour))

	_, err = v.Validate(token)
	assert.Error(t, err)
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	key, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	token := signTestToken(t, key, "operator", time.Now().Add(-time.Hour))
	_, err = v.Validate(token)
	assert.Error(t, err)
}

func TestJWTAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	_, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	handler := JWTAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/mounts", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuthMiddlewareAllowsValidToken(t *testing.T) {
	key, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	var sawClaims *Claims
	handler := JWTAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token := signTestToken(t, key, "admin", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/mounts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sawClaims)
	assert.Equal(t, "admin", sawClaims.Role)
}

func TestClaimsFromContextReturnsNilWithoutClaims(t *testing.T) {
	assert.Nil(t, ClaimsFromContext(context.Background()))
}
