package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-gateway/internal/observability"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(obsctx.UserIDFromContext(r.Context())))
	})
}

func serveAuth(a *Authenticator, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Middleware(echoUser()).ServeHTTP(rec, r)
	return rec
}

func TestAuthenticator_BearerToken(t *testing.T) {
	a := NewAuthenticator(config.Config{AppEnv: "prod", JWTSecret: "s3cret", JWTIssuer: "gateway"})
	tok, err := a.IssueToken("alice", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	rec := serveAuth(a, r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestAuthenticator_Rejects(t *testing.T) {
	a := NewAuthenticator(config.Config{AppEnv: "prod", JWTSecret: "s3cret", JWTIssuer: "gateway"})
	other := NewAuthenticator(config.Config{JWTSecret: "different", JWTIssuer: "gateway"})
	wrongIssuer := NewAuthenticator(config.Config{JWTSecret: "s3cret", JWTIssuer: "elsewhere"})

	expired, err := a.IssueToken("alice", -time.Minute)
	require.NoError(t, err)
	forged, err := other.IssueToken("alice", time.Hour)
	require.NoError(t, err)
	foreign, err := wrongIssuer.IssueToken("alice", time.Hour)
	require.NoError(t, err)
	noSubject, err := a.IssueToken("", time.Hour)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice", Issuer: "gateway"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject: "alice", Issuer: "gateway", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"garbage":    "Bearer not.a.token",
		"expired":    "Bearer " + expired,
		"forged":     "Bearer " + forged,
		"issuer":     "Bearer " + foreign,
		"no subject": "Bearer " + noSubject,
		"no exp":     "Bearer " + noExp,
		"alg":        "Bearer " + hs512,
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if h != "" {
				r.Header.Set("Authorization", h)
			}
			rec := serveAuth(a, r)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
		})
	}
}

func TestAuthenticator_DevHeader(t *testing.T) {
	a := NewAuthenticator(config.Config{AppEnv: "dev"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(DevUserHeader, "bob")
	rec := serveAuth(a, r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())

	rec = serveAuth(a, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticator_ProdWithoutSecret(t *testing.T) {
	a := NewAuthenticator(config.Config{AppEnv: "prod"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(DevUserHeader, "bob")
	assert.Equal(t, http.StatusUnauthorized, serveAuth(a, r).Code)

	_, err := a.IssueToken("bob", time.Hour)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
