package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-gateway/internal/observability"
)

// DevUserHeader carries the caller id when bearer auth is disabled in dev/test.
const DevUserHeader = "X-User-Id"

// Authenticator resolves the calling user from an HS256 bearer token whose
// subject is the user id.
type Authenticator struct {
	secret   []byte
	issuer   string
	allowDev bool
}

// NewAuthenticator builds an Authenticator from config. Without JWT_SECRET
// the X-User-Id header is trusted in dev and test and every request is
// rejected otherwise.
func NewAuthenticator(cfg config.Config) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		allowDev: !cfg.AuthEnabled() && (cfg.IsDev() || cfg.IsTest()),
	}
}

// IssueToken signs a token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: JWT_SECRET not configured", domain.ErrInvalidArgument)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// UserID validates a raw token and returns its subject.
func (a *Authenticator) UserID(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if !tok.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the user
// id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := a.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="chat"`)
			writeError(w, r, err, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(obsctx.ContextWithUserID(r.Context(), uid)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		if !a.allowDev {
			return "", fmt.Errorf("%w: authentication not configured", domain.ErrUnauthorized)
		}
		uid := strings.TrimSpace(r.Header.Get(DevUserHeader))
		if uid == "" {
			return "", fmt.Errorf("%w: missing %s header", domain.ErrUnauthorized, DevUserHeader)
		}
		return uid, nil
	}
	h := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized)
	}
	return a.UserID(strings.TrimSpace(raw))
}

var errNoUser = errors.New("no authenticated user in context")

func requireUser(r *http.Request) (string, error) {
	uid := obsctx.UserIDFromContext(r.Context())
	if uid == "" {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, errNoUser)
	}
	return uid, nil
}
