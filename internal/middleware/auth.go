package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/coreason-ai/gateway/internal/apierror"
)

type contextKey string

// CallerIDKey carries the hashed caller identity in the request context.
// The raw token never enters the context or the logs.
const CallerIDKey contextKey = "caller_id"

// AuthConfig configures the gateway access token check.
type AuthConfig struct {
	Logger      *zap.Logger
	AccessToken string
	SkipPaths   []string
}

// AuthMiddleware enforces the shared gateway access token.
type AuthMiddleware struct {
	logger    *zap.Logger
	token     []byte
	skipPaths map[string]bool
}

func NewAuthMiddleware(cfg *AuthConfig) *AuthMiddleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	return &AuthMiddleware{
		logger:    cfg.Logger,
		token:     []byte(cfg.AccessToken),
		skipPaths: skip,
	}
}

// Authenticate verifies the bearer token with a constant-time comparison.
// Absence, a bad scheme, and a mismatch all map to the same taxonomy error
// so the response reveals nothing about which check failed.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			apierror.Write(w, apierror.New(apierror.AuthInvalid, "Invalid Gateway Access Token"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), m.token) != 1 {
			m.logger.Warn("gateway token mismatch", zap.String("remote", r.RemoteAddr))
			apierror.Write(w, apierror.New(apierror.AuthInvalid, "Invalid Gateway Access Token"))
			return
		}

		ctx := context.WithValue(r.Context(), CallerIDKey, callerID(token, r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerID derives a loggable identity: a short token hash, qualified by
// the project id when present.
func callerID(token string, r *http.Request) string {
	sum := sha256.Sum256([]byte(token))
	id := hex.EncodeToString(sum[:])[:8]
	if project := r.Header.Get("X-Coreason-Project-ID"); project != "" {
		return id + ":" + project
	}
	return id
}

// CallerID returns the hashed caller identity, if authenticated.
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(CallerIDKey).(string)
	return id
}
