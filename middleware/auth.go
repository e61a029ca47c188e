/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       API key authentication middleware extracting Bearer
             tokens from the Authorization header and resolving them
             to a project through the key/project resolver. Fails
             closed.
Root Cause:  Sprint task T012 — API key authentication middleware.
Context:     Security-critical; all proxied requests must be
             authenticated before reaching providers.
Suitability: L4 model required for auth middleware design.
──────────────────────────────────────────────────────────────
*/

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/watchllm/gateway/resolver"
)

type contextKey string

const (
	// ResolvedContextKey stores the resolved project/key in request context.
	ResolvedContextKey contextKey = "resolved"
)

// AuthMiddleware resolves bearer tokens to a project via resolver.Resolver.
type AuthMiddleware struct {
	logger    zerolog.Logger
	resolver  *resolver.Resolver
	headerKey string
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(logger zerolog.Logger, res *resolver.Resolver, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{logger: logger, resolver: res, headerKey: headerKey}
}

// Handler returns the middleware handler function. On any resolution
// failure it rejects with 401 — auth never fails open.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			writeAuthError(w, "missing authentication", "Authorization header required")
			return
		}

		token := authHeader
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
			token = authHeader[7:]
		}
		if token == "" {
			writeAuthError(w, "invalid authentication", "API key cannot be empty")
			return
		}

		resolved, err := am.resolver.Resolve(r.Context(), token)
		if err != nil {
			am.logger.Warn().Str("path", r.URL.Path).Msg("token resolution failed — rejecting")
			writeAuthError(w, "invalid authentication", "API key is invalid or revoked")
			return
		}

		ctx := context.WithValue(r.Context(), ResolvedContextKey, resolved)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"type":"` + errType + `","message":"` + message + `"}}`))
}

// GetResolved extracts the resolved project/key from the request context.
func GetResolved(ctx context.Context) (resolver.Resolved, bool) {
	v, ok := ctx.Value(ResolvedContextKey).(resolver.Resolved)
	return v, ok
}

// GetProjectID is a convenience accessor returning "" if unresolved —
// only used for logging and rate-limit/concurrency keying, never as an
// authorization decision by itself.
func GetProjectID(ctx context.Context) string {
	if r, ok := GetResolved(ctx); ok {
		return r.Project.ID
	}
	return ""
}
