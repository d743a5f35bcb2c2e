package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/contextify/contextify/internal/ctxkey"
	"github.com/contextify/contextify/internal/domain/auth"
	"github.com/contextify/contextify/internal/domain/validation"
)

// Default identity headers trusted when inbound auth is disabled. Both are
// configurable through the rateLimit group.
const (
	DefaultTenantHeader = "X-Tenant-Id"
	DefaultUserHeader   = "X-User-Id"
)

// apiKeyHeader is the alternative credential header next to Authorization.
const apiKeyHeader = "X-Api-Key"

// identityContextKey is the context key type for the resolved identity.
type identityContextKey struct{}

// RequestIDMiddleware extracts or generates a request id, stores it with an
// enriched logger in the context, and echoes it on the response so clients
// can correlate.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID, "client_ip", extractRealIP(r))

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext retrieves the request id, empty when absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// IdentityFromContext retrieves the resolved caller identity. The zero
// identity means anonymous.
func IdentityFromContext(ctx context.Context) auth.Identity {
	if id, ok := ctx.Value(identityContextKey{}).(auth.Identity); ok {
		return id
	}
	return auth.Identity{}
}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityMiddleware resolves the caller identity used by rate limiting and
// audit. With a keyring, requests must present a verifiable API key
// (Authorization bearer or X-Api-Key) and the key's identity wins; without
// one, the plain tenant/user headers are trusted as-is.
func IdentityMiddleware(keyring *auth.Keyring, tenantHeader, userHeader string) func(http.Handler) http.Handler {
	if tenantHeader == "" {
		tenantHeader = DefaultTenantHeader
	}
	if userHeader == "" {
		userHeader = DefaultUserHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyring == nil {
				id := auth.Identity{
					TenantID: r.Header.Get(tenantHeader),
					UserID:   r.Header.Get(userHeader),
				}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}

			rawKey := extractAPIKey(r)
			if rawKey == "" {
				writeError(w, http.StatusUnauthorized, nil, validation.ErrCodeServerError, "authentication required", nil)
				return
			}
			identity, err := keyring.Resolve(rawKey)
			if err != nil {
				LoggerFromContext(r.Context()).Warn("api key rejected", "client_ip", extractRealIP(r))
				writeError(w, http.StatusUnauthorized, nil, validation.ErrCodeServerError, "invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), *identity)))
		})
	}
}

// extractAPIKey pulls the inbound credential: Authorization bearer first,
// then the X-Api-Key header.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get(apiKeyHeader)
}

// BodyLimitMiddleware caps POST bodies before any reader touches them.
// Downstream readers translate the resulting *http.MaxBytesError into the
// single 413 response the surface produces.
func BodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Method == http.MethodPost {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractRealIP extracts the client address for logs: the first
// X-Forwarded-For entry, then X-Real-IP, then the connection peer.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
