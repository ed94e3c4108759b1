package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
)

// ContextKey type for context keys to avoid collisions
type ContextKey string

const (
	// ClaimsKey is the context key for JWT claims
	ClaimsKey ContextKey = "jwt_claims"
)

// devClientID is the identity given to requests when authentication is off
const devClientID = "dev-client"

// Middleware provides HTTP middleware functions
type Middleware struct {
	jwtAuth     *JWTAuth
	noAuth      bool // Development mode: bypass authentication
	corsOrigins []string
	limiter     *RateLimiter
	logger      *slog.Logger
}

// NewMiddleware creates a new middleware instance. A nil limiter disables
// rate limiting.
func NewMiddleware(jwtAuth *JWTAuth, noAuth bool, corsOrigins []string, limiter *RateLimiter, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Middleware{
		jwtAuth:     jwtAuth,
		noAuth:      noAuth,
		corsOrigins: corsOrigins,
		limiter:     limiter,
		logger:      logger,
	}
}

// AuthRequired middleware requires valid JWT authentication
func (m *Middleware) AuthRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.noAuth {
			ctx := context.WithValue(r.Context(), ClaimsKey, &JWTClaims{ClientID: devClientID})
			next(w, r.WithContext(ctx))
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := m.jwtAuth.ValidateToken(token)
		if err != nil {
			writeError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// AdminRequired middleware requires admin privileges.
// Admin endpoints are never bypassed, even in no-auth mode.
func (m *Middleware) AdminRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, "Authorization header required for admin access", http.StatusUnauthorized)
			return
		}

		claims, err := m.jwtAuth.ValidateToken(token)
		if err != nil {
			writeError(w, "Invalid token for admin access: "+err.Error(), http.StatusUnauthorized)
			return
		}

		if !claims.IsAdmin {
			writeError(w, "Admin privileges required", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// RateLimited rejects requests over the per-client budget with 429
func (m *Middleware) RateLimited(next http.HandlerFunc) http.HandlerFunc {
	if m.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.limiter.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// CORS middleware adds CORS headers for browser compatibility
func (m *Middleware) CORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := m.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (m *Middleware) allowedOrigin(origin string) string {
	if slices.Contains(m.corsOrigins, "*") {
		return "*"
	}
	if origin != "" && slices.Contains(m.corsOrigins, origin) {
		return origin
	}
	return ""
}

// ContentType middleware sets the content type to JSON
func (m *Middleware) ContentType(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

// Logging middleware logs one line per request
func (m *Middleware) Logging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}
		m.logger.LogAttrs(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", clientIP(r)),
		)
	}
}

// Recovery middleware recovers from panics and returns 500 error
func (m *Middleware) Recovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				m.logger.Error("panic in handler", "path", r.URL.Path, "panic", err)
				writeError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush lets streaming handlers flush through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Helper functions

// extractToken extracts the JWT token from the Authorization header.
// Both "Bearer token" and bare "token" are accepted.
func extractToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// GetClaims extracts the JWT claims from the request context
func GetClaims(r *http.Request) *JWTClaims {
	if claims, ok := r.Context().Value(ClaimsKey).(*JWTClaims); ok {
		return claims
	}
	return nil
}

// GetClientID extracts the client ID from the request context
func GetClientID(r *http.Request) string {
	if claims := GetClaims(r); claims != nil {
		return claims.ClientID
	}
	return ""
}
