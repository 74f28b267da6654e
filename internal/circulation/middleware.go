package circulation

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bibliodigit/internal/logger"
)

const (
	requestIDHeader = "X-Request-Id"
	actorRoleHeader = "X-Actor-Role"
)

// RequestID stamps every request with an id and puts it on the logging context.
func RequestID(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)

			next.ServeHTTP(w, r.WithContext(log.WithRequestID(r.Context(), reqID)))
		})
	}
}

func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := log.WithFields(r.Context(), map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info(log.WithFields(ctx, map[string]any{
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			}), "request.complete")
		})
	}
}

// RateLimit rejects requests with 429 once the shared token bucket is empty.
func RateLimit(limiter *rate.Limiter, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(r.Context(), log, w, &apiError{
					status:  http.StatusTooManyRequests,
					code:    "RATE_LIMIT_EXCEEDED",
					message: "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole admits callers whose gateway-supplied role is one of allowed.
func RequireRole(log *logger.Logger, allowed ...UserCategory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(actorRoleHeader)
			if raw == "" {
				writeError(r.Context(), log, w, &apiError{
					status:  http.StatusUnauthorized,
					code:    "UNAUTHORIZED",
					message: "actor role required",
				})
				return
			}

			role, err := ParseUserCategory(raw)
			if err != nil || !roleAllowed(role, allowed) {
				writeError(r.Context(), log, w, &apiError{
					status:  http.StatusForbidden,
					code:    "FORBIDDEN",
					message: "role not permitted",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(log.WithActorRole(r.Context(), string(role))))
		})
	}
}

func roleAllowed(role UserCategory, allowed []UserCategory) bool {
	for _, a := range allowed {
		if a == role {
			return true
		}
	}
	return false
}
