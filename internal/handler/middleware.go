package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/port"
	"github.com/boddenberg/crm-bfa-go/internal/service"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	profileKey   contextKey = "profile"
)

// PrincipalMiddleware validates Bearer tokens and injects the principal into
// the context.
func PrincipalMiddleware(tokens *service.TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("auth: missing token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.Warn("auth: invalid token format",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			principal, err := tokens.Verify(parts[1])
			if err != nil {
				logger.Warn("auth: invalid or expired token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProfileMiddleware resolves the principal into a tenant profile. A miss
// under the deny policy is 404; directory outages are 503.
func ProfileMiddleware(profiles *service.ProfileService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profile, err := profiles.ResolveProfile(r.Context(), PrincipalFromContext(r.Context()))
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			ctx := context.WithValue(r.Context(), profileKey, profile)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext returns the authenticated principal.
func PrincipalFromContext(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey).(domain.Principal)
	return p
}

// ProfileFromContext returns the resolved profile, or nil outside
// ProfileMiddleware.
func ProfileFromContext(ctx context.Context) *domain.ResolvedProfile {
	p, _ := ctx.Value(profileKey).(*domain.ResolvedProfile)
	return p
}

// ============================================================
// Idempotency
// ============================================================

// IdempotencyHeader carries the client-chosen retry key.
const IdempotencyHeader = "Idempotency-Key"

type storedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyMiddleware replays the stored response of a completed request
// with the same Idempotency-Key and rejects a concurrent one with 409.
// Responses of 5xx are not stored so the request can be retried. Requests
// without the header, or with a nil store, pass through.
func IdempotencyMiddleware(store port.IdempotencyStore, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if store == nil || header == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := PrincipalFromContext(ctx).Email + "|" + r.Method + " " + r.URL.Path + "|" + header

			raw, found, err := store.Lookup(ctx, key)
			if err != nil {
				metrics.IncrIdempotency("error")
				logger.Warn("idempotency: lookup failed, continuing without key", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if found {
				var resp storedResponse
				if err := json.Unmarshal(raw, &resp); err == nil {
					metrics.IncrIdempotency("replayed")
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Idempotent-Replayed", "true")
					w.WriteHeader(resp.Status)
					w.Write(resp.Body)
					return
				}
				logger.Warn("idempotency: dropping unreadable stored response", zap.String("key", header))
				_ = store.Release(ctx, key)
			}

			reserved, err := store.Reserve(ctx, key, ttl)
			if err != nil {
				metrics.IncrIdempotency("error")
				logger.Warn("idempotency: reserve failed, continuing without key", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				metrics.IncrIdempotency("in_flight")
				handleServiceError(w, &domain.ErrDuplicate{Key: header}, logger)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			var buf bytes.Buffer
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			// The request context may be gone once the handler returns.
			bg := context.WithoutCancel(ctx)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				if err := store.Release(bg, key); err != nil {
					logger.Warn("idempotency: release failed", zap.Error(err))
				}
				return
			}
			payload, _ := json.Marshal(storedResponse{Status: status, Body: buf.Bytes()})
			if err := store.Complete(bg, key, payload, ttl); err != nil {
				logger.Warn("idempotency: complete failed", zap.Error(err))
				return
			}
			metrics.IncrIdempotency("stored")
		})
	}
}
