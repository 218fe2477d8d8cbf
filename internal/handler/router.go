package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/port"
	"github.com/boddenberg/crm-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Services bundles what the router needs. A nil Tokens verifier turns every
// authenticated route into 503.
type Services struct {
	Tokens      *service.TokenVerifier
	Profiles    *service.ProfileService
	Scope       *service.ScopeCalculator
	Admin       *service.AdminService
	Lifecycle   *service.LifecycleManager
	Docs        port.DocumentStore
	Idempotency port.IdempotencyStore

	IdempotencyTTL time.Duration
	SSEHeartbeat   time.Duration
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Docs, logger))
	r.Get("/readyz", readyzHandler(svc.Docs, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/summary", metricsSummaryHandler(metrics))

		// =============================================
		// Public loan application form
		// =============================================
		r.Post("/public/companies/{companyId}/applications", submitApplicationHandler(svc.Lifecycle, logger))

		if svc.Tokens == nil {
			r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusServiceUnavailable, "authentication not configured")
			}))
			return
		}

		r.Group(func(r chi.Router) {
			r.Use(PrincipalMiddleware(svc.Tokens, logger))

			// Principals without a tenant user may sign up and stream.
			r.Post("/signup", signupHandler(svc.Admin, logger))
			r.Get("/me/stream", profileStreamHandler(svc, metrics, logger))

			r.Group(func(r chi.Router) {
				r.Use(ProfileMiddleware(svc.Profiles, logger))

				// =============================================
				// 1. Profile & scope
				// =============================================
				r.Get("/me", meHandler())
				r.Get("/me/scope", scopeHandler(svc.Scope))

				// =============================================
				// 2. Tenant directory administration
				// =============================================
				r.Get("/companies", listCompaniesHandler(svc.Admin, logger))
				r.Post("/companies", createCompanyHandler(svc.Admin, logger))
				r.Get("/companies/{companyId}/locations", listLocationsHandler(svc.Admin, logger))
				r.Post("/companies/{companyId}/locations", createLocationHandler(svc.Admin, logger))
				r.Get("/companies/{companyId}/users", listUsersHandler(svc.Admin, logger))
				r.Post("/companies/{companyId}/locations/{locationId}/users", createUserHandler(svc.Admin, logger))
				r.Put("/companies/{companyId}/locations/{locationId}/users/{userId}/role", updateUserRoleHandler(svc.Admin, logger))

				// =============================================
				// 3. Sales records
				// =============================================
				const rec = "/companies/{companyId}/{lifecycle}/{recordId}"
				r.Get("/companies/{companyId}/{lifecycle}", listRecordsHandler(svc.Lifecycle, logger))
				r.Post("/companies/{companyId}/{lifecycle}", createRecordHandler(svc.Lifecycle, logger))
				r.Get(rec, getRecordHandler(svc.Lifecycle, logger))
				r.Get(rec+"/stream", recordStreamHandler(svc, logger))

				// Field groups
				r.Put(rec+"/buyer-info", saveBuyerInfoHandler(svc.Lifecycle, logger))
				r.Put(rec+"/co-buyer-info", saveCoBuyerInfoHandler(svc.Lifecycle, logger))
				r.Put(rec+"/financing", saveFinancingHandler(svc.Lifecycle, logger))
				r.Put(rec+"/credit-snapshot", saveCreditSnapshotHandler(svc.Lifecycle, logger))

				// Financing conditions
				r.Post(rec+"/financing/conditions", addConditionHandler(svc.Lifecycle, logger))
				r.Post(rec+"/financing/conditions/{conditionId}/clear", conditionHandler(svc.Lifecycle.ClearCondition, logger))
				r.Delete(rec+"/financing/conditions/{conditionId}", conditionHandler(svc.Lifecycle.RemoveCondition, logger))
				r.Delete(rec+"/financing/cleared-conditions/{conditionId}", conditionHandler(svc.Lifecycle.RemoveClearedCondition, logger))

				// Activity sub-collections
				r.Get(rec+"/activity/{subcollection}", listActivityHandler(svc.Lifecycle, logger))
				r.Post(rec+"/activity/{subcollection}", addActivityHandler(svc.Lifecycle, logger))

				// =============================================
				// 4. Prospect to deal conversion
				// =============================================
				r.With(IdempotencyMiddleware(svc.Idempotency, svc.IdempotencyTTL, metrics, logger)).
					Post(rec+"/convert", convertHandler(svc.Lifecycle, logger))
			})
		})
	})

	return r
}

// ============================================================
// Operational handlers
// ============================================================

func healthzHandler(docs port.DocumentStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "crm-api", Status: "healthy", LastChecked: now},
		}

		if docs != nil {
			start := time.Now()
			err := docs.Ping(r.Context())
			h := domain.ServiceHealth{
				Name:        "document-store",
				Status:      "healthy",
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			}
			if err != nil {
				logger.Warn("health: document store ping failed", zap.Error(err))
				h.Status = "degraded"
				h.Error = err.Error()
			}
			services = append(services, h)
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler(docs port.DocumentStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if docs != nil {
			if err := docs.Ping(r.Context()); err != nil {
				logger.Warn("readiness: document store unavailable", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func metricsSummaryHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
