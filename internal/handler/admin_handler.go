package handler

import (
	"net/http"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Profile & scope
// ============================================================

func meHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ProfileFromContext(r.Context()))
	}
}

func scopeHandler(scope *service.ScopeCalculator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/me/scope")
		defer span.End()

		writeJSON(w, http.StatusOK, scope.ComputeScope(ctx, ProfileFromContext(ctx)))
	}
}

// ============================================================
// Signup
// ============================================================

func signupHandler(admin *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/signup")
		defer span.End()

		var req domain.SignupRequest
		if !decodeBody(w, r, &req) {
			return
		}
		profile, err := admin.Signup(ctx, PrincipalFromContext(ctx), req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("company signup",
			zap.String("email", profile.Email),
			zap.String("company_id", profile.CompanyID()),
		)
		writeJSON(w, http.StatusCreated, profile)
	}
}

// ============================================================
// Companies & locations
// ============================================================

func listCompaniesHandler(admin *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/companies")
		defer span.End()

		companies, err := admin.ListCompanies(ctx, ProfileFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.Company]{Data: companies, Total: len(companies)})
	}
}

func createCompanyHandler(admin *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/companies")
		defer span.End()

		var req domain.CompanyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		company, err := admin.CreateCompany(ctx, ProfileFromContext(ctx), req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, company)
	}
}

func listLocationsHandler(admin *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/companies/{companyId}/locations")
		defer span.End()

		locations, err := admin.ListLocations(ctx, ProfileFromContext(ctx), chi.URLParam(r, "companyId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.Location]{Data: locations, Total: len(locations)})
	}
}

func createLocationHandler(admin *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/companies/{companyId}/locations")
		defer span.End()

		var req domain.LocationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		location, err := admin.CreateLocation(ctx, ProfileFromContext(ctx), chi.URLParam(r, "companyId"), req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, location)
	}
}

// ============================================================
// Tenant users
// ============================================================

func listUsersHandler(admin *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/companies/{companyId}/users")
		defer span.End()

		users, err := admin.ListUsers(ctx, ProfileFromContext(ctx), chi.URLParam(r, "companyId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.TenantUser]{Data: users, Total: len(users)})
	}
}

func createUserHandler(admin *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/companies/{companyId}/locations/{locationId}/users")
		defer span.End()

		var req domain.UserRequest
		if !decodeBody(w, r, &req) {
			return
		}
		user, err := admin.CreateUser(ctx, ProfileFromContext(ctx),
			chi.URLParam(r, "companyId"), chi.URLParam(r, "locationId"), req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, user)
	}
}

func updateUserRoleHandler(admin *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/companies/{companyId}/locations/{locationId}/users/{userId}/role")
		defer span.End()

		var req struct {
			Role string `json:"role"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		user, err := admin.UpdateUserRole(ctx, ProfileFromContext(ctx),
			chi.URLParam(r, "companyId"), chi.URLParam(r, "locationId"), chi.URLParam(r, "userId"), req.Role)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}
