package service

import (
	"context"
	"errors"
	"strings"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var adminTracer = otel.Tracer("service/admin")

// DefaultLocationName names the location created at signup.
const DefaultLocationName = "Main"

// AdminService administers companies, locations and tenant users.
type AdminService struct {
	companies port.CompanyRepository
	locations port.LocationRepository
	users     port.TenantUserRepository
	resolver  *DirectoryResolver
	scope     *ScopeCalculator
	logger    *zap.Logger
}

func NewAdminService(
	companies port.CompanyRepository,
	locations port.LocationRepository,
	users port.TenantUserRepository,
	resolver *DirectoryResolver,
	scope *ScopeCalculator,
	logger *zap.Logger,
) *AdminService {
	return &AdminService{
		companies: companies,
		locations: locations,
		users:     users,
		resolver:  resolver,
		scope:     scope,
		logger:    logger,
	}
}

// Signup bootstraps a company for a principal that has no tenant user yet:
// the company, a default location and an admin user for the principal.
func (s *AdminService) Signup(ctx context.Context, principal domain.Principal, req domain.SignupRequest) (*domain.ResolvedProfile, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.Signup")
	defer span.End()

	if strings.TrimSpace(principal.Email) == "" {
		return nil, &domain.ErrUnauthorized{Message: "principal has no email"}
	}
	name := strings.TrimSpace(req.CompanyName)
	if name == "" {
		return nil, &domain.ErrValidation{Field: "companyName", Message: "is required"}
	}
	if err := s.ensureUnregistered(ctx, principal.Email); err != nil {
		return nil, err
	}

	company, err := s.companies.Create(ctx, &domain.Company{Name: name, CreatedBy: principal.Email})
	if err != nil {
		return nil, err
	}
	locationName := strings.TrimSpace(req.LocationName)
	if locationName == "" {
		locationName = DefaultLocationName
	}
	location, err := s.locations.Create(ctx, &domain.Location{CompanyID: company.ID, Name: locationName})
	if err != nil {
		s.rollbackSignup(ctx, company.ID, "")
		return nil, err
	}
	user, err := s.users.Create(ctx, &domain.TenantUser{
		CompanyID:  company.ID,
		LocationID: location.ID,
		Email:      principal.Email,
		Name:       strings.TrimSpace(req.UserName),
		Role:       domain.RoleAdmin,
		Status:     domain.StatusActive,
	})
	if err != nil {
		s.rollbackSignup(ctx, company.ID, location.ID)
		return nil, err
	}

	s.logger.Info("company signed up",
		zap.String("company_id", company.ID),
		zap.String("email", principal.Email),
	)
	return BuildProfile(principal, &domain.DirectoryEntry{User: *user, Company: *company, Location: *location}), nil
}

// rollbackSignup deletes the location and company a failed signup wrote.
// It runs even when ctx is already cancelled.
func (s *AdminService) rollbackSignup(ctx context.Context, companyID, locationID string) {
	ctx = context.WithoutCancel(ctx)
	if locationID != "" {
		if err := s.locations.Delete(ctx, companyID, locationID); err != nil {
			s.logger.Error("signup rollback: delete location failed",
				zap.String("company_id", companyID),
				zap.String("location_id", locationID),
				zap.Error(err),
			)
		}
	}
	if err := s.companies.Delete(ctx, companyID); err != nil {
		s.logger.Error("signup rollback: delete company failed",
			zap.String("company_id", companyID),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("signup rolled back", zap.String("company_id", companyID))
}

// CreateCompany requires CanManageCompanies.
func (s *AdminService) CreateCompany(ctx context.Context, actor *domain.ResolvedProfile, req domain.CompanyRequest) (*domain.Company, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.CreateCompany")
	defer span.End()

	if err := requireCapability(actor, "manage companies", func(c domain.Capabilities) bool { return c.CanManageCompanies }); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &domain.ErrValidation{Field: "name", Message: "is required"}
	}
	return s.companies.Create(ctx, &domain.Company{
		Name:      name,
		Phone:     strings.TrimSpace(req.Phone),
		Address:   strings.TrimSpace(req.Address),
		CreatedBy: actor.Email,
	})
}

// CreateLocation requires CanManageLocations and access to the company.
func (s *AdminService) CreateLocation(ctx context.Context, actor *domain.ResolvedProfile, companyID string, req domain.LocationRequest) (*domain.Location, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.CreateLocation")
	defer span.End()
	span.SetAttributes(attribute.String("company.id", companyID))

	if err := requireCapability(actor, "manage locations", func(c domain.Capabilities) bool { return c.CanManageLocations }); err != nil {
		return nil, err
	}
	if err := authorizeCompany(actor, companyID); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &domain.ErrValidation{Field: "name", Message: "is required"}
	}
	if _, err := s.companies.Get(ctx, companyID); err != nil {
		return nil, err
	}
	return s.locations.Create(ctx, &domain.Location{
		CompanyID: companyID,
		Name:      name,
		Phone:     strings.TrimSpace(req.Phone),
		Address:   strings.TrimSpace(req.Address),
	})
}

// CreateUser adds a tenant user. The email must not exist anywhere in the
// directory, and the actor cannot grant a role above its own.
func (s *AdminService) CreateUser(ctx context.Context, actor *domain.ResolvedProfile, companyID, locationID string, req domain.UserRequest) (*domain.TenantUser, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.CreateUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("company.id", companyID),
		attribute.String("location.id", locationID),
	)

	if err := s.authorizeUserAdmin(actor, companyID, locationID); err != nil {
		return nil, err
	}
	role, err := grantableRole(actor, req.Role)
	if err != nil {
		return nil, err
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, &domain.ErrValidation{Field: "email", Message: "must be a valid email address"}
	}
	if _, err := s.locations.Get(ctx, companyID, locationID); err != nil {
		return nil, err
	}
	if err := s.ensureUnregistered(ctx, email); err != nil {
		return nil, err
	}

	user, err := s.users.Create(ctx, &domain.TenantUser{
		CompanyID:  companyID,
		LocationID: locationID,
		Email:      email,
		Name:       strings.TrimSpace(req.Name),
		Role:       role,
		Status:     domain.StatusActive,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("tenant user created",
		zap.String("company_id", companyID),
		zap.String("location_id", locationID),
		zap.String("role", string(role)),
		zap.String("created_by", actor.Email),
	)
	return user, nil
}

// UpdateUserRole changes a user's role. The actor must rank at least as high
// as both the current and the new role.
func (s *AdminService) UpdateUserRole(ctx context.Context, actor *domain.ResolvedProfile, companyID, locationID, userID, roleName string) (*domain.TenantUser, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.UpdateUserRole")
	defer span.End()

	if err := s.authorizeUserAdmin(actor, companyID, locationID); err != nil {
		return nil, err
	}
	role, err := grantableRole(actor, roleName)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateID("userId", userID); err != nil {
		return nil, err
	}
	current, err := s.users.Get(ctx, companyID, locationID, userID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(current.Role) {
		return nil, &domain.ErrForbidden{Action: "change the role of a " + string(current.Role)}
	}
	if err := s.users.UpdateRole(ctx, companyID, locationID, userID, role); err != nil {
		return nil, err
	}
	current.Role = role
	return current, nil
}

// ListCompanies returns the companies in the actor's scope.
func (s *AdminService) ListCompanies(ctx context.Context, actor *domain.ResolvedProfile) ([]domain.Company, error) {
	scope, err := s.scopeOf(ctx, actor)
	if err != nil {
		return nil, err
	}
	return scope.Companies, nil
}

// ListLocations returns the accessible locations of one company.
func (s *AdminService) ListLocations(ctx context.Context, actor *domain.ResolvedProfile, companyID string) ([]domain.Location, error) {
	if err := authorizeCompany(actor, companyID); err != nil {
		return nil, err
	}
	scope, err := s.scopeOf(ctx, actor)
	if err != nil {
		return nil, err
	}
	out := []domain.Location{}
	for _, l := range scope.Locations {
		if l.CompanyID == companyID {
			out = append(out, l)
		}
	}
	return out, nil
}

// ListUsers returns the users of every accessible location of a company.
func (s *AdminService) ListUsers(ctx context.Context, actor *domain.ResolvedProfile, companyID string) ([]domain.TenantUser, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.ListUsers")
	defer span.End()

	if err := requireCapability(actor, "manage users", func(c domain.Capabilities) bool { return c.CanManageUsers }); err != nil {
		return nil, err
	}
	locations, err := s.ListLocations(ctx, actor, companyID)
	if err != nil {
		return nil, err
	}
	out := []domain.TenantUser{}
	for _, l := range locations {
		users, err := s.users.List(ctx, companyID, l.ID)
		if err != nil {
			return nil, transient(err)
		}
		out = append(out, users...)
	}
	return out, nil
}

func (s *AdminService) scopeOf(ctx context.Context, actor *domain.ResolvedProfile) (*domain.AccessScope, error) {
	if actor == nil {
		return nil, &domain.ErrUnauthorized{Message: "no resolved profile"}
	}
	scope := s.scope.ComputeScope(ctx, actor)
	if scope.Degraded {
		return nil, &domain.ErrExternalService{Service: "directory", Err: errors.New(scope.Error)}
	}
	return scope, nil
}

// ensureUnregistered fails when email already resolves to a tenant user.
func (s *AdminService) ensureUnregistered(ctx context.Context, email string) error {
	entry, err := s.resolver.Resolve(ctx, email)
	if err == nil {
		return &domain.ErrConflict{Message: email + " already belongs to company " + entry.Company.ID}
	}
	var notFound *domain.ErrNotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

func (s *AdminService) authorizeUserAdmin(actor *domain.ResolvedProfile, companyID, locationID string) error {
	if err := requireCapability(actor, "manage users", func(c domain.Capabilities) bool { return c.CanManageUsers }); err != nil {
		return err
	}
	if err := authorizeCompany(actor, companyID); err != nil {
		return err
	}
	if err := domain.ValidateID("locationId", locationID); err != nil {
		return err
	}
	if !actor.Capabilities().CanViewAllLocations && actor.LocationID() != locationID {
		return &domain.ErrForbidden{Action: "manage users of location " + locationID}
	}
	return nil
}

// grantableRole parses a requested role strictly and checks the actor may
// grant it.
func grantableRole(actor *domain.ResolvedProfile, name string) (domain.Role, error) {
	role, ok := domain.LookupRole(strings.TrimSpace(name))
	if !ok {
		return "", &domain.ErrValidation{Field: "role", Message: "unknown role " + name}
	}
	if !actor.Role.AtLeast(role) {
		return "", &domain.ErrForbidden{Action: "grant role " + string(role)}
	}
	return role, nil
}

func requireCapability(actor *domain.ResolvedProfile, action string, has func(domain.Capabilities) bool) error {
	if actor == nil {
		return &domain.ErrUnauthorized{Message: "no resolved profile"}
	}
	if !has(actor.Capabilities()) {
		return &domain.ErrForbidden{Action: action}
	}
	return nil
}
