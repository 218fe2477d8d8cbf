// Package service provides the business logic layer (use cases):
// tenant directory resolution, access scoping, the sales record lifecycle,
// administration and the live profile/record views.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var dirTracer = otel.Tracer("service/directory")

// ============================================================
// Directory resolver
// ============================================================

// DirectoryResolver finds the tenant user behind an email address by walking
// the company -> location -> user hierarchy.
type DirectoryResolver struct {
	dir port.DirectoryReader
}

func NewDirectoryResolver(dir port.DirectoryReader) *DirectoryResolver {
	return &DirectoryResolver{dir: dir}
}

// Resolve returns the first tenant user whose email equals email exactly.
// Companies, locations and users are visited in ascending id order, so
// duplicate emails always resolve to the same record.
func (r *DirectoryResolver) Resolve(ctx context.Context, email string) (*domain.DirectoryEntry, error) {
	ctx, span := dirTracer.Start(ctx, "DirectoryResolver.Resolve")
	defer span.End()

	if email == "" {
		return nil, &domain.ErrValidation{Field: "email", Message: "is required"}
	}

	companies, err := r.dir.Companies(ctx)
	if err != nil {
		return nil, transient(err)
	}
	for _, c := range companies {
		locations, err := r.dir.Locations(ctx, c.ID)
		if err != nil {
			return nil, transient(err)
		}
		for _, l := range locations {
			users, err := r.dir.Users(ctx, c.ID, l.ID)
			if err != nil {
				return nil, transient(err)
			}
			for _, u := range users {
				if u.Email != email {
					continue
				}
				span.SetAttributes(
					attribute.String("company.id", c.ID),
					attribute.String("location.id", l.ID),
				)
				return &domain.DirectoryEntry{User: u, Company: c, Location: l}, nil
			}
		}
	}
	return nil, &domain.ErrNotFound{Resource: "tenant user", ID: email}
}

// transient marks a directory read failure. Context errors pass through.
func transient(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ext *domain.ErrExternalService
	if errors.As(err, &ext) {
		return err
	}
	return &domain.ErrExternalService{Service: "directory", Err: err}
}

// ============================================================
// Profile resolution
// ============================================================

// ProfileService turns an authenticated principal into a resolved profile.
type ProfileService struct {
	resolver *DirectoryResolver
	policy   domain.MissPolicy
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func NewProfileService(resolver *DirectoryResolver, policy domain.MissPolicy, metrics *observability.Metrics, logger *zap.Logger) *ProfileService {
	return &ProfileService{resolver: resolver, policy: policy, metrics: metrics, logger: logger}
}

// Policy returns the configured resolution-miss policy.
func (s *ProfileService) Policy() domain.MissPolicy {
	return s.policy
}

// ResolveProfile joins principal with its tenant user. A directory miss is
// handled by the miss policy; transient failures are returned as is.
func (s *ProfileService) ResolveProfile(ctx context.Context, principal domain.Principal) (*domain.ResolvedProfile, error) {
	ctx, span := dirTracer.Start(ctx, "ProfileService.ResolveProfile")
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("resolve_profile", time.Since(start))
	}()

	if strings.TrimSpace(principal.Email) == "" {
		return nil, &domain.ErrUnauthorized{Message: "principal has no email"}
	}

	entry, err := s.resolver.Resolve(ctx, principal.Email)
	profile, err := ApplyMissPolicy(s.policy, principal, entry, err)
	switch {
	case err != nil:
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			s.metrics.IncrProfileResolution("not_found")
		} else {
			s.metrics.IncrProfileResolution("error")
			s.logger.Warn("profile resolution failed",
				zap.String("email", principal.Email),
				zap.Error(err),
			)
		}
		return nil, err
	case profile.Default:
		s.metrics.IncrProfileResolution("default")
		s.logger.Warn("no tenant user for principal, using default profile",
			zap.String("email", principal.Email),
			zap.String("policy", string(s.policy)),
		)
	default:
		s.metrics.IncrProfileResolution("found")
	}
	return profile, nil
}

// ApplyMissPolicy turns a resolver outcome into a profile. Only ErrNotFound
// is subject to the policy.
func ApplyMissPolicy(policy domain.MissPolicy, principal domain.Principal, entry *domain.DirectoryEntry, err error) (*domain.ResolvedProfile, error) {
	if err == nil {
		return BuildProfile(principal, entry), nil
	}
	var notFound *domain.ErrNotFound
	if errors.As(err, &notFound) && policy == domain.MissPolicyDefaultAdmin {
		return DefaultProfile(principal), nil
	}
	return nil, err
}

// BuildProfile joins a principal with a directory entry.
func BuildProfile(principal domain.Principal, entry *domain.DirectoryEntry) *domain.ResolvedProfile {
	company := entry.Company
	location := entry.Location
	location.CompanyID = company.ID
	return &domain.ResolvedProfile{
		Principal: principal,
		UserID:    entry.User.ID,
		Email:     entry.User.Email,
		Name:      entry.User.Name,
		Role:      domain.ParseRole(string(entry.User.Role)),
		Status:    entry.User.Status,
		Company:   &company,
		Location:  &location,
	}
}

// DefaultProfile is the permissive profile granted by MissPolicyDefaultAdmin:
// admin capabilities and no company or location.
func DefaultProfile(principal domain.Principal) *domain.ResolvedProfile {
	return &domain.ResolvedProfile{
		Principal: principal,
		Email:     principal.Email,
		Role:      domain.RoleAdmin,
		Default:   true,
	}
}
