package service

import (
	"context"
	"errors"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var scopeTracer = otel.Tracer("service/scope")

// defaultListConcurrency bounds the per-company location listings.
const defaultListConcurrency = 8

// ScopeCalculator derives the companies and locations a profile may view.
type ScopeCalculator struct {
	dir     port.DirectoryReader
	limit   int
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewScopeCalculator(dir port.DirectoryReader, maxConcurrency int, metrics *observability.Metrics, logger *zap.Logger) *ScopeCalculator {
	if maxConcurrency < 1 {
		maxConcurrency = defaultListConcurrency
	}
	return &ScopeCalculator{dir: dir, limit: maxConcurrency, metrics: metrics, logger: logger}
}

// ComputeScope never fails: directory errors produce a degraded scope with
// empty lists and the error message.
func (c *ScopeCalculator) ComputeScope(ctx context.Context, profile *domain.ResolvedProfile) *domain.AccessScope {
	ctx, span := scopeTracer.Start(ctx, "ScopeCalculator.ComputeScope")
	defer span.End()

	if profile == nil {
		return c.degraded(domain.Capabilities{}, errors.New("no resolved profile"))
	}
	perms := profile.Capabilities()
	span.SetAttributes(
		attribute.String("role", string(profile.Role)),
		attribute.String("company.id", profile.CompanyID()),
	)

	companies, err := c.accessibleCompanies(ctx, profile, perms)
	if err != nil {
		return c.degraded(perms, err)
	}
	locations, err := c.accessibleLocations(ctx, profile, perms, companies)
	if err != nil {
		return c.degraded(perms, err)
	}

	return &domain.AccessScope{
		Permissions: perms,
		Companies:   companies,
		Locations:   locations,
	}
}

func (c *ScopeCalculator) accessibleCompanies(ctx context.Context, profile *domain.ResolvedProfile, perms domain.Capabilities) ([]domain.Company, error) {
	if perms.CanViewAllCompanies {
		all, err := c.dir.Companies(ctx)
		if err != nil {
			return nil, err
		}
		if all == nil {
			all = []domain.Company{}
		}
		return all, nil
	}
	if profile.Company == nil {
		return []domain.Company{}, nil
	}
	return []domain.Company{*profile.Company}, nil
}

func (c *ScopeCalculator) accessibleLocations(ctx context.Context, profile *domain.ResolvedProfile, perms domain.Capabilities, companies []domain.Company) ([]domain.Location, error) {
	if !perms.CanViewAllLocations {
		if profile.Location == nil || profile.Company == nil || !containsCompany(companies, profile.Company.ID) {
			return []domain.Location{}, nil
		}
		own := *profile.Location
		own.CompanyID = profile.Company.ID
		return []domain.Location{own}, nil
	}

	perCompany := make([][]domain.Location, len(companies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for i, company := range companies {
		g.Go(func() error {
			locs, err := c.dir.Locations(gctx, company.ID)
			if err != nil {
				return err
			}
			perCompany[i] = locs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type key struct{ company, location string }
	seen := make(map[key]struct{})
	out := []domain.Location{}
	for i, locs := range perCompany {
		for _, l := range locs {
			l.CompanyID = companies[i].ID
			k := key{l.CompanyID, l.ID}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *ScopeCalculator) degraded(perms domain.Capabilities, err error) *domain.AccessScope {
	c.metrics.IncrDegradedScope()
	c.logger.Warn("access scope degraded", zap.Error(err))
	return &domain.AccessScope{
		Permissions: perms,
		Companies:   []domain.Company{},
		Locations:   []domain.Location{},
		Degraded:    true,
		Error:       err.Error(),
	}
}

func containsCompany(list []domain.Company, id string) bool {
	for _, c := range list {
		if c.ID == id {
			return true
		}
	}
	return false
}
