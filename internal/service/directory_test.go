package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolve_Found(t *testing.T) {
	f := newFixture(t)

	entry, err := f.resolver().Resolve(context.Background(), "sara@acme.com")
	require.NoError(t, err)
	assert.Equal(t, "u-sara", entry.User.ID)
	assert.Equal(t, domain.RoleSales, entry.User.Role)
	assert.Equal(t, "acme", entry.Company.ID)
	assert.Equal(t, "hq", entry.Location.ID)
	assert.Equal(t, "acme", entry.Location.CompanyID)
}

func TestResolve_NotFound(t *testing.T) {
	f := newFixture(t)

	for _, email := range []string{"nobody@acme.com", "Sara@acme.com"} {
		_, err := f.resolver().Resolve(context.Background(), email)
		var notFound *domain.ErrNotFound
		assert.ErrorAs(t, err, &notFound, email)
	}
}

func TestResolve_DuplicateEmailFirstMatchWins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.docs.Set(context.Background(), domain.UserPath("beta", "main", "u-dup"), domain.Document{
		"email": "sara@acme.com",
		"role":  "admin",
	}))

	entry, err := f.resolver().Resolve(context.Background(), "sara@acme.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", entry.Company.ID)
	assert.Equal(t, domain.RoleSales, entry.User.Role)
}

func TestResolve_TransientFailureIsNotNotFound(t *testing.T) {
	f := newFixture(t)
	f.docs.failWhen(failOn("list", "/locations", errors.New("connection reset")))

	_, err := f.resolver().Resolve(context.Background(), "sara@acme.com")
	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	var notFound *domain.ErrNotFound
	assert.False(t, errors.As(err, &notFound))
}

func TestResolveProfile_Policies(t *testing.T) {
	f := newFixture(t)
	stranger := domain.Principal{Subject: "auth0|1", Email: "stranger@example.com"}

	deny := service.NewProfileService(f.resolver(), domain.MissPolicyDeny, f.metrics, zap.NewNop())
	_, err := deny.ResolveProfile(context.Background(), stranger)
	var notFound *domain.ErrNotFound
	assert.ErrorAs(t, err, &notFound)

	fallback := service.NewProfileService(f.resolver(), domain.MissPolicyDefaultAdmin, f.metrics, zap.NewNop())
	profile, err := fallback.ResolveProfile(context.Background(), stranger)
	require.NoError(t, err)
	assert.True(t, profile.Default)
	assert.Equal(t, domain.RoleAdmin, profile.Role)
	assert.Nil(t, profile.Company)
	assert.Nil(t, profile.Location)

	snap := f.metrics.Snapshot()
	assert.Equal(t, float64(1), snap.ProfilesNotFound)
	assert.Equal(t, float64(1), snap.ProfilesDefaulted)
}

func TestResolveProfile_TransientFailureSkipsFallback(t *testing.T) {
	f := newFixture(t)
	f.docs.failWhen(failOn("list", "companies", errors.New("timeout")))

	svc := service.NewProfileService(f.resolver(), domain.MissPolicyDefaultAdmin, f.metrics, zap.NewNop())
	profile, err := svc.ResolveProfile(context.Background(), domain.Principal{Email: "stranger@example.com"})
	assert.Nil(t, profile)
	var ext *domain.ErrExternalService
	assert.ErrorAs(t, err, &ext)
}

func TestResolveProfile_Found(t *testing.T) {
	f := newFixture(t)
	svc := service.NewProfileService(f.resolver(), domain.MissPolicyDeny, f.metrics, zap.NewNop())

	profile, err := svc.ResolveProfile(context.Background(), domain.Principal{Subject: "s1", Email: "gina@acme.com"})
	require.NoError(t, err)
	assert.False(t, profile.Default)
	assert.Equal(t, domain.RoleGeneralManager, profile.Role)
	assert.Equal(t, "acme", profile.CompanyID())
	assert.Equal(t, "north", profile.LocationID())
	assert.Equal(t, "s1", profile.Principal.Subject)
}

func TestResolveProfile_RequiresEmail(t *testing.T) {
	f := newFixture(t)
	svc := service.NewProfileService(f.resolver(), domain.MissPolicyDeny, f.metrics, zap.NewNop())

	_, err := svc.ResolveProfile(context.Background(), domain.Principal{Subject: "s1"})
	var unauthorized *domain.ErrUnauthorized
	assert.ErrorAs(t, err, &unauthorized)
}
