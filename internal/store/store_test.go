package store_test

import (
	"context"
	"testing"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/memstore"
	"github.com/boddenberg/crm-bfa-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTenantRepositories_RoundTrip(t *testing.T) {
	ctx := context.Background()
	docs := memstore.New()
	companies := store.NewCompanyRepository(docs)
	locations := store.NewLocationRepository(docs)
	users := store.NewTenantUserRepository(docs)

	acme, err := companies.Create(ctx, &domain.Company{ID: "acme", Name: "Acme Motors"})
	require.NoError(t, err)
	assert.Equal(t, "acme", acme.ID)
	assert.NotNil(t, acme.CreatedAt)

	hq, err := locations.Create(ctx, &domain.Location{ID: "hq", CompanyID: "acme", Name: "HQ"})
	require.NoError(t, err)
	assert.Equal(t, "acme", hq.CompanyID)

	sara, err := users.Create(ctx, &domain.TenantUser{
		CompanyID:  "acme",
		LocationID: "hq",
		Email:      "sara@acme.com",
		Role:       domain.RoleSales,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sara.ID)
	assert.Equal(t, "hq", sara.LocationID)

	dir := store.NewDirectoryReader(companies, locations, users)
	list, err := dir.Users(ctx, "acme", "hq")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sara@acme.com", list[0].Email)

	require.NoError(t, users.UpdateRole(ctx, "acme", "hq", sara.ID, domain.RoleGeneralManager))
	got, err := users.Get(ctx, "acme", "hq", sara.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleGeneralManager, got.Role)
}

func TestCompanyRepository_GetMissing(t *testing.T) {
	_, err := store.NewCompanyRepository(memstore.New()).Get(context.Background(), "nope")
	var notFound *domain.ErrNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "company", notFound.Resource)
}

func TestTenantUserRepository_UnknownRoleDecodesAsSales(t *testing.T) {
	ctx := context.Background()
	docs := memstore.New()
	require.NoError(t, docs.Set(ctx, domain.UserPath("acme", "hq", "u1"), domain.Document{
		"email": "x@acme.com",
		"role":  "superuser",
	}))
	require.NoError(t, docs.Set(ctx, domain.UserPath("acme", "hq", "u2"), domain.Document{
		"email": "y@acme.com",
		"role":  42,
	}))

	list, err := store.NewTenantUserRepository(docs).List(ctx, "acme", "hq")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoleSales, list[0].Role)
	assert.Equal(t, domain.RoleSales, list[1].Role)
}

func TestSalesRecordRepository(t *testing.T) {
	ctx := context.Background()
	docs := memstore.New()
	repo := store.NewSalesRecordRepository(docs, zap.NewNop())

	id, err := repo.Create(ctx, "acme", domain.LifecycleProspect, domain.Document{
		"firstName": "Ana",
		"financing": domain.Document{
			"conditions": []any{domain.Document{"id": 1, "text": "X"}},
		},
	})
	require.NoError(t, err)

	ref := domain.RecordRef{CompanyID: "acme", Lifecycle: domain.LifecycleProspect, ID: id}
	rec, err := repo.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "acme", rec.CompanyID)
	require.NotNil(t, rec.Financing)
	require.Len(t, rec.Financing.Conditions, 1)
	assert.EqualValues(t, "1", rec.Financing.Conditions[0].ID)

	require.NoError(t, repo.SetSub(ctx, ref, domain.SubDeposits, "d1", domain.Document{"amount": 500}))
	_, err = repo.AddSub(ctx, ref, domain.SubDeposits, domain.Document{"amount": 250})
	require.NoError(t, err)
	deposits, err := repo.ListSub(ctx, ref, domain.SubDeposits)
	require.NoError(t, err)
	assert.Len(t, deposits, 2)

	require.NoError(t, repo.Delete(ctx, ref))
	_, err = repo.Get(ctx, ref)
	var notFound *domain.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestDecodeSalesRecord_KeepsWellTypedFields(t *testing.T) {
	rec, mismatched := store.DecodeSalesRecord("acme", "p1", domain.Document{
		"id":         "ignored",
		"firstName":  "Rui",
		"assignedTo": 42,
		"locationId": "hq",
		"buyerInfo":  map[string]any{"firstName": "Rui", "monthlyIncome": "5000"},
		"createdAt":  map[string]any{"seconds": 1700000000},
	})
	assert.Equal(t, []string{"assignedTo", "buyerInfo", "createdAt"}, mismatched)
	assert.Equal(t, "p1", rec.ID)
	assert.Equal(t, "acme", rec.CompanyID)
	assert.Equal(t, "Rui", rec.FirstName)
	assert.Equal(t, "42", rec.AssignedTo)
	assert.Equal(t, "hq", rec.LocationID)
	require.NotNil(t, rec.BuyerInfo)
	assert.Equal(t, "Rui", rec.BuyerInfo.FirstName)
	assert.Zero(t, rec.BuyerInfo.MonthlyIncome)

	_, mismatched = store.DecodeSalesRecord("acme", "p2", domain.Document{"firstName": "Ana"})
	assert.Empty(t, mismatched)
}

func TestSalesRecordRepository_ListSurvivesMistypedRecord(t *testing.T) {
	ctx := context.Background()
	docs := memstore.New()
	repo := store.NewSalesRecordRepository(docs, zap.NewNop())
	require.NoError(t, docs.Set(ctx, domain.RecordsPath("acme", domain.LifecycleProspect)+"/p1", domain.Document{
		"firstName": "Rui",
		"buyerInfo": domain.Document{"monthlyIncome": "5000"},
	}))
	require.NoError(t, docs.Set(ctx, domain.RecordsPath("acme", domain.LifecycleProspect)+"/p2", domain.Document{
		"firstName": "Ana",
	}))

	list, err := repo.List(ctx, "acme", domain.LifecycleProspect)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Rui", list[0].FirstName)
	assert.Equal(t, "Ana", list[1].FirstName)
}
