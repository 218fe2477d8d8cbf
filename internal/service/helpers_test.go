package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/memstore"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/port"
	"github.com/boddenberg/crm-bfa-go/internal/service"
	"github.com/boddenberg/crm-bfa-go/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Fault injection ---

// faultyBackend wraps a backend and fails the calls matched by rule.
type faultyBackend struct {
	port.DocumentBackend

	mu   sync.Mutex
	rule func(op, path string) error
}

func newFaultyBackend(inner port.DocumentBackend) *faultyBackend {
	return &faultyBackend{DocumentBackend: inner}
}

func (f *faultyBackend) failWhen(rule func(op, path string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rule = rule
}

func (f *faultyBackend) check(op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rule == nil {
		return nil
	}
	return f.rule(op, path)
}

func (f *faultyBackend) Get(ctx context.Context, path string) (*domain.DocumentSnapshot, error) {
	if err := f.check("get", path); err != nil {
		return nil, err
	}
	return f.DocumentBackend.Get(ctx, path)
}

func (f *faultyBackend) List(ctx context.Context, path string) ([]domain.DocumentSnapshot, error) {
	if err := f.check("list", path); err != nil {
		return nil, err
	}
	return f.DocumentBackend.List(ctx, path)
}

func (f *faultyBackend) Set(ctx context.Context, path string, data domain.Document) error {
	if err := f.check("set", path); err != nil {
		return err
	}
	return f.DocumentBackend.Set(ctx, path, data)
}

func (f *faultyBackend) Update(ctx context.Context, path string, patch domain.Document) error {
	if err := f.check("update", path); err != nil {
		return err
	}
	return f.DocumentBackend.Update(ctx, path, patch)
}

func (f *faultyBackend) Add(ctx context.Context, path string, data domain.Document) (string, error) {
	if err := f.check("add", path); err != nil {
		return "", err
	}
	return f.DocumentBackend.Add(ctx, path, data)
}

func (f *faultyBackend) Delete(ctx context.Context, path string) error {
	if err := f.check("delete", path); err != nil {
		return err
	}
	return f.DocumentBackend.Delete(ctx, path)
}

func failOn(op, pathPart string, err error) func(string, string) error {
	return func(o, p string) error {
		if o == op && strings.Contains(p, pathPart) {
			return err
		}
		return nil
	}
}

// --- Fixtures ---

// seedDirectory writes two companies:
//
//	acme: hq (sara sales, olga operations, adam admin), north (gina general_manager)
//	beta: main (lee leadership)
func seedDirectory(t *testing.T, docs port.DocumentBackend) {
	t.Helper()
	ctx := context.Background()
	writes := map[string]domain.Document{
		domain.CompanyPath("acme"):                 {"name": "Acme Motors"},
		domain.CompanyPath("beta"):                 {"name": "Beta Autos"},
		domain.LocationPath("acme", "hq"):          {"name": "HQ"},
		domain.LocationPath("acme", "north"):       {"name": "North"},
		domain.LocationPath("beta", "main"):        {"name": "Main"},
		domain.UserPath("acme", "hq", "u-sara"):    {"email": "sara@acme.com", "name": "Sara", "role": "sales"},
		domain.UserPath("acme", "hq", "u-olga"):    {"email": "olga@acme.com", "role": "operations"},
		domain.UserPath("acme", "hq", "u-adam"):    {"email": "adam@acme.com", "role": "admin"},
		domain.UserPath("acme", "north", "u-gina"): {"email": "gina@acme.com", "role": "general_manager"},
		domain.UserPath("beta", "main", "u-lee"):   {"email": "lee@beta.com", "role": "leadership"},
	}
	for path, doc := range writes {
		require.NoError(t, docs.Set(ctx, path, doc))
	}
}

type fixture struct {
	docs      *faultyBackend
	companies *store.CompanyRepository
	locations *store.LocationRepository
	users     *store.TenantUserRepository
	records   *store.SalesRecordRepository
	dir       *store.DirectoryReader
	metrics   *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	docs := newFaultyBackend(memstore.New())
	seedDirectory(t, docs)
	f := &fixture{
		docs:      docs,
		companies: store.NewCompanyRepository(docs),
		locations: store.NewLocationRepository(docs),
		users:     store.NewTenantUserRepository(docs),
		records:   store.NewSalesRecordRepository(docs, zap.NewNop()),
		metrics:   observability.NewMetrics(),
	}
	f.dir = store.NewDirectoryReader(f.companies, f.locations, f.users)
	return f
}

func (f *fixture) resolver() *service.DirectoryResolver {
	return service.NewDirectoryResolver(f.dir)
}

func (f *fixture) scope() *service.ScopeCalculator {
	return service.NewScopeCalculator(f.dir, 4, f.metrics, zap.NewNop())
}

func (f *fixture) lifecycle() *service.LifecycleManager {
	return service.NewLifecycleManager(f.records, f.companies, f.metrics, zap.NewNop())
}

func (f *fixture) admin() *service.AdminService {
	return service.NewAdminService(f.companies, f.locations, f.users, f.resolver(), f.scope(), zap.NewNop())
}

// profileOf resolves a seeded user.
func (f *fixture) profileOf(t *testing.T, email string) *domain.ResolvedProfile {
	t.Helper()
	entry, err := f.resolver().Resolve(context.Background(), email)
	require.NoError(t, err)
	return service.BuildProfile(domain.Principal{Email: email}, entry)
}

func prospectRef(id string) domain.RecordRef {
	return domain.RecordRef{CompanyID: "acme", Lifecycle: domain.LifecycleProspect, ID: id}
}

func dealRef(id string) domain.RecordRef {
	return domain.RecordRef{CompanyID: "acme", Lifecycle: domain.LifecycleDeal, ID: id}
}
