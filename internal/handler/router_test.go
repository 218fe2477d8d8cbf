package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/handler"
	"github.com/boddenberg/crm-bfa-go/internal/infra/broker"
	"github.com/boddenberg/crm-bfa-go/internal/infra/cache"
	"github.com/boddenberg/crm-bfa-go/internal/infra/idempotency"
	"github.com/boddenberg/crm-bfa-go/internal/infra/livestore"
	"github.com/boddenberg/crm-bfa-go/internal/infra/memstore"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/service"
	"github.com/boddenberg/crm-bfa-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Operational endpoints ---

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuthNotConfigured(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, observability.NewMetrics(), zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/me", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- API fixture ---

type testAPI struct {
	handler http.Handler
	tokens  *service.TokenVerifier
	metrics *observability.Metrics
	docs    *livestore.Store
}

func newTestAPI(t *testing.T, policy domain.MissPolicy) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	docs, err := livestore.New(memstore.New(), broker.NewMemory(), "memory", metrics, logger)
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	ctx := context.Background()
	for path, doc := range map[string]domain.Document{
		domain.CompanyPath("acme"):                 {"name": "Acme Motors"},
		domain.CompanyPath("beta"):                 {"name": "Beta Autos"},
		domain.LocationPath("acme", "hq"):          {"name": "HQ"},
		domain.LocationPath("acme", "north"):       {"name": "North"},
		domain.LocationPath("beta", "main"):        {"name": "Main"},
		domain.UserPath("acme", "hq", "u-sara"):    {"email": "sara@acme.com", "role": "sales"},
		domain.UserPath("acme", "north", "u-gina"): {"email": "gina@acme.com", "role": "general_manager"},
		domain.UserPath("beta", "main", "u-lee"):   {"email": "lee@beta.com", "role": "leadership"},
	} {
		require.NoError(t, docs.Set(ctx, path, doc))
	}

	companies := store.NewCompanyRepository(docs)
	locations := store.NewLocationRepository(docs)
	users := store.NewTenantUserRepository(docs)
	dir := store.NewDirectoryReader(companies, locations, users)
	resolver := service.NewDirectoryResolver(dir)
	scope := service.NewScopeCalculator(dir, 4, metrics, logger)

	idemCache := cache.New[string](time.Minute)
	t.Cleanup(idemCache.Close)

	tokens := service.NewTokenVerifier("test-secret", "")
	svc := handler.Services{
		Tokens:         tokens,
		Profiles:       service.NewProfileService(resolver, policy, metrics, logger),
		Scope:          scope,
		Admin:          service.NewAdminService(companies, locations, users, resolver, scope, logger),
		Lifecycle:      service.NewLifecycleManager(store.NewSalesRecordRepository(docs, logger), companies, metrics, logger),
		Docs:           docs,
		Idempotency:    idempotency.NewMemory(idemCache),
		IdempotencyTTL: time.Minute,
		SSEHeartbeat:   time.Hour,
	}
	return &testAPI{
		handler: handler.NewRouter(svc, metrics, logger),
		tokens:  tokens,
		metrics: metrics,
		docs:    docs,
	}
}

func (a *testAPI) token(t *testing.T, email string) string {
	t.Helper()
	tok, err := a.tokens.Sign(domain.Principal{Subject: "sub-" + email, Email: email}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, email string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if email != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, email))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// --- Authentication & profile ---

func TestPrincipalMiddleware(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)

	rec := api.do(t, http.MethodGet, "/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/me", "", nil, "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/me", "", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)

	rec := api.do(t, http.MethodGet, "/v1/me", "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	profile := decode[domain.ResolvedProfile](t, rec)
	assert.Equal(t, domain.RoleSales, profile.Role)
	assert.Equal(t, "acme", profile.CompanyID())
	assert.Equal(t, "hq", profile.LocationID())
	assert.False(t, profile.Default)

	rec = api.do(t, http.MethodGet, "/v1/me", "nobody@acme.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMe_DefaultAdminPolicy(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDefaultAdmin)

	rec := api.do(t, http.MethodGet, "/v1/me", "nobody@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	profile := decode[domain.ResolvedProfile](t, rec)
	assert.True(t, profile.Default)
	assert.Equal(t, domain.RoleAdmin, profile.Role)
	assert.Equal(t, float64(1), api.metrics.Snapshot().ProfilesDefaulted)
}

func TestScope(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)

	rec := api.do(t, http.MethodGet, "/v1/me/scope", "gina@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scope := decode[domain.AccessScope](t, rec)
	assert.False(t, scope.Degraded)
	require.Len(t, scope.Companies, 1)
	assert.Equal(t, "acme", scope.Companies[0].ID)
	assert.Len(t, scope.Locations, 2)
	assert.True(t, scope.Permissions.CanManageUsers)
}

func TestSignup(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)

	rec := api.do(t, http.MethodPost, "/v1/signup", "owner@gamma.com", domain.SignupRequest{CompanyName: "Gamma Cars"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	profile := decode[domain.ResolvedProfile](t, rec)
	assert.Equal(t, domain.RoleAdmin, profile.Role)

	rec = api.do(t, http.MethodGet, "/v1/me", "owner@gamma.com", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/signup", "owner@gamma.com", domain.SignupRequest{CompanyName: "Again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/signup", "x@gamma.com", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Directory administration ---

func TestAdminRoutes(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)

	rec := api.do(t, http.MethodGet, "/v1/companies", "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	companies := decode[domain.ListResponse[domain.Company]](t, rec)
	assert.Equal(t, 1, companies.Total)

	rec = api.do(t, http.MethodGet, "/v1/companies/acme/locations", "gina@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[domain.ListResponse[domain.Location]](t, rec).Total)

	rec = api.do(t, http.MethodPost, "/v1/companies/acme/locations/north/users", "gina@acme.com",
		domain.UserRequest{Email: "new@acme.com", Role: "sales"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decode[domain.TenantUser](t, rec)

	rec = api.do(t, http.MethodPut, "/v1/companies/acme/locations/north/users/"+user.ID+"/role", "gina@acme.com",
		map[string]string{"role": "operations"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.RoleOperations, decode[domain.TenantUser](t, rec).Role)

	rec = api.do(t, http.MethodGet, "/v1/companies/acme/users", "sara@acme.com", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/companies", "gina@acme.com", domain.CompanyRequest{Name: "Nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// --- Records ---

func createProspect(t *testing.T, api *testAPI, email string, body domain.Document) domain.SalesRecord {
	t.Helper()
	rec := api.do(t, http.MethodPost, "/v1/companies/acme/prospects", email, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.SalesRecord](t, rec)
}

func TestRecordRoutes(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)
	p := createProspect(t, api, "sara@acme.com", domain.Document{"firstName": "Ana", "lastName": "Lima"})
	assert.Equal(t, "sara@acme.com", p.AssignedTo)
	base := "/v1/companies/acme/prospects/" + p.ID

	rec := api.do(t, http.MethodPut, base+"/buyer-info", "sara@acme.com", domain.BuyerInfo{FirstName: "Ana", MonthlyIncome: 4100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, base+"/financing/conditions", "sara@acme.com", map[string]string{"text": "proof of income"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fin := decode[domain.Financing](t, rec)
	require.Len(t, fin.Conditions, 1)
	condID := string(fin.Conditions[0].ID)

	rec = api.do(t, http.MethodPost, base+"/financing/conditions/"+condID+"/clear", "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fin = decode[domain.Financing](t, rec)
	assert.Empty(t, fin.Conditions)
	assert.Len(t, fin.ClearedConditions, 1)

	rec = api.do(t, http.MethodDelete, base+"/financing/cleared-conditions/"+condID, "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[domain.Financing](t, rec).ClearedConditions)

	rec = api.do(t, http.MethodPost, base+"/activity/notes", "sara@acme.com", domain.Document{"text": "called"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = api.do(t, http.MethodGet, base+"/activity/notes", "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.ListResponse[domain.Document]](t, rec).Total)

	rec = api.do(t, http.MethodPost, base+"/activity/gossip", "sara@acme.com", domain.Document{"text": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, base, "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.SalesRecord](t, rec)
	require.NotNil(t, got.BuyerInfo)
	assert.Equal(t, float64(4100), got.BuyerInfo.MonthlyIncome)

	rec = api.do(t, http.MethodGet, "/v1/companies/acme/prospects", "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.ListResponse[domain.SalesRecord]](t, rec).Total)

	rec = api.do(t, http.MethodGet, "/v1/companies/acme/widgets", "sara@acme.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/companies/beta/prospects/"+p.ID, "sara@acme.com", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRecordScoping(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)
	p := createProspect(t, api, "gina@acme.com", domain.Document{"firstName": "Rui", "assignedTo": "gina@acme.com"})

	rec := api.do(t, http.MethodGet, "/v1/companies/acme/prospects/"+p.ID, "sara@acme.com", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/companies/acme/prospects", "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[domain.ListResponse[domain.SalesRecord]](t, rec).Total)
}

func TestConvert_IdempotencyKey(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)
	p := createProspect(t, api, "sara@acme.com", domain.Document{"firstName": "Ana"})
	path := "/v1/companies/acme/prospects/" + p.ID + "/convert"

	first := api.do(t, http.MethodPost, path, "sara@acme.com", nil, handler.IdempotencyHeader, "k1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	result := decode[domain.ConversionResult](t, first)
	assert.Equal(t, p.ID, result.DealID)
	assert.False(t, result.Resumed)

	replay := api.do(t, http.MethodPost, path, "sara@acme.com", nil, handler.IdempotencyHeader, "k1")
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())

	again := api.do(t, http.MethodPost, path, "sara@acme.com", nil)
	assert.Equal(t, http.StatusBadRequest, again.Code)

	rec := api.do(t, http.MethodGet, "/v1/companies/acme/deals/"+p.ID, "sara@acme.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	deal := decode[domain.SalesRecord](t, rec)
	assert.True(t, deal.ConvertedFromProspect)
	assert.Equal(t, domain.StageApplication, deal.Stage)

	summary := api.metrics.Snapshot()
	assert.Equal(t, float64(1), summary.ConversionsSucceeded)
	assert.Equal(t, float64(1), summary.IdempotentReplays)
}

func TestConvert_OnlyProspects(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)

	rec := api.do(t, http.MethodPost, "/v1/companies/acme/leads/l1/convert", "sara@acme.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitApplication(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)

	rec := api.do(t, http.MethodPost, "/v1/public/companies/acme/applications", "", domain.LoanApplication{
		BuyerInfo: domain.BuyerInfo{FirstName: "Ana", LastName: "Lima", Email: "ana@mail.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	app := decode[domain.SalesRecord](t, rec)
	assert.Equal(t, "application", app.Source)

	rec = api.do(t, http.MethodPost, "/v1/public/companies/ghost/applications", "", domain.LoanApplication{
		BuyerInfo: domain.BuyerInfo{FirstName: "Ana", LastName: "Lima", Email: "ana@mail.com"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsSummary(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)
	api.do(t, http.MethodGet, "/v1/me", "sara@acme.com", nil)

	rec := api.do(t, http.MethodGet, "/v1/metrics/summary", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[domain.MetricsSummary](t, rec).ProfilesResolved)
}

// --- Streams ---

type sseEvent struct {
	name string
	data string
}

// readEvent returns the next event that is not a heartbeat.
func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			if ev.name != handler.EventHeartbeat {
				return ev
			}
			ev = sseEvent{}
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ev
}

func openStream(t *testing.T, api *testAPI, path, email string) (*bufio.Scanner, func()) {
	t.Helper()
	srv := httptest.NewServer(api.handler)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+api.token(t, email))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewScanner(resp.Body), func() {
		cancel()
		resp.Body.Close()
		srv.Close()
	}
}

func TestProfileStream(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)
	sc, closeStream := openStream(t, api, "/v1/me/stream", "sara@acme.com")

	ev := readEvent(t, sc)
	require.Equal(t, handler.EventProfile, ev.name)
	var first service.ProfileUpdate
	require.NoError(t, json.Unmarshal([]byte(ev.data), &first))
	require.NotNil(t, first.Profile)
	assert.Equal(t, domain.RoleSales, first.Profile.Role)

	require.NoError(t, api.docs.Update(context.Background(), domain.UserPath("acme", "hq", "u-sara"),
		domain.Document{"role": "general_manager"}))

	// Earlier recomputations may still be queued; read until the new role shows.
	var second service.ProfileUpdate
	for second.Profile == nil || second.Profile.Role != domain.RoleGeneralManager {
		ev = readEvent(t, sc)
		require.Equal(t, handler.EventProfile, ev.name)
		second = service.ProfileUpdate{}
		require.NoError(t, json.Unmarshal([]byte(ev.data), &second))
	}
	assert.Greater(t, second.Version, first.Version)
	assert.Len(t, second.Scope.Locations, 2)

	closeStream()
	assert.Eventually(t, func() bool { return api.docs.ActiveSubscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRecordStream(t *testing.T) {
	api := newTestAPI(t, domain.MissPolicyDeny)
	p := createProspect(t, api, "sara@acme.com", domain.Document{"firstName": "Ana"})
	sc, closeStream := openStream(t, api, "/v1/companies/acme/prospects/"+p.ID+"/stream", "sara@acme.com")
	defer closeStream()

	ev := readEvent(t, sc)
	require.Equal(t, handler.EventRecord, ev.name)
	var view service.RecordView
	require.NoError(t, json.Unmarshal([]byte(ev.data), &view))
	assert.True(t, view.Record.Exists)
	assert.Len(t, view.Subcollections, len(domain.Subcollections))
}
