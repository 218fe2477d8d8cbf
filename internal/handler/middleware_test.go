package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/idempotency"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func idempotentRequest(key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/companies/acme/prospects/p1/convert", nil)
	ctx := context.WithValue(req.Context(), principalKey, domain.Principal{Email: "sara@acme.com"})
	req = req.WithContext(ctx)
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	return req
}

func newRedisIdempotency(t *testing.T) *idempotency.Redis {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return idempotency.NewRedis(client, "test:")
}

func TestIdempotencyMiddleware_RejectsConcurrentReplay(t *testing.T) {
	store := newRedisIdempotency(t)
	metrics := observability.NewMetrics()

	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	h := IdempotencyMiddleware(store, time.Minute, metrics, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		writeJSON(w, http.StatusOK, map[string]string{"dealId": "p1"})
	}))

	firstDone := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, idempotentRequest("k1"))
		firstDone <- rec
	}()
	<-entered

	concurrent := httptest.NewRecorder()
	h.ServeHTTP(concurrent, idempotentRequest("k1"))
	assert.Equal(t, http.StatusConflict, concurrent.Code)

	close(release)
	first := <-firstDone
	require.Equal(t, http.StatusOK, first.Code)

	replay := httptest.NewRecorder()
	h.ServeHTTP(replay, idempotentRequest("k1"))
	assert.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, float64(1), metrics.Snapshot().IdempotentReplays)
}

func TestIdempotencyMiddleware_ServerErrorsReleaseKey(t *testing.T) {
	store := newRedisIdempotency(t)
	var calls atomic.Int32
	h := IdempotencyMiddleware(store, time.Minute, observability.NewMetrics(), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeError(w, http.StatusBadGateway, "copy failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"dealId": "p1"})
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, idempotentRequest("k2"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, idempotentRequest("k2"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyMiddleware_KeysArePerPrincipal(t *testing.T) {
	store := newRedisIdempotency(t)
	var calls atomic.Int32
	h := IdempotencyMiddleware(store, time.Minute, observability.NewMetrics(), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("k3"))

	other := idempotentRequest("k3")
	other = other.WithContext(context.WithValue(other.Context(), principalKey, domain.Principal{Email: "gina@acme.com"}))
	h.ServeHTTP(httptest.NewRecorder(), other)

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest(""))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHandleServiceError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&domain.ErrNotFound{Resource: "prospect", ID: "p1"}, http.StatusNotFound},
		{&domain.ErrValidation{Field: "email", Message: "is required"}, http.StatusBadRequest},
		{&domain.ErrForbidden{Action: "convert"}, http.StatusForbidden},
		{&domain.ErrUnauthorized{}, http.StatusUnauthorized},
		{&domain.ErrConflict{Message: "deal exists"}, http.StatusConflict},
		{&domain.ErrDuplicate{Key: "k"}, http.StatusConflict},
		{&domain.ErrCircuitOpen{Service: "supabase"}, http.StatusServiceUnavailable},
		{&domain.ErrTimeout{Operation: "postgres get", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&domain.ErrExternalService{Service: "postgres/documents", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&domain.ErrExternalService{Service: "postgres/documents", Err: assert.AnError}, http.StatusServiceUnavailable},
		{&domain.ErrPartialConversion{ProspectID: "p1", Step: "write_deal", Err: &domain.ErrExternalService{Service: "x", Err: assert.AnError}}, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handleServiceError(rec, tc.err, zap.NewNop())
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}
