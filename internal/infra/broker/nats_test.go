package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// startNATS runs a throwaway NATS server container and returns its URL.
func startNATS(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	url, err := ctr.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	return url
}

type received struct {
	mu  sync.Mutex
	evs []domain.ChangeEvent
}

func (r *received) add(ev domain.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *received) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	for _, ev := range r.evs {
		out = append(out, ev.Path)
	}
	return out
}

func TestNATS_PublishSubscribeRoundTrip(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	pub, err := broker.ConnectNATS(url, "crm.test", zap.NewNop())
	require.NoError(t, err)
	defer pub.Close()
	sub, err := broker.ConnectNATS(url, "crm.test", zap.NewNop())
	require.NoError(t, err)
	defer sub.Close()

	got := &received{}
	unsubscribe, err := sub.Subscribe(got.add)
	require.NoError(t, err)

	// Other prefixes stay separate.
	other, err := broker.ConnectNATS(url, "crm.other", zap.NewNop())
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Publish(ctx, domain.ChangeEvent{Path: "companies/zeta", Op: domain.OpSet}))

	require.Eventually(t, func() bool {
		require.NoError(t, pub.Publish(ctx, domain.ChangeEvent{Path: "companies/acme/prospects/p.1", Op: domain.OpSet}))
		return len(got.paths()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	got.mu.Lock()
	first := got.evs[0]
	got.mu.Unlock()
	assert.Equal(t, "companies/acme/prospects/p.1", first.Path)
	assert.Equal(t, domain.OpSet, first.Op)
	assert.NotContains(t, got.paths(), "companies/zeta")

	unsubscribe()
	unsubscribe()
	require.NoError(t, pub.Publish(ctx, domain.ChangeEvent{Path: "companies/acme/leads/l1", Op: domain.OpDelete}))
	assert.Never(t, func() bool {
		for _, p := range got.paths() {
			if p == "companies/acme/leads/l1" {
				return true
			}
		}
		return false
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestNATS_Close(t *testing.T) {
	url := startNATS(t)

	b, err := broker.ConnectNATS(url, "", zap.NewNop())
	require.NoError(t, err)
	_, err = b.Subscribe(func(domain.ChangeEvent) {})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Subscribe(func(domain.ChangeEvent) {})
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestNATS_ConnectFailure(t *testing.T) {
	_, err := broker.ConnectNATS("nats://127.0.0.1:1", "", zap.NewNop())
	assert.Error(t, err)
}
