package broker_test

import (
	"context"
	"testing"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemory_PublishFanOut(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	var first, second []string
	unsubFirst, err := b.Subscribe(func(ev domain.ChangeEvent) { first = append(first, ev.Path) })
	require.NoError(t, err)
	_, err = b.Subscribe(func(ev domain.ChangeEvent) { second = append(second, ev.Path) })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), domain.ChangeEvent{Path: "companies/acme", Op: domain.OpSet}))
	unsubFirst()
	unsubFirst()
	require.NoError(t, b.Publish(context.Background(), domain.ChangeEvent{Path: "companies/beta", Op: domain.OpSet}))

	assert.Equal(t, []string{"companies/acme"}, first)
	assert.Equal(t, []string{"companies/acme", "companies/beta"}, second)
}

func TestMemory_Closed(t *testing.T) {
	b := broker.NewMemory()
	require.NoError(t, b.Close())

	_, err := b.Subscribe(func(domain.ChangeEvent) {})
	assert.ErrorIs(t, err, broker.ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), domain.ChangeEvent{Path: "x/y"}), broker.ErrClosed)
}

func TestNATS_Subject(t *testing.T) {
	b := broker.NewNATS(nil, "", zap.NewNop())

	assert.Equal(t, "crm.docs.companies.acme.prospects.p1", b.Subject("companies/acme/prospects/p1"))
	assert.Equal(t, "crm.docs.companies.a_b_c", b.Subject("companies/a.b*c"))
}
