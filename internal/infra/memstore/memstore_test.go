package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := memstore.New(memstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "companies/acme", domain.Document{
		"name":      "Acme",
		"createdAt": domain.ServerTimestamp,
		"tags":      []string{"a"},
	}))

	snap, err := s.Get(ctx, "companies/acme")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, "acme", snap.ID)
	assert.Equal(t, "2026-03-01T12:00:00Z", snap.Data["createdAt"])
	assert.Equal(t, []any{"a"}, snap.Data["tags"])

	require.NoError(t, s.Update(ctx, "companies/acme", domain.Document{"phone": "555"}))
	snap, err = s.Get(ctx, "companies/acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", snap.Data["name"])
	assert.Equal(t, "555", snap.Data["phone"])
}

func TestStore_GetMissing(t *testing.T) {
	s := memstore.New()
	snap, err := s.Get(context.Background(), "companies/none")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestStore_UpdateMissing(t *testing.T) {
	s := memstore.New()
	err := s.Update(context.Background(), "companies/none", domain.Document{"a": 1})
	var notFound *domain.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestStore_ListDirectChildrenOnly(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "companies/acme/prospects/p2", domain.Document{}))
	require.NoError(t, s.Set(ctx, "companies/acme/prospects/p1", domain.Document{}))
	require.NoError(t, s.Set(ctx, "companies/acme/prospects/p1/deposits/d1", domain.Document{}))
	require.NoError(t, s.Set(ctx, "companies/acme/deals/p3", domain.Document{}))

	docs, err := s.List(ctx, "companies/acme/prospects")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "p1", docs[0].ID)
	assert.Equal(t, "p2", docs[1].ID)
}

func TestStore_DeleteKeepsSubcollections(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "companies/acme/prospects/p1", domain.Document{}))
	require.NoError(t, s.Set(ctx, "companies/acme/prospects/p1/notes/n1", domain.Document{}))

	require.NoError(t, s.Delete(ctx, "companies/acme/prospects/p1"))

	notes, err := s.List(ctx, "companies/acme/prospects/p1/notes")
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestStore_ReturnedDataIsACopy(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "companies/acme", domain.Document{"name": "Acme"}))

	snap, _ := s.Get(ctx, "companies/acme")
	snap.Data["name"] = "Mutated"

	again, _ := s.Get(ctx, "companies/acme")
	assert.Equal(t, "Acme", again.Data["name"])
}

func TestStore_Add(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id, err := s.Add(ctx, "companies/acme/prospects/p1/notes", domain.Document{"text": "called"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	snap, err := s.Get(ctx, "companies/acme/prospects/p1/notes/"+id)
	require.NoError(t, err)
	assert.Equal(t, "called", snap.Data["text"])
}
