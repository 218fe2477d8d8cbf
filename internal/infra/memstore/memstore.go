// Package memstore is an in-process document backend. It backs local
// development, the CLI's dry runs and the service tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"

	"github.com/google/uuid"
)

type stored struct {
	data    domain.Document
	version uint64
}

// Store keeps documents in a map keyed by path.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]stored
	version uint64
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs: make(map[string]stored),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the document at path.
func (s *Store) Get(ctx context.Context, path string) (*domain.DocumentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &domain.DocumentSnapshot{Path: path, ID: domain.DocumentID(path)}
	if d, ok := s.docs[path]; ok {
		snap.Data = clone(d.data)
		snap.Exists = true
		snap.Version = d.version
	}
	return snap, nil
}

// List returns the documents directly under collectionPath, ordered by id.
func (s *Store) List(ctx context.Context, collectionPath string) ([]domain.DocumentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := collectionPath + "/"
	out := []domain.DocumentSnapshot{}
	for path, d := range s.docs {
		if !strings.HasPrefix(path, prefix) || strings.Contains(path[len(prefix):], "/") {
			continue
		}
		out = append(out, domain.DocumentSnapshot{
			Path:    path,
			ID:      domain.DocumentID(path),
			Data:    clone(d.data),
			Exists:  true,
			Version: d.version,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Set creates or replaces the document.
func (s *Store) Set(ctx context.Context, path string, data domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := s.prepare(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	s.docs[path] = stored{data: doc, version: s.version}
	return nil
}

// Update replaces the given top-level fields of an existing document.
func (s *Store) Update(ctx context.Context, path string, patch domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := s.prepare(patch)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[path]
	if !ok {
		return &domain.ErrNotFound{Resource: "document", ID: path}
	}
	s.version++
	s.docs[path] = stored{data: domain.ApplyUpdate(cur.data, doc), version: s.version}
	return nil
}

// Add creates a document with a generated id.
func (s *Store) Add(ctx context.Context, collectionPath string, data domain.Document) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, domain.JoinPath(collectionPath, id), data); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes the document at path. Nested collections stay in place.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, path)
	s.version++
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) prepare(data domain.Document) (domain.Document, error) {
	doc, err := domain.Normalize(data)
	if err != nil {
		return nil, err
	}
	return domain.ResolveServerTimestamps(doc, s.now()), nil
}

func clone(doc domain.Document) domain.Document {
	out, err := domain.Normalize(doc)
	if err != nil {
		return domain.Document{}
	}
	return out
}
