package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/port"
)

// Memory implements port.IdempotencyStore on a process-local cache. Entries
// live for the cache's TTL; the ttl arguments are ignored.
type Memory struct {
	cache port.Cache[string]
}

func NewMemory(cache port.Cache[string]) *Memory {
	return &Memory{cache: cache}
}

func (m *Memory) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	return m.cache.SetIfAbsent(key, pending), nil
}

func (m *Memory) Complete(_ context.Context, key string, response []byte, _ time.Duration) error {
	m.cache.Set(key, donePrefix+string(response))
	return nil
}

func (m *Memory) Lookup(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok || !strings.HasPrefix(v, donePrefix) {
		return nil, false, nil
	}
	return []byte(strings.TrimPrefix(v, donePrefix)), true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}
