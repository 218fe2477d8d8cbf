// Package broker carries document change events between store instances:
// an in-process fan-out for single-node runs and NATS for clusters.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/port"
)

// ErrClosed is returned by a closed broker.
var ErrClosed = errors.New("broker closed")

// Memory delivers events synchronously to in-process subscribers.
// Handlers must not block.
type Memory struct {
	mu       sync.RWMutex
	handlers map[uint64]func(domain.ChangeEvent)
	next     uint64
	closed   bool
}

// NewMemory creates an in-process broker.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[uint64]func(domain.ChangeEvent))}
}

// Publish hands ev to every subscriber.
func (m *Memory) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]func(domain.ChangeEvent), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe registers handler for every future event.
func (m *Memory) Subscribe(handler func(domain.ChangeEvent)) (port.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.next++
	id := m.next
	m.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}, nil
}

// Close drops every subscriber.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = map[uint64]func(domain.ChangeEvent){}
	return nil
}
