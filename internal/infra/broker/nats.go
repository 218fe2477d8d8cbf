package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/port"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the root subject for document change events.
const DefaultSubjectPrefix = "crm.docs"

// NATS publishes change events on subjects derived from the document path,
// e.g. crm.docs.companies.acme.prospects.p1.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

// ConnectNATS dials the server and returns a broker.
func ConnectNATS(url, prefix string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("crm-bfa"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats: disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats: reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATS(nc, prefix, logger), nil
}

// NewNATS wraps an established connection.
func NewNATS(nc *nats.Conn, prefix string, logger *zap.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{
		nc:     nc,
		prefix: prefix,
		logger: logger,
		subs:   make(map[*nats.Subscription]struct{}),
	}
}

// Subject maps a document path to its NATS subject.
func (b *NATS) Subject(path string) string {
	tokens := strings.Split(path, "/")
	for i, t := range tokens {
		tokens[i] = sanitizeToken(t)
	}
	return b.prefix + "." + strings.Join(tokens, ".")
}

// Publish sends ev. NATS publish does not take a context, so ctx is only
// checked before sending.
func (b *NATS) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(ev.Path), data); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe receives every change event under the prefix.
func (b *NATS) Subscribe(handler func(domain.ChangeEvent)) (port.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		var ev domain.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("nats: dropping malformed change event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.prefix, err)
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
				b.logger.Debug("nats: unsubscribe failed", zap.Error(err))
			}
		})
	}, nil
}

// Close drains subscriptions and closes the connection.
func (b *NATS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subs = map[*nats.Subscription]struct{}{}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func sanitizeToken(t string) string {
	if t == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, t)
}
