// Package livestore turns a document backend into a subscribable document
// store. Writes publish change events on a broker; subscriptions re-read the
// backend when an event touches their path.
package livestore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("livestore")

// ErrClosed is returned once the store has been closed.
var ErrClosed = errors.New("document store closed")

const (
	kindDocument   = "document"
	kindCollection = "collection"
)

// Store implements port.DocumentStore.
type Store struct {
	backend port.DocumentBackend
	broker  port.ChangeBroker
	name    string
	metrics *observability.Metrics
	logger  *zap.Logger

	seq atomic.Uint64

	mu          sync.Mutex
	subs        map[uint64]*subscription
	nextID      uint64
	closed      bool
	brokerUnsub port.Unsubscribe
}

// New wires backend and broker together. name labels store metrics.
func New(backend port.DocumentBackend, broker port.ChangeBroker, name string, metrics *observability.Metrics, logger *zap.Logger) (*Store, error) {
	s := &Store{
		backend: backend,
		broker:  broker,
		name:    name,
		metrics: metrics,
		logger:  logger,
		subs:    make(map[uint64]*subscription),
	}
	unsub, err := broker.Subscribe(s.dispatch)
	if err != nil {
		return nil, err
	}
	s.brokerUnsub = unsub
	return s, nil
}

// ============================================================
// Reads & writes
// ============================================================

func (s *Store) Get(ctx context.Context, path string) (*domain.DocumentSnapshot, error) {
	ctx, span := tracer.Start(ctx, "DocumentStore.Get")
	defer span.End()
	span.SetAttributes(attribute.String("doc.path", path))

	snap, err := s.backend.Get(ctx, path)
	if err != nil {
		s.fail("get", path, err)
		return nil, err
	}
	snap.Version = s.seq.Add(1)
	return snap, nil
}

func (s *Store) List(ctx context.Context, collectionPath string) ([]domain.DocumentSnapshot, error) {
	ctx, span := tracer.Start(ctx, "DocumentStore.List")
	defer span.End()
	span.SetAttributes(attribute.String("doc.collection", collectionPath))

	docs, err := s.backend.List(ctx, collectionPath)
	if err != nil {
		s.fail("list", collectionPath, err)
		return nil, err
	}
	return docs, nil
}

func (s *Store) Set(ctx context.Context, path string, data domain.Document) error {
	ctx, span := tracer.Start(ctx, "DocumentStore.Set")
	defer span.End()
	span.SetAttributes(attribute.String("doc.path", path))

	if err := s.backend.Set(ctx, path, data); err != nil {
		s.fail("set", path, err)
		return err
	}
	s.publish(ctx, path, domain.OpSet)
	return nil
}

func (s *Store) Update(ctx context.Context, path string, patch domain.Document) error {
	ctx, span := tracer.Start(ctx, "DocumentStore.Update")
	defer span.End()
	span.SetAttributes(attribute.String("doc.path", path))

	if err := s.backend.Update(ctx, path, patch); err != nil {
		s.fail("update", path, err)
		return err
	}
	s.publish(ctx, path, domain.OpUpdate)
	return nil
}

func (s *Store) Add(ctx context.Context, collectionPath string, data domain.Document) (string, error) {
	ctx, span := tracer.Start(ctx, "DocumentStore.Add")
	defer span.End()
	span.SetAttributes(attribute.String("doc.collection", collectionPath))

	id, err := s.backend.Add(ctx, collectionPath, data)
	if err != nil {
		s.fail("add", collectionPath, err)
		return "", err
	}
	s.publish(ctx, domain.JoinPath(collectionPath, id), domain.OpSet)
	return id, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "DocumentStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("doc.path", path))

	if err := s.backend.Delete(ctx, path); err != nil {
		s.fail("delete", path, err)
		return err
	}
	s.publish(ctx, path, domain.OpDelete)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// fail records a backend error. Missing documents are not failures.
func (s *Store) fail(op, path string, err error) {
	var notFound *domain.ErrNotFound
	if errors.As(err, &notFound) {
		return
	}
	s.metrics.IncrStoreError(s.name, op)
	s.logger.Warn("document store: operation failed",
		zap.String("backend", s.name),
		zap.String("op", op),
		zap.String("path", path),
		zap.Error(err),
	)
}

// publish announces a committed write. Publish failures are logged only.
func (s *Store) publish(ctx context.Context, path string, op domain.ChangeOp) {
	ev := domain.ChangeEvent{Path: path, Op: op, At: time.Now().UTC()}
	if err := s.broker.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("document store: change event not published",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

// ============================================================
// Subscriptions
// ============================================================

type subscription struct {
	kind    string
	path    string
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	refresh func(ctx context.Context)
	once    sync.Once
}

func (sub *subscription) matches(path string) bool {
	if sub.kind == kindDocument {
		return sub.path == path
	}
	return domain.ParentPath(path) == sub.path
}

// poke schedules a refresh. Pokes that arrive while one is pending collapse
// into it.
func (sub *subscription) poke() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.wake:
		}
		sub.refresh(sub.ctx)
	}
}

// SubscribeDocument delivers the document at path now and after every change.
// The subscription ends on Unsubscribe or when ctx is done.
func (s *Store) SubscribeDocument(ctx context.Context, path string, onChange func(domain.DocumentSnapshot), onError func(error)) (port.Unsubscribe, error) {
	onError = s.errorHandler(path, onError)
	return s.subscribe(ctx, kindDocument, path, func(subCtx context.Context) {
		version := s.seq.Add(1)
		snap, err := s.backend.Get(subCtx, path)
		if subCtx.Err() != nil {
			return
		}
		if err != nil {
			s.fail("get", path, err)
			onError(err)
			return
		}
		snap.Version = version
		onChange(*snap)
	})
}

// SubscribeCollection delivers the collection membership now and after
// every change to one of its documents.
func (s *Store) SubscribeCollection(ctx context.Context, collectionPath string, onChange func(domain.CollectionSnapshot), onError func(error)) (port.Unsubscribe, error) {
	onError = s.errorHandler(collectionPath, onError)
	return s.subscribe(ctx, kindCollection, collectionPath, func(subCtx context.Context) {
		version := s.seq.Add(1)
		docs, err := s.backend.List(subCtx, collectionPath)
		if subCtx.Err() != nil {
			return
		}
		if err != nil {
			s.fail("list", collectionPath, err)
			onError(err)
			return
		}
		onChange(domain.CollectionSnapshot{Path: collectionPath, Docs: docs, Version: version})
	})
}

func (s *Store) errorHandler(path string, onError func(error)) func(error) {
	if onError != nil {
		return onError
	}
	return func(err error) {
		s.logger.Warn("document store: subscription error",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

func (s *Store) subscribe(ctx context.Context, kind, path string, refresh func(context.Context)) (port.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		kind:    kind,
		path:    path,
		wake:    make(chan struct{}, 1),
		ctx:     subCtx,
		cancel:  cancel,
		refresh: refresh,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	s.mu.Unlock()

	s.metrics.SubscriptionOpened(kind)
	sub.poke()
	go sub.run()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		s.release(sub)
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

func (s *Store) release(sub *subscription) {
	sub.once.Do(func() {
		sub.cancel()
		s.metrics.SubscriptionClosed(sub.kind)
	})
}

// dispatch routes a change event to the subscriptions it affects.
func (s *Store) dispatch(ev domain.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.matches(ev.Path) {
			sub.poke()
		}
	}
}

// ActiveSubscriptions returns the number of live subscriptions.
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close releases every subscription and detaches from the broker.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = map[uint64]*subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		s.release(sub)
	}
	s.brokerUnsub()
	return nil
}
