package service

import (
	"context"
	"sync"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/port"

	"go.uber.org/zap"
)

// RecordView is the live state of one sales record and its sub-collections.
type RecordView struct {
	Ref            domain.RecordRef                           `json:"ref"`
	Record         domain.DocumentSnapshot                    `json:"record"`
	Subcollections map[domain.Subcollection][]domain.Document `json:"subcollections"`
	Version        uint64                                     `json:"version"`
}

// RecordWatcher keeps a RecordView in sync with the store. It emits once the
// record and all of its sub-collections have delivered, then on every change.
type RecordWatcher struct {
	docs   port.DocumentStore
	logger *zap.Logger

	mu       sync.Mutex
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	ref      domain.RecordRef
	onUpdate func(RecordView)
	onError  func(error)
	unsubs   []port.Unsubscribe
	record   *domain.DocumentSnapshot
	subs     map[domain.Subcollection]domain.CollectionSnapshot
	computed uint64

	emitMu  sync.Mutex
	emitted uint64
}

func NewRecordWatcher(docs port.DocumentStore, logger *zap.Logger) *RecordWatcher {
	return &RecordWatcher{docs: docs, logger: logger}
}

// Watch starts watching ref. onUpdate and onError run on store goroutines
// and are never called concurrently with each other for the same watcher.
func (w *RecordWatcher) Watch(ctx context.Context, ref domain.RecordRef, onUpdate func(RecordView), onError func(error)) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseLocked()

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.stopped = false
	w.onUpdate = onUpdate
	w.onError = onError
	return w.attachLocked(ref)
}

// Retarget switches the watch to another record. Subscriptions of the
// previous record are released before the new ones are made. Pending
// deliveries for the previous record are dropped, and a callback in progress
// finishes before Retarget returns.
func (w *RecordWatcher) Retarget(ref domain.RecordRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.cancel == nil {
		return ErrWatcherStopped
	}
	w.detachLocked()
	return w.attachLocked(ref)
}

// Stop releases every subscription and waits for a callback in progress.
// It is safe to call more than once but not from inside a callback.
func (w *RecordWatcher) Stop() {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseLocked()
	w.stopped = true
}

// Ref returns the record currently watched.
func (w *RecordWatcher) Ref() domain.RecordRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ref
}

func (w *RecordWatcher) releaseLocked() {
	w.detachLocked()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *RecordWatcher) detachLocked() {
	w.gen++
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
	w.record = nil
	w.subs = nil
}

func (w *RecordWatcher) attachLocked(ref domain.RecordRef) error {
	w.ref = ref
	w.subs = make(map[domain.Subcollection]domain.CollectionSnapshot, len(domain.Subcollections))
	gen := w.gen

	unsub, err := w.docs.SubscribeDocument(w.ctx, ref.Path(),
		func(snap domain.DocumentSnapshot) { w.handleRecord(gen, snap) },
		func(err error) { w.handleError(gen, err) },
	)
	if err != nil {
		w.detachLocked()
		return err
	}
	w.unsubs = append(w.unsubs, unsub)

	for _, sub := range domain.Subcollections {
		unsub, err := w.docs.SubscribeCollection(w.ctx, ref.SubPath(sub),
			func(snap domain.CollectionSnapshot) { w.handleSub(gen, sub, snap) },
			func(err error) { w.handleError(gen, err) },
		)
		if err != nil {
			w.detachLocked()
			return err
		}
		w.unsubs = append(w.unsubs, unsub)
	}
	return nil
}

func (w *RecordWatcher) handleRecord(gen uint64, snap domain.DocumentSnapshot) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	if w.record != nil && w.record.Version >= snap.Version {
		w.mu.Unlock()
		return
	}
	w.record = &snap
	w.publishLocked(gen)
}

func (w *RecordWatcher) handleSub(gen uint64, sub domain.Subcollection, snap domain.CollectionSnapshot) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	if prev, ok := w.subs[sub]; ok && prev.Version >= snap.Version {
		w.mu.Unlock()
		return
	}
	w.subs[sub] = snap
	w.publishLocked(gen)
}

// publishLocked is called with mu held and releases it.
func (w *RecordWatcher) publishLocked(gen uint64) {
	if w.record == nil || len(w.subs) < len(domain.Subcollections) {
		w.mu.Unlock()
		return
	}
	w.computed++
	view := RecordView{
		Ref:            w.ref,
		Record:         *w.record,
		Subcollections: make(map[domain.Subcollection][]domain.Document, len(w.subs)),
		Version:        w.computed,
	}
	for sub, snap := range w.subs {
		docs := make([]domain.Document, 0, len(snap.Docs))
		for _, d := range snap.Docs {
			docs = append(docs, d.WithID())
		}
		view.Subcollections[sub] = docs
	}
	onUpdate := w.onUpdate
	w.mu.Unlock()

	w.deliver(gen, view.Version, func() { onUpdate(view) })
}

func (w *RecordWatcher) handleError(gen uint64, err error) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.computed++
	version := w.computed
	onError := w.onError
	path := w.ref.Path()
	w.mu.Unlock()

	w.logger.Warn("record watcher: subscription failed", zap.String("path", path), zap.Error(err))
	if onError != nil {
		w.deliver(gen, version, func() { onError(&domain.ErrExternalService{Service: "document store", Err: err}) })
	}
}

// deliver runs fn unless a newer delivery happened or the target changed.
func (w *RecordWatcher) deliver(gen, version uint64, fn func()) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if version <= w.emitted {
		return
	}
	w.mu.Lock()
	current := gen == w.gen
	w.mu.Unlock()
	if !current {
		return
	}
	w.emitted = version
	fn()
}
