package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/port"
	"github.com/boddenberg/crm-bfa-go/internal/store"

	"go.uber.org/zap"
)

// ErrWatcherStopped is returned by watcher calls made after Stop.
var ErrWatcherStopped = errors.New("watcher stopped")

// ProfileUpdate is one recomputation of a principal's profile and scope.
// Err is set when the profile could not be resolved.
type ProfileUpdate struct {
	Profile *domain.ResolvedProfile `json:"profile,omitempty"`
	Scope   *domain.AccessScope     `json:"scope,omitempty"`
	Err     error                   `json:"-"`
	Version uint64                  `json:"version"`
}

// ProfileWatcher keeps a principal's profile and scope in sync with the
// directory. It subscribes to the companies collection, the locations
// collection of every company and the users collection of every location.
// Each delivered snapshot updates the dependency list; paths that left the
// list are unsubscribed and new ones subscribed. Profile and scope are then
// recomputed from the held snapshots without further reads.
type ProfileWatcher struct {
	docs    port.DocumentStore
	policy  domain.MissPolicy
	metrics *observability.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	principal domain.Principal
	onUpdate  func(ProfileUpdate)
	subs      map[string]port.Unsubscribe
	snaps     map[string]domain.CollectionSnapshot
	computed  uint64

	emitMu  sync.Mutex
	emitted uint64
}

func NewProfileWatcher(docs port.DocumentStore, policy domain.MissPolicy, metrics *observability.Metrics, logger *zap.Logger) *ProfileWatcher {
	return &ProfileWatcher{
		docs:    docs,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
	}
}

// Start begins watching for principal. A running watch is stopped first.
// onUpdate is called from store goroutines, never concurrently, and with
// increasing versions.
func (w *ProfileWatcher) Start(ctx context.Context, principal domain.Principal, onUpdate func(ProfileUpdate)) error {
	if principal.Email == "" {
		return &domain.ErrUnauthorized{Message: "principal has no email"}
	}

	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()

	w.gen++
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.principal = principal
	w.onUpdate = onUpdate
	w.subs = make(map[string]port.Unsubscribe)
	w.snaps = make(map[string]domain.CollectionSnapshot)

	if err := w.subscribeLocked(domain.CollectionCompanies); err != nil {
		w.stopLocked()
		return err
	}
	return nil
}

// Stop releases every subscription. It waits for a callback in progress,
// so onUpdate is never called once Stop has returned. It is safe to call more
// than once but must not be called from inside onUpdate.
func (w *ProfileWatcher) Stop() {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Subscriptions returns the collection paths currently watched.
func (w *ProfileWatcher) Subscriptions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.subs))
	for p := range w.subs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *ProfileWatcher) stopLocked() {
	if w.cancel == nil {
		return
	}
	w.gen++
	for path, unsub := range w.subs {
		unsub()
		delete(w.subs, path)
	}
	w.snaps = nil
	w.cancel()
	w.cancel = nil
}

func (w *ProfileWatcher) subscribeLocked(path string) error {
	gen := w.gen
	unsub, err := w.docs.SubscribeCollection(w.ctx, path,
		func(snap domain.CollectionSnapshot) { w.handleSnapshot(gen, snap) },
		func(err error) { w.handleError(gen, err) },
	)
	if err != nil {
		return err
	}
	w.subs[path] = unsub
	return nil
}

func (w *ProfileWatcher) handleSnapshot(gen uint64, snap domain.CollectionSnapshot) {
	w.mu.Lock()
	if gen != w.gen || w.cancel == nil {
		w.mu.Unlock()
		return
	}
	if _, watched := w.subs[snap.Path]; !watched {
		w.mu.Unlock()
		return
	}
	if prev, ok := w.snaps[snap.Path]; ok && prev.Version >= snap.Version {
		w.mu.Unlock()
		return
	}
	w.snaps[snap.Path] = snap

	if err := w.syncDependenciesLocked(); err != nil {
		w.mu.Unlock()
		w.handleError(gen, err)
		return
	}
	if !w.readyLocked() {
		w.mu.Unlock()
		return
	}

	update := w.recomputeLocked()
	onUpdate := w.onUpdate
	w.mu.Unlock()

	w.emit(gen, update, onUpdate)
}

func (w *ProfileWatcher) handleError(gen uint64, err error) {
	w.mu.Lock()
	if gen != w.gen || w.cancel == nil {
		w.mu.Unlock()
		return
	}
	w.computed++
	update := ProfileUpdate{Err: &domain.ErrExternalService{Service: "directory", Err: err}, Version: w.computed}
	onUpdate := w.onUpdate
	email := w.principal.Email
	w.mu.Unlock()

	w.logger.Warn("profile watcher: directory subscription failed",
		zap.String("email", email),
		zap.Error(err),
	)
	w.emit(gen, update, onUpdate)
}

// emit delivers update unless a newer one was already delivered. emitMu is
// held through the callback so Start and Stop wait for it.
func (w *ProfileWatcher) emit(gen uint64, update ProfileUpdate, onUpdate func(ProfileUpdate)) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if update.Version <= w.emitted {
		return
	}
	w.mu.Lock()
	current := gen == w.gen && w.cancel != nil
	w.mu.Unlock()
	if !current {
		return
	}
	w.emitted = update.Version
	onUpdate(update)
}

// dependencies lists the collection paths the current snapshots depend on.
func (w *ProfileWatcher) dependenciesLocked() map[string]struct{} {
	deps := map[string]struct{}{domain.CollectionCompanies: {}}
	companies, ok := w.snaps[domain.CollectionCompanies]
	if !ok {
		return deps
	}
	for _, c := range companies.Docs {
		locPath := domain.LocationsPath(c.ID)
		deps[locPath] = struct{}{}
		locs, ok := w.snaps[locPath]
		if !ok {
			continue
		}
		for _, l := range locs.Docs {
			deps[domain.UsersPath(c.ID, l.ID)] = struct{}{}
		}
	}
	return deps
}

// syncDependenciesLocked unsubscribes paths that are no longer needed and
// subscribes the new ones.
func (w *ProfileWatcher) syncDependenciesLocked() error {
	deps := w.dependenciesLocked()
	for path, unsub := range w.subs {
		if _, keep := deps[path]; keep {
			continue
		}
		unsub()
		delete(w.subs, path)
		delete(w.snaps, path)
	}
	var errs []error
	for path := range deps {
		if _, ok := w.subs[path]; ok {
			continue
		}
		if err := w.subscribeLocked(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// readyLocked reports whether every dependency has delivered once.
func (w *ProfileWatcher) readyLocked() bool {
	for path := range w.subs {
		if _, ok := w.snaps[path]; !ok {
			return false
		}
	}
	return true
}

func (w *ProfileWatcher) recomputeLocked() ProfileUpdate {
	w.computed++
	update := ProfileUpdate{Version: w.computed}

	dir := newSnapshotDirectory(w.snaps)
	entry, err := NewDirectoryResolver(dir).Resolve(w.ctx, w.principal.Email)
	profile, err := ApplyMissPolicy(w.policy, w.principal, entry, err)
	if err != nil {
		update.Err = err
		return update
	}
	update.Profile = profile
	update.Scope = NewScopeCalculator(dir, 1, w.metrics, w.logger).ComputeScope(w.ctx, profile)
	return update
}

// ============================================================
// Snapshot-backed directory
// ============================================================

// snapshotDirectory serves port.DirectoryReader from held collection
// snapshots.
type snapshotDirectory struct {
	snaps map[string]domain.CollectionSnapshot
}

func newSnapshotDirectory(snaps map[string]domain.CollectionSnapshot) *snapshotDirectory {
	return &snapshotDirectory{snaps: snaps}
}

func (d *snapshotDirectory) Companies(_ context.Context) ([]domain.Company, error) {
	out := []domain.Company{}
	for _, s := range d.snaps[domain.CollectionCompanies].Docs {
		c, err := store.DecodeCompany(s)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (d *snapshotDirectory) Locations(_ context.Context, companyID string) ([]domain.Location, error) {
	out := []domain.Location{}
	for _, s := range d.snaps[domain.LocationsPath(companyID)].Docs {
		l, err := store.DecodeLocation(companyID, s)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, nil
}

func (d *snapshotDirectory) Users(_ context.Context, companyID, locationID string) ([]domain.TenantUser, error) {
	out := []domain.TenantUser{}
	for _, s := range d.snaps[domain.UsersPath(companyID, locationID)].Docs {
		u, err := store.DecodeTenantUser(companyID, locationID, s)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}
