// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
)

// Unsubscribe releases a subscription. It is safe to call more than once and
// never waits for an in-flight callback.
type Unsubscribe func()

// DocumentBackend is the persistence half of the document store: hierarchical
// paths, schemaless documents, last-write-wins.
type DocumentBackend interface {
	// Get returns a snapshot with Exists=false when nothing is stored at path.
	Get(ctx context.Context, path string) (*domain.DocumentSnapshot, error)
	// List returns the documents directly under a collection, ordered by id.
	List(ctx context.Context, collectionPath string) ([]domain.DocumentSnapshot, error)
	// Set creates or replaces the document.
	Set(ctx context.Context, path string, data domain.Document) error
	// Update replaces the given top-level fields. Missing documents yield ErrNotFound.
	Update(ctx context.Context, path string, patch domain.Document) error
	// Add creates a document with a generated id and returns the id.
	Add(ctx context.Context, collectionPath string, data domain.Document) (string, error)
	// Delete removes the document. Its subcollections are left untouched.
	Delete(ctx context.Context, path string) error
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

// DocumentStore adds live subscriptions on top of a backend. The current
// state is delivered first, then every change; callbacks run on a goroutine
// owned by the store and only the newest pending snapshot is delivered.
type DocumentStore interface {
	DocumentBackend
	SubscribeDocument(ctx context.Context, path string, onChange func(domain.DocumentSnapshot), onError func(error)) (Unsubscribe, error)
	SubscribeCollection(ctx context.Context, collectionPath string, onChange func(domain.CollectionSnapshot), onError func(error)) (Unsubscribe, error)
}

// ChangeBroker fans out write notifications between store instances.
type ChangeBroker interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
	Subscribe(handler func(domain.ChangeEvent)) (Unsubscribe, error)
	Close() error
}

// CompanyRepository persists companies.
type CompanyRepository interface {
	List(ctx context.Context) ([]domain.Company, error)
	Get(ctx context.Context, companyID string) (*domain.Company, error)
	Create(ctx context.Context, c *domain.Company) (*domain.Company, error)
	Delete(ctx context.Context, companyID string) error
}

// LocationRepository persists locations under a company.
type LocationRepository interface {
	List(ctx context.Context, companyID string) ([]domain.Location, error)
	Get(ctx context.Context, companyID, locationID string) (*domain.Location, error)
	Create(ctx context.Context, l *domain.Location) (*domain.Location, error)
	Delete(ctx context.Context, companyID, locationID string) error
}

// TenantUserRepository persists tenant users under a location.
type TenantUserRepository interface {
	List(ctx context.Context, companyID, locationID string) ([]domain.TenantUser, error)
	Get(ctx context.Context, companyID, locationID, userID string) (*domain.TenantUser, error)
	Create(ctx context.Context, u *domain.TenantUser) (*domain.TenantUser, error)
	UpdateRole(ctx context.Context, companyID, locationID, userID string, role domain.Role) error
}

// DirectoryReader is the read side of the tenant hierarchy used by the
// resolver and the scope calculator. Results are ordered by id.
type DirectoryReader interface {
	Companies(ctx context.Context) ([]domain.Company, error)
	Locations(ctx context.Context, companyID string) ([]domain.Location, error)
	Users(ctx context.Context, companyID, locationID string) ([]domain.TenantUser, error)
}

// SalesRecordRepository persists leads, prospects and deals together with
// their subcollections.
type SalesRecordRepository interface {
	Get(ctx context.Context, ref domain.RecordRef) (*domain.SalesRecord, error)
	GetDocument(ctx context.Context, ref domain.RecordRef) (domain.Document, error)
	List(ctx context.Context, companyID string, lc domain.Lifecycle) ([]domain.SalesRecord, error)
	Create(ctx context.Context, companyID string, lc domain.Lifecycle, data domain.Document) (string, error)
	Set(ctx context.Context, ref domain.RecordRef, data domain.Document) error
	Update(ctx context.Context, ref domain.RecordRef, patch domain.Document) error
	Delete(ctx context.Context, ref domain.RecordRef) error
	ListSub(ctx context.Context, ref domain.RecordRef, sub domain.Subcollection) ([]domain.DocumentSnapshot, error)
	SetSub(ctx context.Context, ref domain.RecordRef, sub domain.Subcollection, id string, data domain.Document) error
	AddSub(ctx context.Context, ref domain.RecordRef, sub domain.Subcollection, data domain.Document) (string, error)
}

// IdempotencyStore guards retried requests.
type IdempotencyStore interface {
	// Reserve claims key for ttl. It reports false when the key is already held.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Complete stores the final response for key.
	Complete(ctx context.Context, key string, response []byte, ttl time.Duration) error
	// Lookup returns a completed response.
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	SetIfAbsent(key string, value T) bool
	Delete(key string)
}
