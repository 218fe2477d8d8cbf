// Package store maps the CRM entities onto the hierarchical document paths:
//
//	companies/{companyId}
//	companies/{companyId}/locations/{locationId}
//	companies/{companyId}/locations/{locationId}/users/{userId}
//	companies/{companyId}/{leads|prospects|deals}/{id}/{subcollection}/{docId}
//
// Every repository works against port.DocumentBackend, so the same code runs
// over the in-memory, Supabase and Postgres backends.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/port"
)

// ============================================================
// Companies
// ============================================================

// CompanyRepository implements port.CompanyRepository.
type CompanyRepository struct {
	docs port.DocumentBackend
}

func NewCompanyRepository(docs port.DocumentBackend) *CompanyRepository {
	return &CompanyRepository{docs: docs}
}

func (r *CompanyRepository) List(ctx context.Context) ([]domain.Company, error) {
	snaps, err := r.docs.List(ctx, domain.CollectionCompanies)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	out := make([]domain.Company, 0, len(snaps))
	for _, s := range snaps {
		c, err := DecodeCompany(s)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (r *CompanyRepository) Get(ctx context.Context, companyID string) (*domain.Company, error) {
	snap, err := r.docs.Get(ctx, domain.CompanyPath(companyID))
	if err != nil {
		return nil, fmt.Errorf("get company %s: %w", companyID, err)
	}
	if !snap.Exists {
		return nil, &domain.ErrNotFound{Resource: "company", ID: companyID}
	}
	return DecodeCompany(*snap)
}

// Create stores c. An empty ID gets a generated one.
func (r *CompanyRepository) Create(ctx context.Context, c *domain.Company) (*domain.Company, error) {
	doc, err := newDocument(c)
	if err != nil {
		return nil, err
	}
	id, err := write(ctx, r.docs, domain.CollectionCompanies, c.ID, doc)
	if err != nil {
		return nil, fmt.Errorf("create company: %w", err)
	}
	return r.Get(ctx, id)
}

// Delete removes the company document. Nested collections are left in place.
func (r *CompanyRepository) Delete(ctx context.Context, companyID string) error {
	if err := r.docs.Delete(ctx, domain.CompanyPath(companyID)); err != nil {
		return fmt.Errorf("delete company %s: %w", companyID, err)
	}
	return nil
}

// DecodeCompany builds a Company from a snapshot.
func DecodeCompany(s domain.DocumentSnapshot) (*domain.Company, error) {
	var c domain.Company
	if err := domain.DecodeDocument(s.WithID(), &c); err != nil {
		return nil, fmt.Errorf("company %s: %w", s.ID, err)
	}
	return &c, nil
}

// ============================================================
// Locations
// ============================================================

// LocationRepository implements port.LocationRepository.
type LocationRepository struct {
	docs port.DocumentBackend
}

func NewLocationRepository(docs port.DocumentBackend) *LocationRepository {
	return &LocationRepository{docs: docs}
}

func (r *LocationRepository) List(ctx context.Context, companyID string) ([]domain.Location, error) {
	snaps, err := r.docs.List(ctx, domain.LocationsPath(companyID))
	if err != nil {
		return nil, fmt.Errorf("list locations of %s: %w", companyID, err)
	}
	out := make([]domain.Location, 0, len(snaps))
	for _, s := range snaps {
		l, err := DecodeLocation(companyID, s)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, nil
}

func (r *LocationRepository) Get(ctx context.Context, companyID, locationID string) (*domain.Location, error) {
	snap, err := r.docs.Get(ctx, domain.LocationPath(companyID, locationID))
	if err != nil {
		return nil, fmt.Errorf("get location %s: %w", locationID, err)
	}
	if !snap.Exists {
		return nil, &domain.ErrNotFound{Resource: "location", ID: locationID}
	}
	return DecodeLocation(companyID, *snap)
}

func (r *LocationRepository) Create(ctx context.Context, l *domain.Location) (*domain.Location, error) {
	doc, err := newDocument(l)
	if err != nil {
		return nil, err
	}
	id, err := write(ctx, r.docs, domain.LocationsPath(l.CompanyID), l.ID, doc)
	if err != nil {
		return nil, fmt.Errorf("create location: %w", err)
	}
	return r.Get(ctx, l.CompanyID, id)
}

func (r *LocationRepository) Delete(ctx context.Context, companyID, locationID string) error {
	if err := r.docs.Delete(ctx, domain.LocationPath(companyID, locationID)); err != nil {
		return fmt.Errorf("delete location %s: %w", locationID, err)
	}
	return nil
}

// DecodeLocation builds a Location from a snapshot. The owning company comes
// from the path, not from the stored fields.
func DecodeLocation(companyID string, s domain.DocumentSnapshot) (*domain.Location, error) {
	var l domain.Location
	if err := domain.DecodeDocument(s.WithID(), &l); err != nil {
		return nil, fmt.Errorf("location %s: %w", s.ID, err)
	}
	l.CompanyID = companyID
	return &l, nil
}

// ============================================================
// Tenant users
// ============================================================

// TenantUserRepository implements port.TenantUserRepository.
type TenantUserRepository struct {
	docs port.DocumentBackend
}

func NewTenantUserRepository(docs port.DocumentBackend) *TenantUserRepository {
	return &TenantUserRepository{docs: docs}
}

func (r *TenantUserRepository) List(ctx context.Context, companyID, locationID string) ([]domain.TenantUser, error) {
	snaps, err := r.docs.List(ctx, domain.UsersPath(companyID, locationID))
	if err != nil {
		return nil, fmt.Errorf("list users of %s/%s: %w", companyID, locationID, err)
	}
	out := make([]domain.TenantUser, 0, len(snaps))
	for _, s := range snaps {
		u, err := DecodeTenantUser(companyID, locationID, s)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

func (r *TenantUserRepository) Get(ctx context.Context, companyID, locationID, userID string) (*domain.TenantUser, error) {
	snap, err := r.docs.Get(ctx, domain.UserPath(companyID, locationID, userID))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if !snap.Exists {
		return nil, &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	return DecodeTenantUser(companyID, locationID, *snap)
}

func (r *TenantUserRepository) Create(ctx context.Context, u *domain.TenantUser) (*domain.TenantUser, error) {
	doc, err := newDocument(u)
	if err != nil {
		return nil, err
	}
	id, err := write(ctx, r.docs, domain.UsersPath(u.CompanyID, u.LocationID), u.ID, doc)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return r.Get(ctx, u.CompanyID, u.LocationID, id)
}

func (r *TenantUserRepository) UpdateRole(ctx context.Context, companyID, locationID, userID string, role domain.Role) error {
	err := r.docs.Update(ctx, domain.UserPath(companyID, locationID, userID), domain.Document{
		"role":      string(role),
		"updatedAt": domain.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("update role of %s: %w", userID, err)
	}
	return nil
}

// DecodeTenantUser builds a TenantUser from a snapshot. Unknown or missing
// roles decode as sales.
func DecodeTenantUser(companyID, locationID string, s domain.DocumentSnapshot) (*domain.TenantUser, error) {
	data := s.WithID()
	role, _ := data["role"].(string)
	delete(data, "role")

	var u domain.TenantUser
	if err := domain.DecodeDocument(data, &u); err != nil {
		return nil, fmt.Errorf("user %s: %w", s.ID, err)
	}
	u.CompanyID = companyID
	u.LocationID = locationID
	u.Role = domain.ParseRole(role)
	return &u, nil
}

// ============================================================
// Directory reader
// ============================================================

// DirectoryReader implements port.DirectoryReader on the repositories.
type DirectoryReader struct {
	companies port.CompanyRepository
	locations port.LocationRepository
	users     port.TenantUserRepository
}

func NewDirectoryReader(companies port.CompanyRepository, locations port.LocationRepository, users port.TenantUserRepository) *DirectoryReader {
	return &DirectoryReader{companies: companies, locations: locations, users: users}
}

func (d *DirectoryReader) Companies(ctx context.Context) ([]domain.Company, error) {
	return d.companies.List(ctx)
}

func (d *DirectoryReader) Locations(ctx context.Context, companyID string) ([]domain.Location, error) {
	return d.locations.List(ctx, companyID)
}

func (d *DirectoryReader) Users(ctx context.Context, companyID, locationID string) ([]domain.TenantUser, error) {
	return d.users.List(ctx, companyID, locationID)
}

// ============================================================
// helpers
// ============================================================

// newDocument converts an entity into stored fields. The id lives in the
// path, and createdAt is assigned by the store.
func newDocument(v any) (domain.Document, error) {
	doc, err := domain.ToDocument(v)
	if err != nil {
		return nil, err
	}
	delete(doc, "id")
	delete(doc, "companyId")
	delete(doc, "locationId")
	doc["createdAt"] = domain.ServerTimestamp
	return doc, nil
}

// write stores doc under collection, using id when given.
func write(ctx context.Context, docs port.DocumentBackend, collection, id string, doc domain.Document) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return docs.Add(ctx, collection, doc)
	}
	if err := domain.ValidateID("id", id); err != nil {
		return "", err
	}
	return id, docs.Set(ctx, domain.JoinPath(collection, id), doc)
}
