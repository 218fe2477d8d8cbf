package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/port"

	"go.uber.org/zap"
)

// SalesRecordRepository implements port.SalesRecordRepository.
type SalesRecordRepository struct {
	docs   port.DocumentBackend
	logger *zap.Logger
}

func NewSalesRecordRepository(docs port.DocumentBackend, logger *zap.Logger) *SalesRecordRepository {
	return &SalesRecordRepository{docs: docs, logger: logger}
}

func (r *SalesRecordRepository) Get(ctx context.Context, ref domain.RecordRef) (*domain.SalesRecord, error) {
	doc, err := r.GetDocument(ctx, ref)
	if err != nil {
		return nil, err
	}
	rec, mismatched := DecodeSalesRecord(ref.CompanyID, ref.ID, doc)
	r.logMismatched(ref.Path(), mismatched)
	return rec, nil
}

// GetDocument returns the raw stored fields of a record.
func (r *SalesRecordRepository) GetDocument(ctx context.Context, ref domain.RecordRef) (domain.Document, error) {
	snap, err := r.docs.Get(ctx, ref.Path())
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", ref.Lifecycle, ref.ID, err)
	}
	if !snap.Exists {
		return nil, &domain.ErrNotFound{Resource: string(ref.Lifecycle), ID: ref.ID}
	}
	return snap.Data, nil
}

func (r *SalesRecordRepository) List(ctx context.Context, companyID string, lc domain.Lifecycle) ([]domain.SalesRecord, error) {
	snaps, err := r.docs.List(ctx, domain.RecordsPath(companyID, lc))
	if err != nil {
		return nil, fmt.Errorf("list %s of %s: %w", lc.Collection(), companyID, err)
	}
	out := make([]domain.SalesRecord, 0, len(snaps))
	for _, s := range snaps {
		rec, mismatched := DecodeSalesRecord(companyID, s.ID, s.Data)
		r.logMismatched(domain.JoinPath(domain.RecordsPath(companyID, lc), s.ID), mismatched)
		out = append(out, *rec)
	}
	return out, nil
}

func (r *SalesRecordRepository) Create(ctx context.Context, companyID string, lc domain.Lifecycle, data domain.Document) (string, error) {
	id, err := r.docs.Add(ctx, domain.RecordsPath(companyID, lc), data)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", lc, err)
	}
	return id, nil
}

func (r *SalesRecordRepository) Set(ctx context.Context, ref domain.RecordRef, data domain.Document) error {
	if err := r.docs.Set(ctx, ref.Path(), data); err != nil {
		return fmt.Errorf("write %s %s: %w", ref.Lifecycle, ref.ID, err)
	}
	return nil
}

func (r *SalesRecordRepository) Update(ctx context.Context, ref domain.RecordRef, patch domain.Document) error {
	if err := r.docs.Update(ctx, ref.Path(), patch); err != nil {
		return fmt.Errorf("update %s %s: %w", ref.Lifecycle, ref.ID, err)
	}
	return nil
}

func (r *SalesRecordRepository) Delete(ctx context.Context, ref domain.RecordRef) error {
	if err := r.docs.Delete(ctx, ref.Path()); err != nil {
		return fmt.Errorf("delete %s %s: %w", ref.Lifecycle, ref.ID, err)
	}
	return nil
}

func (r *SalesRecordRepository) ListSub(ctx context.Context, ref domain.RecordRef, sub domain.Subcollection) ([]domain.DocumentSnapshot, error) {
	snaps, err := r.docs.List(ctx, ref.SubPath(sub))
	if err != nil {
		return nil, fmt.Errorf("list %s of %s: %w", sub, ref.ID, err)
	}
	return snaps, nil
}

func (r *SalesRecordRepository) SetSub(ctx context.Context, ref domain.RecordRef, sub domain.Subcollection, id string, data domain.Document) error {
	if err := r.docs.Set(ctx, domain.JoinPath(ref.SubPath(sub), id), data); err != nil {
		return fmt.Errorf("write %s/%s of %s: %w", sub, id, ref.ID, err)
	}
	return nil
}

func (r *SalesRecordRepository) AddSub(ctx context.Context, ref domain.RecordRef, sub domain.Subcollection, data domain.Document) (string, error) {
	id, err := r.docs.Add(ctx, ref.SubPath(sub), data)
	if err != nil {
		return "", fmt.Errorf("add to %s of %s: %w", sub, ref.ID, err)
	}
	return id, nil
}

func (r *SalesRecordRepository) logMismatched(path string, fields []string) {
	if len(fields) == 0 {
		return
	}
	r.logger.Warn("record fields do not match the expected types",
		zap.String("path", path),
		zap.Strings("fields", fields),
	)
}

// DecodeSalesRecord builds the typed view of a record document. The id and
// company always come from the path, and the scoping fields are read as
// stored. When a field does not fit its type the rest of the record still
// decodes; the names of the top-level fields that failed are returned.
func DecodeSalesRecord(companyID, id string, doc domain.Document) (*domain.SalesRecord, []string) {
	var rec domain.SalesRecord
	var mismatched []string
	if err := domain.DecodeDocument(doc, &rec); err != nil {
		rec = domain.SalesRecord{}
		keys := make([]string, 0, len(doc))
		for k := range doc {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := domain.DecodeDocument(domain.Document{k: doc[k]}, &rec); err != nil {
				mismatched = append(mismatched, k)
			}
		}
	}
	rec.ID = id
	rec.CompanyID = companyID
	rec.AssignedTo, rec.LocationID = domain.RecordOwner(doc)
	return &rec, mismatched
}
