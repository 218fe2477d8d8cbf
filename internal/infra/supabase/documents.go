package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Document backend (implements port.DocumentBackend)
// ============================================================

// Documents is the PostgREST-backed document backend.
type Documents struct {
	client *Client
	now    func() time.Time
}

func NewDocuments(client *Client) *Documents {
	return &Documents{client: client, now: time.Now}
}

func (d *Documents) Get(ctx context.Context, path string) (*domain.DocumentSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	snap := &domain.DocumentSnapshot{Path: path, ID: domain.DocumentID(path)}
	err := d.client.call(ctx, func() error {
		q := fmt.Sprintf("documents?path=%s&select=%s&limit=1", eq(path), documentColumns)
		body, err := d.client.doRequest(ctx, http.MethodGet, q, nil, "")
		if err != nil {
			return err
		}
		var rows []documentRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("failed to decode document: %w", err)
		}
		if len(rows) > 0 {
			*snap = rows[0].snapshot()
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return snap, nil
}

func (d *Documents) List(ctx context.Context, collectionPath string) ([]domain.DocumentSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListDocuments")
	defer span.End()
	span.SetAttributes(attribute.String("collection.path", collectionPath))

	var out []domain.DocumentSnapshot
	err := d.client.call(ctx, func() error {
		q := fmt.Sprintf("documents?parent=%s&select=%s&order=id.asc", eq(collectionPath), documentColumns)
		body, err := d.client.doRequest(ctx, http.MethodGet, q, nil, "")
		if err != nil {
			return err
		}
		var rows []documentRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("failed to decode documents: %w", err)
		}
		out = make([]domain.DocumentSnapshot, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.snapshot())
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

// Set upserts the row for path.
func (d *Documents) Set(ctx context.Context, path string, data domain.Document) error {
	ctx, span := tracer.Start(ctx, "Supabase.SetDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	doc, err := d.prepare(data)
	if err != nil {
		return err
	}
	row := documentRow{
		Path:   path,
		Parent: domain.ParentPath(path),
		ID:     domain.DocumentID(path),
		Data:   doc,
	}
	err = d.client.call(ctx, func() error {
		_, err := d.client.doRequest(ctx, http.MethodPost, "documents?on_conflict=path", row, "resolution=merge-duplicates,return=minimal")
		return err
	})
	return wrap(err)
}

// Update merges patch into the stored document through the
// crm_update_document function, which reports whether the row existed.
func (d *Documents) Update(ctx context.Context, path string, patch domain.Document) error {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	doc, err := d.prepare(patch)
	if err != nil {
		return err
	}
	var found bool
	err = d.client.call(ctx, func() error {
		body, err := d.client.doRequest(ctx, http.MethodPost, "rpc/crm_update_document",
			map[string]any{"p_path": path, "p_patch": doc}, "")
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &found)
	})
	if err != nil {
		return wrap(err)
	}
	if !found {
		return &domain.ErrNotFound{Resource: "document", ID: path}
	}
	return nil
}

func (d *Documents) Add(ctx context.Context, collectionPath string, data domain.Document) (string, error) {
	id := uuid.NewString()
	if err := d.Set(ctx, domain.JoinPath(collectionPath, id), data); err != nil {
		return "", err
	}
	return id, nil
}

func (d *Documents) Delete(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "Supabase.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	err := d.client.call(ctx, func() error {
		_, err := d.client.doRequest(ctx, http.MethodDelete, "documents?path="+eq(path), nil, "return=minimal")
		return err
	})
	return wrap(err)
}

// Ping reads at most one row.
func (d *Documents) Ping(ctx context.Context) error {
	_, err := d.client.doRequest(ctx, http.MethodGet, "documents?select=path&limit=1", nil, "")
	return wrap(err)
}

func (d *Documents) prepare(data domain.Document) (domain.Document, error) {
	doc, err := domain.Normalize(data)
	if err != nil {
		return nil, &domain.ErrValidation{Field: "document", Message: err.Error()}
	}
	return domain.ResolveServerTimestamps(doc, d.now()), nil
}

// wrap reports transport failures as ErrExternalService. Domain errors and
// context errors pass through.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var open *domain.ErrCircuitOpen
	if errors.As(err, &open) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ErrExternalService{Service: "supabase/documents", Err: err}
}
