// Package postgres stores documents in a PostgreSQL "documents" table through
// a pgx connection pool. The schema ships as embedded migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/resilience"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgres")

// Documents implements port.DocumentBackend on PostgreSQL.
type Documents struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *zap.Logger
}

// Open connects a pool to databaseURL and verifies it.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*Documents, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewDocuments(pool, logger), nil
}

func NewDocuments(pool *pgxpool.Pool, logger *zap.Logger) *Documents {
	return &Documents{pool: pool, now: time.Now, logger: logger}
}

func (d *Documents) Get(ctx context.Context, path string) (*domain.DocumentSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	snap := &domain.DocumentSnapshot{Path: path, ID: domain.DocumentID(path)}
	var (
		raw     []byte
		version int64
	)
	err := d.pool.QueryRow(ctx, `SELECT data, version FROM documents WHERE path = $1`, path).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return nil, d.fail("get", path, err)
	}
	data, err := decode(raw)
	if err != nil {
		return nil, d.fail("get", path, err)
	}
	snap.Data = data
	snap.Exists = true
	snap.Version = uint64(version)
	return snap, nil
}

func (d *Documents) List(ctx context.Context, collectionPath string) ([]domain.DocumentSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListDocuments")
	defer span.End()
	span.SetAttributes(attribute.String("collection.path", collectionPath))

	rows, err := d.pool.Query(ctx, `SELECT path, id, data, version FROM documents WHERE parent = $1 ORDER BY id`, collectionPath)
	if err != nil {
		return nil, d.fail("list", collectionPath, err)
	}
	defer rows.Close()

	out := []domain.DocumentSnapshot{}
	for rows.Next() {
		var (
			s       domain.DocumentSnapshot
			raw     []byte
			version int64
		)
		if err := rows.Scan(&s.Path, &s.ID, &raw, &version); err != nil {
			return nil, d.fail("list", collectionPath, err)
		}
		if s.Data, err = decode(raw); err != nil {
			return nil, d.fail("list", collectionPath, err)
		}
		s.Exists = true
		s.Version = uint64(version)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, d.fail("list", collectionPath, err)
	}
	return out, nil
}

func (d *Documents) Set(ctx context.Context, path string, data domain.Document) error {
	ctx, span := tracer.Start(ctx, "Postgres.SetDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	raw, err := d.encode(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO documents (path, parent, id, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data`,
		path, domain.ParentPath(path), domain.DocumentID(path), raw)
	if err != nil {
		return d.fail("set", path, err)
	}
	return nil
}

// Update merges top-level fields with the jsonb || operator.
func (d *Documents) Update(ctx context.Context, path string, patch domain.Document) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	raw, err := d.encode(patch)
	if err != nil {
		return err
	}
	tag, err := d.pool.Exec(ctx, `UPDATE documents SET data = data || $2::jsonb WHERE path = $1`, path, raw)
	if err != nil {
		return d.fail("update", path, err)
	}
	if tag.RowsAffected() == 0 {
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
	ctx, span := tracer.Start(ctx, "Postgres.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	if _, err := d.pool.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		return d.fail("delete", path, err)
	}
	return nil
}

func (d *Documents) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close releases the pool.
func (d *Documents) Close() {
	d.pool.Close()
}

func (d *Documents) encode(data domain.Document) ([]byte, error) {
	doc, err := domain.Normalize(data)
	if err != nil {
		return nil, &domain.ErrValidation{Field: "document", Message: err.Error()}
	}
	return json.Marshal(domain.ResolveServerTimestamps(doc, d.now()))
}

func (d *Documents) fail(op, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.Timeout("postgres "+op+" "+path, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	d.logger.Error("postgres: query failed",
		zap.String("op", op),
		zap.String("path", path),
		zap.Error(err),
	)
	return &domain.ErrExternalService{Service: "postgres/documents", Err: err}
}

func decode(raw []byte) (domain.Document, error) {
	doc := domain.Document{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
