// Package postgres stores the canonical document in a single Postgres row so
// that several server replicas can share one canonical store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/observability"
)

const documentID = 1

const schema = `CREATE TABLE IF NOT EXISTS canonical_documents (
        id SMALLINT PRIMARY KEY,
        body JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`

// Repository provides Postgres-backed persistence for the canonical document.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the document table and the initial empty document.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create canonical_documents: %w", err)
	}
	body, err := json.Marshal(domain.EmptyDocument())
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO canonical_documents (id, body) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		documentID, body,
	)
	return err
}

// Load returns the current document.
func (r *Repository) Load(ctx context.Context) (domain.Document, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, `SELECT body FROM canonical_documents WHERE id=$1`, documentID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EmptyDocument(), nil
		}
		return domain.Document{}, err
	}
	return decode(body)
}

// Update locks the document row, applies fn and writes the full document back
// inside one transaction. Concurrent updates from other processes wait on the
// row lock, so two submissions can never both pass the duplicate check.
func (r *Repository) Update(ctx context.Context, fn func(*domain.Document) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	empty, err := json.Marshal(domain.EmptyDocument())
	if err != nil {
		return err
	}
	if _, err = tx.Exec(ctx,
		`INSERT INTO canonical_documents (id, body) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		documentID, empty,
	); err != nil {
		return err
	}

	var body []byte
	if err = tx.QueryRow(ctx, `SELECT body FROM canonical_documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&body); err != nil {
		return err
	}

	doc, err := decode(body)
	if err != nil {
		return err
	}
	if err = fn(&doc); err != nil {
		return err
	}

	next, err := json.Marshal(doc.Normalize())
	if err != nil {
		return err
	}
	if _, err = tx.Exec(ctx,
		`UPDATE canonical_documents SET body=$2, updated_at=NOW() WHERE id=$1`,
		documentID, next,
	); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordDocumentPersisted(len(doc.Users), len(doc.Progress))
	return nil
}

func decode(body []byte) (domain.Document, error) {
	var doc domain.Document
	if len(body) == 0 {
		return domain.EmptyDocument(), nil
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.Document{}, fmt.Errorf("decode canonical document: %w", err)
	}
	return doc.Normalize(), nil
}
