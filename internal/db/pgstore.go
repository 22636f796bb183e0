package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS record (
	id          BIGSERIAL PRIMARY KEY,
	collection  TEXT NOT NULL,
	natural_key TEXT,
	doc         JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS record_natural_key ON record (collection, natural_key);
CREATE INDEX IF NOT EXISTS record_collection ON record (collection, id);
`

// PGStore keeps every collection in one jsonb table. The natural key is
// mirrored into its own column so uniqueness is enforced by Postgres.
type PGStore struct {
	DB    *pgxpool.Pool
	specs *collection.Registry
}

// NewPGStore wraps pool; call Migrate before first use
func NewPGStore(pool *pgxpool.Pool, specs *collection.Registry) *PGStore {
	if specs == nil {
		specs = collection.NewRegistry()
	}
	return &PGStore{DB: pool, specs: specs}
}

// Migrate creates the record table
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate record table: %w", err)
	}
	return nil
}

func (s *PGStore) naturalKey(coll string) string {
	spec, err := s.specs.Lookup(coll)
	if err != nil {
		return ""
	}
	return spec.NaturalKey
}

// where renders filters against doc starting at placeholder $n
func where(filters []Filter, n int) (string, []any) {
	var b strings.Builder
	var args []any
	for _, f := range filters {
		switch f.Op {
		case "is":
			fmt.Fprintf(&b, " AND doc->>$%d IS NULL", n)
			args = append(args, f.Field)
			n++
		default:
			fmt.Fprintf(&b, " AND doc->>$%d = $%d", n, n+1)
			args = append(args, f.Field, f.Value)
			n += 2
		}
	}
	return b.String(), args
}

func collectDocs(rows pgx.Rows) ([]collection.Row, error) {
	defer rows.Close()
	out := []collection.Row{}
	for rows.Next() {
		var doc map[string]any
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *PGStore) uniqueErr(coll string, row collection.Row, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		nk := s.naturalKey(coll)
		return &UniqueViolation{Collection: coll, Field: nk, Value: collection.Stringify(row[nk])}
	}
	return err
}

func (s *PGStore) Select(ctx context.Context, coll string, filters []Filter, limit int) ([]collection.Row, error) {
	cond, args := where(filters, 2)
	q := `SELECT doc FROM record WHERE collection = $1` + cond + ` ORDER BY id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.DB.Query(ctx, q, append([]any{coll}, args...)...)
	if err != nil {
		log.Error().Err(err).Str("collection", coll).Msg("failed to query records")
		return nil, err
	}
	return collectDocs(rows)
}

func (s *PGStore) Insert(ctx context.Context, coll string, row collection.Row) (collection.Row, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var nk *string
	if k := s.naturalKey(coll); k != "" && row[k] != nil {
		v := collection.Stringify(row[k])
		nk = &v
	}

	var doc map[string]any
	err = s.DB.QueryRow(ctx, `
		WITH n AS (SELECT nextval(pg_get_serial_sequence('record', 'id')) AS id)
		INSERT INTO record (id, collection, natural_key, doc)
		SELECT n.id, $1, $2, $3::jsonb || jsonb_build_object('id', n.id) FROM n
		RETURNING doc
	`, coll, nk, payload).Scan(&doc)
	if err != nil {
		return nil, s.uniqueErr(coll, row, err)
	}
	return doc, nil
}

func (s *PGStore) Update(ctx context.Context, coll string, filters []Filter, patch collection.Row) ([]collection.Row, error) {
	patch = collection.Clone(patch)
	delete(patch, "id")
	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	cond, args := where(filters, 4)
	q := `UPDATE record
		SET doc = doc || $2::jsonb,
		    natural_key = COALESCE((doc || $2::jsonb)->>$3, natural_key)
		WHERE collection = $1` + cond + ` RETURNING doc`
	rows, err := s.DB.Query(ctx, q, append([]any{coll, payload, s.naturalKey(coll)}, args...)...)
	if err != nil {
		return nil, s.uniqueErr(coll, patch, err)
	}
	out, err := collectDocs(rows)
	if err != nil {
		return nil, s.uniqueErr(coll, patch, err)
	}
	return out, nil
}

func (s *PGStore) Delete(ctx context.Context, coll string, filters []Filter) ([]collection.Row, error) {
	cond, args := where(filters, 2)
	rows, err := s.DB.Query(ctx, `DELETE FROM record WHERE collection = $1`+cond+` RETURNING doc`, append([]any{coll}, args...)...)
	if err != nil {
		return nil, err
	}
	return collectDocs(rows)
}
