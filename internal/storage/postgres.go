package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

// DB is the subset of *pgxpool.Pool the Postgres store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores documents in a single key/body table.
type Postgres struct {
	db    DB
	table string
	psql  sq.StatementBuilderType
	now   func() time.Time
	close func()
}

func NewPostgres(db DB, table string) *Postgres {
	return &Postgres{
		db:    db,
		table: table,
		psql:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:   time.Now,
		close: func() {},
	}
}

// OpenPostgres connects a pool and makes sure the table exists.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, &Error{Op: "connect", Key: cfg.Table, Err: err}
	}
	s := NewPostgres(pool, cfg.Table)
	s.close = pool.Close
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() { s.close() }

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	body BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, pgx.Identifier{s.table}.Sanitize())
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return &Error{Op: "schema", Key: s.table, Err: err}
	}
	return nil
}

func (s *Postgres) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	query, args, err := s.psql.
		Insert(s.table).
		Columns("key", "body", "updated_at").
		Values(key, data, s.now()).
		Suffix("ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("storage: build put: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return &Error{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	query, args, err := s.psql.
		Select("body").
		From(s.table).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("storage: build get: %w", err)
	}

	var body []byte
	if err := s.db.QueryRow(ctx, query, args...).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	return body, nil
}

func (s *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	query, args, err := s.psql.
		Select("key").
		From(s.table).
		Where(sq.Like{"key": likeEscape(prefix) + "%"}).
		OrderBy("key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("storage: build list: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, &Error{Op: "list", Key: prefix, Err: err}
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &Error{Op: "list", Key: prefix, Err: err}
	}
	return keys, nil
}

func likeEscape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
