package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	pingTimeout  = 1 * time.Second
	queryTimeout = 3 * time.Second
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var schema = map[Dialect]string{
	DialectPostgres: `
		CREATE TABLE IF NOT EXISTS objects (
			object_key   TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			body         BYTEA NOT NULL,
			etag         TEXT NOT NULL,
			updated_at   BIGINT NOT NULL
		)`,
	DialectSQLite: `
		CREATE TABLE IF NOT EXISTS objects (
			object_key   TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			body         BLOB NOT NULL,
			etag         TEXT NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
}

// SQLStore keeps objects as rows of a single table. Every write stamps a
// fresh uuid ETag; conditional writes are resolved by the database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database and creates the objects table.
func NewSQLStore(ctx context.Context, db *sql.DB, d Dialect) (*SQLStore, error) {
	ddl, ok := schema[d]
	if !ok {
		return nil, fmt.Errorf("storage: unsupported dialect %q", d)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, ddl)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return openSQL(ctx, db, DialectPostgres)
}

func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	return openSQL(ctx, db, DialectSQLite)
}

func openSQL(ctx context.Context, db *sql.DB, d Dialect) (*SQLStore, error) {
	err := withTimeout(ctx, pingTimeout, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: connect %s: %w", d, err)
	}

	s, err := NewSQLStore(ctx, db, d)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return withTimeout(ctx, pingTimeout, func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Get(ctx context.Context, key string) (Object, error) {
	if strings.TrimSpace(key) == "" {
		return Object{}, ErrInvalidKey
	}

	o := Object{Key: key}
	var updatedAt int64

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, s.rebind(`
			SELECT content_type, body, etag, updated_at
			FROM objects
			WHERE object_key = $1
		`), key).Scan(&o.ContentType, &o.Body, &o.ETag, &updatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, err
	}

	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return o, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidKey
	}
	if body == nil {
		body = []byte{}
	}

	etag := uuid.NewString()
	ct := contentTypeOr(opts.ContentType)
	now := s.now().UnixMilli()

	var res sql.Result
	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		var err error
		switch {
		case opts.IfMatch != "":
			res, err = s.db.ExecContext(ctx, s.rebind(`
				UPDATE objects
				SET content_type = $1, body = $2, etag = $3, updated_at = $4
				WHERE object_key = $5 AND etag = $6
			`), ct, body, etag, now, key, opts.IfMatch)
		case opts.IfAbsent:
			res, err = s.db.ExecContext(ctx, s.rebind(`
				INSERT INTO objects (object_key, content_type, body, etag, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (object_key) DO NOTHING
			`), key, ct, body, etag, now)
		default:
			res, err = s.db.ExecContext(ctx, s.rebind(`
				INSERT INTO objects (object_key, content_type, body, etag, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (object_key) DO UPDATE SET
					content_type = excluded.content_type,
					body = excluded.body,
					etag = excluded.etag,
					updated_at = excluded.updated_at
			`), key, ct, body, etag, now)
		}
		return err
	})
	if err != nil {
		return "", err
	}

	if opts.IfMatch != "" || opts.IfAbsent {
		n, err := res.RowsAffected()
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", ErrPreconditionFailed
		}
	}
	return etag, nil
}

// rebind rewrites $N placeholders for drivers that only take "?".
// Queries must use each placeholder once and in ascending order.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectSQLite {
		return q
	}
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] != '$' {
			b.WriteByte(q[i])
			continue
		}
		j := i + 1
		for j < len(q) && q[j] >= '0' && q[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(q[i])
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

func withTimeout(parent context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	return fn(ctx)
}
