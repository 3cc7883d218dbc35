// Package pgstore stores encoded records in a PostgreSQL table through a
// pgx connection pool.
package pgstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Options tunes the pool Open creates.
type Options struct {
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Store implements storage.Storage on a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	table string
	codec *storage.Codec
	owned bool

	upsertSQL string
	updateSQL string
	selectSQL string
	listSQL   string
	countSQL  string
	deleteSQL string
	clearSQL  string
}

// Open parses dsn, builds a pool, pings it and makes sure the table exists.
func Open(ctx context.Context, dsn string, opts Options, codec *storage.Codec) (*Store, error) {
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse postgres dsn")
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to connect to postgres")
	}

	s, err := New(pool, opts.Table, codec)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of pool.
func New(pool *pgxpool.Pool, table string, codec *storage.Codec) (*Store, error) {
	if table == "" {
		table = "records"
	}
	if !tableName.MatchString(table) {
		return nil, errors.New(errors.ErrorTypeConfig, "invalid table name").WithDetail("table", table)
	}
	if codec == nil {
		codec = storage.JSONCodec()
	}
	return &Store{
		pool:  pool,
		table: table,
		codec: codec,
		upsertSQL: fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, table),
		updateSQL: fmt.Sprintf(`UPDATE %s SET data = $2, updated_at = $3 WHERE id = $1`, table),
		selectSQL: fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, table),
		listSQL:   fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, table),
		countSQL:  fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table),
		deleteSQL: fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table),
		clearSQL:  fmt.Sprintf(`DELETE FROM %s`, table),
	}, nil
}

// Migrate creates the record table if it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to create record table").
			WithDetail("table", s.table)
	}
	return nil
}

// Store implements storage.Storage
func (s *Store) Store(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errors.New(errors.ErrorTypeValidation, "cannot store a nil record")
	}
	data, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, s.upsertSQL, rec.ID(), data, rec.Metadata.UpdatedAt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to store record in postgres").
			WithDetail("record_id", rec.ID())
	}
	return nil
}

// Get implements storage.Storage
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, s.selectSQL, id).Scan(&data)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to get record from postgres").
			WithDetail("record_id", id)
	}
	return s.codec.Decode(data)
}

// List implements storage.Storage
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, s.listSQL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to list records in postgres")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to scan record ids")
	}
	return ids, nil
}

// Delete implements storage.Storage
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, s.deleteSQL, id); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete record from postgres").
			WithDetail("record_id", id)
	}
	return nil
}

// Update implements storage.Updater
func (s *Store) Update(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errors.New(errors.ErrorTypeValidation, "cannot update a nil record")
	}
	data, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, s.updateSQL, rec.ID(), data, rec.Metadata.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update record in postgres").
			WithDetail("record_id", rec.ID())
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFound(rec.ID())
	}
	return nil
}

// Count implements storage.Counter
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, s.countSQL).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to count records in postgres")
	}
	return n, nil
}

// Clear implements storage.Clearer
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.clearSQL); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to clear records in postgres")
	}
	return nil
}

// Normalize implements storage.Normalizer
func (s *Store) Normalize(rec *record.Record) (*record.Record, error) {
	return s.codec.Normalize(rec)
}

// Close closes the pool if Open created it.
func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
