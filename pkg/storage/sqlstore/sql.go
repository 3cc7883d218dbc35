// Package sqlstore stores encoded records in a SQL table through sqlx.
// SQLite (modernc, no cgo) and MySQL are supported.
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
)

// Dialect selects the driver and the upsert syntax.
type Dialect string

const (
	SQLite Dialect = "sqlite"
	MySQL  Dialect = "mysql"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Store implements storage.Storage on a sqlx handle.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	table   string
	codec   *storage.Codec
}

// Open connects with the driver for dialect and creates the table.
func Open(ctx context.Context, dialect Dialect, dsn, table string, codec *storage.Codec) (*Store, error) {
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "sql dsn is required")
	}
	if table == "" {
		table = "records"
	}
	if !tableName.MatchString(table) {
		return nil, errors.New(errors.ErrorTypeConfig, "invalid table name").WithDetail("table", table)
	}

	switch dialect {
	case SQLite:
	case MySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse mysql dsn")
		}
		cfg.ParseTime = true
		// Report matched rather than changed rows so Update can tell a
		// missing id from an identical rewrite.
		cfg.ClientFoundRows = true
		dsn = cfg.FormatDSN()
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported sql dialect %q", dialect)
	}

	db, err := sqlx.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open database")
	}
	if dialect == SQLite {
		// One writer at a time; the pool would otherwise trip SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to enable WAL mode")
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to connect to database")
	}

	if codec == nil {
		codec = storage.JSONCodec()
	}
	s := &Store{db: db, dialect: dialect, table: table, codec: codec}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case MySQL:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         VARCHAR(255) NOT NULL PRIMARY KEY,
	data       LONGBLOB NOT NULL,
	updated_at BIGINT NOT NULL
)`, s.table)
	default:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`, s.table)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to create record table").
			WithDetail("table", s.table)
	}
	return nil
}

func (s *Store) upsertSQL() string {
	if s.dialect == MySQL {
		return fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`, s.table)
	}
	return fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, s.table)
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
	q := s.db.Rebind(s.upsertSQL())
	if _, err := s.db.ExecContext(ctx, q, rec.ID(), data, rec.Metadata.UpdatedAt.UnixNano()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to store record").
			WithDetail("record_id", rec.ID())
	}
	return nil
}

// Get implements storage.Storage
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	var data []byte
	q := s.db.Rebind(fmt.Sprintf("SELECT data FROM %s WHERE id = ?", s.table))
	err := s.db.GetContext(ctx, &data, q, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to get record").
			WithDetail("record_id", id)
	}
	return s.codec.Decode(data)
}

// List implements storage.Storage
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, fmt.Sprintf("SELECT id FROM %s ORDER BY id", s.table)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to list records")
	}
	return ids, nil
}

// Delete implements storage.Storage
func (s *Store) Delete(ctx context.Context, id string) error {
	q := s.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table))
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete record").
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
	q := s.db.Rebind(fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", s.table))
	res, err := s.db.ExecContext(ctx, q, data, rec.Metadata.UpdatedAt.UnixNano(), rec.ID())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update record").
			WithDetail("record_id", rec.ID())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to read affected rows").
			WithDetail("record_id", rec.ID())
	}
	if n == 0 {
		return storage.NotFound(rec.ID())
	}
	return nil
}

// Count implements storage.Counter
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to count records")
	}
	return n, nil
}

// Clear implements storage.Clearer
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to clear records").
			WithDetail("table", s.table)
	}
	return nil
}

// Normalize implements storage.Normalizer
func (s *Store) Normalize(rec *record.Record) (*record.Record, error) {
	return s.codec.Normalize(rec)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
