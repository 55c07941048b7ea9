package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chronicleprotocol/go-lib/retry"
	"github.com/gobeaver/metafs"
	"github.com/gobeaver/metafs/internal/recordfs"
	"github.com/lib/pq"
)

// Store keeps records in one PostgreSQL table. Several resources can share
// a table by using different buckets.
type Store struct {
	db     *sql.DB
	table  string // quoted identifier
	raw    string // unquoted table name, used for index names
	bucket string
}

// Config holds configuration for the postgres store
type Config struct {
	// DSN is a lib/pq connection string or postgres:// URL.
	DSN    string
	Table  string
	Bucket string
	// ConnectAttempts is how many times the first ping is tried (default 3).
	ConnectAttempts int
	DeleteMode      metafs.DeleteMode
	MaxFileSize     int64
	PollInterval    time.Duration
}

// Open connects, waits for the server and creates the table if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "metafs_files"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "default"
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 3
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := retry.TryErr(ctx, db.PingContext, cfg.ConnectAttempts, time.Second); err != nil {
		db.Close()
		if ctx.Err() == nil {
			err = metafs.Unavailable(err)
		}
		return nil, fmt.Errorf("failed to reach PostgreSQL: %w", err)
	}

	s := &Store{
		db:     db,
		table:  pq.QuoteIdentifier(cfg.Table),
		raw:    cfg.Table,
		bucket: cfg.Bucket,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// New opens the store and wraps it as a metafs.FileSystem.
func New(ctx context.Context, cfg Config) (*recordfs.FS, error) {
	s, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return recordfs.New(s,
		recordfs.WithDeleteMode(cfg.DeleteMode),
		recordfs.WithMaxFileSize(cfg.MaxFileSize),
		recordfs.WithPollInterval(cfg.PollInterval),
	), nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			bucket       TEXT NOT NULL,
			path         TEXT NOT NULL,
			parent       TEXT NOT NULL,
			is_dir       BOOLEAN NOT NULL DEFAULT FALSE,
			data         BYTEA,
			size         BIGINT NOT NULL DEFAULT 0,
			content_type TEXT NOT NULL DEFAULT '',
			metadata     JSONB,
			mtime        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ctime        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (bucket, path)
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (bucket, parent);
		CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (bucket, path text_pattern_ops);
	`, s.table,
		pq.QuoteIdentifier(s.raw+"_parent_idx"),
		pq.QuoteIdentifier(s.raw+"_prefix_idx"))

	_, err := s.db.ExecContext(ctx, query)
	return err
}

const metaColumns = "path, is_dir, size, content_type, metadata, mtime, ctime"

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, withData bool) (*recordfs.Record, error) {
	var (
		rec  recordfs.Record
		meta []byte
	)
	dest := []any{&rec.Path, &rec.IsDir, &rec.Size, &rec.ContentType, &meta, &rec.ModTime, &rec.Created}
	if withData {
		dest = append(dest, &rec.Data)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata of %q: %v", metafs.ErrInvalidFormat, rec.Path, err)
		}
	}
	return &rec, nil
}

// Get implements recordfs.Store
func (s *Store) Get(ctx context.Context, p string, withData bool) (*recordfs.Record, error) {
	cols := metaColumns
	if withData {
		cols += ", data"
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE bucket = $1 AND path = $2", cols, s.table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, s.bucket, p), withData)
	if err != nil {
		return nil, mapPQError(err)
	}
	return rec, nil
}

// Put implements recordfs.Store. All records are written in one
// transaction.
func (s *Store) Put(ctx context.Context, recs ...*recordfs.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapPQError(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (bucket, path, parent, is_dir, data, size, content_type, metadata, mtime, ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (bucket, path)
		DO UPDATE SET
			parent = EXCLUDED.parent,
			is_dir = EXCLUDED.is_dir,
			data = EXCLUDED.data,
			size = EXCLUDED.size,
			content_type = EXCLUDED.content_type,
			metadata = EXCLUDED.metadata,
			mtime = EXCLUDED.mtime,
			ctime = EXCLUDED.ctime
	`, s.table))
	if err != nil {
		return mapPQError(err)
	}
	defer stmt.Close()

	for _, r := range recs {
		// jsonb takes text; a nil interface stores NULL.
		var meta any
		if len(r.Metadata) > 0 {
			b, err := json.Marshal(r.Metadata)
			if err != nil {
				return err
			}
			meta = string(b)
		}
		_, err := stmt.ExecContext(ctx,
			s.bucket, r.Path, r.Parent(), r.IsDir, r.Data, r.Size, r.ContentType, meta, r.ModTime, r.Created)
		if err != nil {
			return mapPQError(err)
		}
	}
	return mapPQError(tx.Commit())
}

func (s *Store) query(ctx context.Context, withData bool, where string, args ...any) ([]*recordfs.Record, error) {
	cols := metaColumns
	if withData {
		cols += ", data"
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE bucket = $1 AND %s ORDER BY path", cols, s.table, where)
	rows, err := s.db.QueryContext(ctx, query, append([]any{s.bucket}, args...)...)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()

	var out []*recordfs.Record
	for rows.Next() {
		rec, err := scanRecord(rows, withData)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, mapPQError(rows.Err())
}

// Children implements recordfs.Store
func (s *Store) Children(ctx context.Context, dir string) ([]*recordfs.Record, error) {
	return s.query(ctx, false, "parent = $2", dir)
}

// Descendants implements recordfs.Store. Ordering by path puts parents
// before children.
func (s *Store) Descendants(ctx context.Context, dir string, withData bool) ([]*recordfs.Record, error) {
	return s.query(ctx, withData, `path LIKE $2 ESCAPE '\'`, subtreePattern(dir))
}

// DeleteTree implements recordfs.Store
func (s *Store) DeleteTree(ctx context.Context, p string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE bucket = $1 AND (path = $2 OR path LIKE $3 ESCAPE '\')`, s.table)
	result, err := s.db.ExecContext(ctx, query, s.bucket, p, subtreePattern(p))
	if err != nil {
		return mapPQError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return metafs.ErrNotExist
	}
	return nil
}

// RenameTree implements recordfs.Store with a single UPDATE. substr counts
// characters, so offsets are rune counts.
func (s *Store) RenameTree(ctx context.Context, src, dst string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			path = $3 || substr(path, $4),
			parent = CASE WHEN path = $2 THEN $5 ELSE $3 || substr(parent, $4) END
		WHERE bucket = $1 AND (path = $2 OR path LIKE $6 ESCAPE '\')
	`, s.table)
	offset := utf8.RuneCountInString(src) + 1
	result, err := s.db.ExecContext(ctx, query,
		s.bucket, src, dst, offset, recordfs.Parent(dst), subtreePattern(src))
	if err != nil {
		return mapPQError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return metafs.ErrNotExist
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// subtreePattern returns a LIKE pattern matching everything strictly below
// dir.
func subtreePattern(dir string) string {
	if dir == "" {
		return "%"
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(dir) + "/%"
}

// mapPQError maps driver errors to metafs errors
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return metafs.ErrNotExist
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || metafs.IsTransportError(err) {
		return metafs.Unavailable(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", metafs.ErrExist, pqErr.Message)
		case pqErr.Code == "42501":
			return fmt.Errorf("%w: %s", metafs.ErrPermission, pqErr.Message)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "28", pqErr.Code.Class() == "57":
			// Connection exceptions, rejected credentials, server shutdown.
			return metafs.Unavailable(err)
		}
	}
	return err
}

var _ recordfs.Store = (*Store)(nil)
