// Package db persists updates, their assets, and per-scope response
// metadata in SQLite. A single handle is shared by every caller; Acquire
// scopes a logical unit of work and WithTx wraps multi-statement writes.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/keithlinneman/linnemanlabs-updates/internal/dbx"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// FileName is the database file inside the updates directory.
const FileName = "updates.db"

var ErrNotFound = errors.New("not found")

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

type Options struct {
	Logger log.Logger
	Now    func() time.Time
}

type Database struct {
	*Queries

	sql    *sql.DB
	sem    chan struct{}
	logger log.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, opts Options) (*Database, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	dsn := fmt.Sprintf("file:%s?%s", path, q.Encode())

	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open database %s", path)
	}
	// one writer; database/sql serializes everything through this connection
	sqldb.SetMaxOpenConns(1)

	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, xerrors.Wrapf(err, "ping database %s", path)
	}
	if err := RunMigrations(ctx, sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}

	d := newDatabase(sqldb, opts)
	d.logger.Debug(ctx, "database opened", "path", path)
	return d, nil
}

func newDatabase(sqldb *sql.DB, opts Options) *Database {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Database{
		Queries: &Queries{db: sqldb, now: opts.Now},
		sql:     sqldb,
		sem:     make(chan struct{}, 1),
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, sqldb *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return xerrors.Wrap(err, "set goose dialect")
	}
	if err := goose.UpContext(ctx, sqldb, "migrations"); err != nil {
		return xerrors.Wrap(err, "run migrations")
	}
	return nil
}

func (d *Database) Close() error {
	return d.sql.Close()
}

// Acquire checks out the database for one logical unit of work (a launch,
// a remote load, a reaping pass). The returned release must be called.
func (d *Database) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case d.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-d.sem }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithTx runs fn with Queries bound to a transaction.
func (d *Database) WithTx(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	return dbx.WithTx(ctx, d.sql, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, &Queries{db: tx, now: d.now})
	})
}

// DeleteUnusedAssets removes every asset row not reachable from a kept
// update, sparing rows whose file is still shared with a reachable row.
// It returns the deleted rows so the caller can remove their files.
func (d *Database) DeleteUnusedAssets(ctx context.Context) ([]*updates.Asset, error) {
	var deleted []*updates.Asset
	err := d.WithTx(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		deleted, err = q.deleteUnusedAssets(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Queries holds every statement; it runs against the shared handle or a
// transaction.
type Queries struct {
	db  dbx.DBTX
	now func() time.Time
}
