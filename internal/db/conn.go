// Package db wraps mattn/go-sqlite3 with the execution model the record
// engine needs: a single owned write connection serviced by a dedicated
// goroutine, a pool of read connections, a pre-update hook on the writer,
// and a deferred-task queue that runs closures on the writer goroutine
// after the statement that scheduled them has finished.
//
// Builds must enable the driver's pre-update hook support:
//
//	go build -tags sqlite_preupdate_hook ./...
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("database connection closed")

// Queryer is the subset of database/sql execution methods shared by
// *sql.Conn, *sql.DB and *sql.Tx. Code that must run either inside or
// outside a writer transaction is written against this interface.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PreUpdateHook receives the driver's pre-update callback. It runs on the
// writer goroutine, inside statement execution, and must not block.
type PreUpdateHook func(data sqlite3.SQLitePreUpdateData)

type writeJob struct {
	fn   func(ctx context.Context, conn *sql.Conn) error
	ctx  context.Context
	done chan error
}

// DB owns one SQLite database: a single write connection pinned to a
// dedicated goroutine plus a reader pool. All mutations are funneled
// through Write so that the pre-update hook and its continuations observe
// a strict statement order.
type DB struct {
	writeDB *sql.DB
	readDB  *sql.DB
	write   *sql.Conn

	jobs chan writeJob
	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	deferred []func(conn *sql.Conn)
	hooked   bool

	closeOnce sync.Once
}

// Options tunes Open.
type Options struct {
	// ReadPoolSize bounds the reader pool. Zero means a small default.
	ReadPoolSize int
}

const defaultReadPoolSize = 8

// Open opens the database at path. The path may be ":memory:"; in that
// case readers share the writer's database through a shared cache.
func Open(path string, opts Options) (*DB, error) {
	poolSize := opts.ReadPoolSize
	if poolSize <= 0 {
		poolSize = defaultReadPoolSize
	}

	registerDriver()

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = "file:recbase?mode=memory&cache=shared&_foreign_keys=on"
	}

	writeDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open(driverName, dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(poolSize)

	write, err := writeDB.Conn(context.Background())
	if err != nil {
		readDB.Close()
		writeDB.Close()
		return nil, fmt.Errorf("failed to pin write connection: %w", err)
	}

	d := &DB{
		writeDB: writeDB,
		readDB:  readDB,
		write:   write,
		jobs:    make(chan writeJob),
		stop:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.writeLoop()

	return d, nil
}

// writeLoop services the single write connection. Each job runs to
// completion, then any tasks deferred during its execution (typically by
// the pre-update hook) are drained on this same goroutine.
func (d *DB) writeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			return
		case job := <-d.jobs:
			err := d.runJob(job)
			d.drainDeferred()
			job.done <- err
		}
	}
}

// runJob keeps a panicking closure from taking the writer goroutine (and
// every queued writer) down with it.
func (d *DB) runJob(job writeJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write job panicked: %v", r)
			log.Error().Interface("panic", r).Msg("Recovered panicking write job")
		}
	}()
	return job.fn(job.ctx, d.write)
}

func (d *DB) drainDeferred() {
	for {
		d.mu.Lock()
		if len(d.deferred) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.deferred[0]
		d.deferred = d.deferred[1:]
		d.mu.Unlock()

		fn(d.write)
	}
}

// Write runs fn on the writer goroutine with the pinned write connection.
// It blocks until fn returns or ctx is cancelled; a cancelled dispatch
// leaves the writer untouched.
func (d *DB) Write(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	job := writeJob{fn: fn, ctx: ctx, done: make(chan error, 1)}

	select {
	case d.jobs <- job:
	case <-d.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.done:
		return err
	case <-d.stop:
		return ErrClosed
	}
}

// Defer schedules fn to run on the writer goroutine after the currently
// executing statement (and any previously deferred tasks) complete. Safe to
// call from the pre-update hook and from any other goroutine.
func (d *DB) Defer(fn func(conn *sql.Conn)) {
	d.mu.Lock()
	d.deferred = append(d.deferred, fn)
	scheduled := len(d.deferred) > 1
	d.mu.Unlock()
	if scheduled {
		return
	}

	// If no write job is in flight the queue would sit idle; nudge the
	// writer with a no-op job. Harmless when racing an active job since
	// the loop drains after every job anyway.
	go func() {
		_ = d.Write(context.Background(), func(context.Context, *sql.Conn) error { return nil })
	}()
}

// Read returns the reader pool.
func (d *DB) Read() *sql.DB {
	return d.readDB
}

// SetPreUpdateHook installs hook on the write connection; nil removes any
// installed hook. Installation is idempotent.
func (d *DB) SetPreUpdateHook(hook PreUpdateHook) error {
	err := d.write.Raw(func(driverConn any) error {
		conn, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type %T", driverConn)
		}
		if hook == nil {
			conn.RegisterPreUpdateHook(nil)
		} else {
			conn.RegisterPreUpdateHook(hook)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set pre-update hook: %w", err)
	}

	d.mu.Lock()
	d.hooked = hook != nil
	d.mu.Unlock()
	return nil
}

// HasPreUpdateHook reports whether a pre-update hook is currently
// installed. Exposed for tests asserting hook teardown.
func (d *DB) HasPreUpdateHook() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hooked
}

// Close tears down the writer goroutine and both connection handles.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		d.wg.Wait()

		if cerr := d.write.Close(); cerr != nil {
			err = cerr
		}
		if cerr := d.readDB.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := d.writeDB.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			log.Warn().Err(err).Msg("Error closing database")
		}
	})
	return err
}
