// Package dbwriter is the single-writer handle over the snapshot database
// (spec.md §4.4). Every request serializes through one goroutine reading a
// bounded channel — the Go expression of "all requests serialize through
// one handle" — built on jackc/pgx/v5/pgxpool the way the teacher's
// pgxdemo.go opens a pool, generalized from a one-shot query to a
// long-lived request/response pipeline.
package dbwriter

import (
	"context"
	"sync"

	"archivesync/internal/errs"
	"archivesync/internal/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Queryer is the subset of pgx's query surface both *pgxpool.Pool and
// pgx.Tx satisfy, so snapshot logic can run either directly against the
// pool or inside a caller-supplied transaction.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Pool is the subset of *pgxpool.Pool the writer depends on, so tests can
// substitute a fake without a live Postgres instance.
type Pool interface {
	Queryer
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type job struct {
	fn     func(ctx context.Context, q Queryer) (any, error)
	result chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// Writer is the single-writer handle. Open starts its drain goroutine;
// Close stops it once the request channel is drained.
type Writer struct {
	pool   Pool
	reqCh  chan job
	stopCh chan struct{}
	doneCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open connects to database and runs the schema migration, matching
// spec.md §7.3's "single idempotent CREATE TABLE IF NOT EXISTS migration
// run on Open".
func Open(ctx context.Context, databaseURL string) (*Writer, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "dbwriter: connect")
	}
	return OpenWithPool(ctx, pool)
}

// OpenWithPool lets tests inject a fake Pool.
func OpenWithPool(ctx context.Context, pool Pool) (*Writer, error) {
	w := &Writer{
		pool:   pool,
		reqCh:  make(chan job, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := w.migrate(ctx); err != nil {
		return nil, pkgerrors.Wrap(err, "dbwriter: migrate")
	}
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			for {
				select {
				case j := <-w.reqCh:
					value, err := j.fn(context.Background(), w.pool)
					j.result <- jobResult{value: value, err: err}
				default:
					return
				}
			}
		case j := <-w.reqCh:
			value, err := j.fn(context.Background(), w.pool)
			j.result <- jobResult{value: value, err: err}
		}
	}
}

// Do enqueues fn to run on the single writer goroutine and blocks for its
// result, or until ctx is cancelled (surfaced as errs.ErrAbort).
func (w *Writer) Do(ctx context.Context, fn func(ctx context.Context, q Queryer) (any, error)) (any, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, errs.ErrAbort
	}

	j := job{fn: fn, result: make(chan jobResult, 1)}
	select {
	case w.reqCh <- j:
	case <-ctx.Done():
		return nil, errs.ErrAbort
	case <-w.stopCh:
		return nil, errs.ErrAbort
	}
	select {
	case res := <-j.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, errs.ErrAbort
	}
}

// Transaction wraps body in BEGIN/COMMIT on the single writer goroutine,
// per spec.md §4.4.
func (w *Writer) Transaction(ctx context.Context, body func(ctx context.Context, q Queryer) error) error {
	_, err := w.Do(ctx, func(ctx context.Context, _ Queryer) (any, error) {
		tx, err := w.pool.Begin(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "dbwriter: begin tx")
		}
		if err := body(ctx, tx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logging.Warn("dbwriter: rollback failed", zap.Error(rbErr))
			}
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, pkgerrors.Wrap(err, "dbwriter: commit tx")
		}
		return nil, nil
	})
	return err
}

// Close stops accepting new work, runs the requests already queued, then
// closes the pool.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.pool.Close()
}
