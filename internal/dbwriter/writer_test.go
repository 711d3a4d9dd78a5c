package dbwriter

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	fakeQueryer
	migrateSQL []string
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, nil
}

func (p *fakePool) Close() {}

func newTestWriter(t *testing.T) (*Writer, *fakePool) {
	pool := &fakePool{}
	w, err := OpenWithPool(context.Background(), pool)
	require.NoError(t, err)
	return w, pool
}

func TestOpenRunsMigration(t *testing.T) {
	w, pool := newTestWriter(t)
	defer w.Close()
	require.Contains(t, pool.execCalls[0], "CREATE TABLE")
}

func TestDoRunsOnWriterGoroutine(t *testing.T) {
	w, _ := newTestWriter(t)
	defer w.Close()

	result, err := w.Do(context.Background(), func(ctx context.Context, q Queryer) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestDoReturnsAbortOnCancelledContext(t *testing.T) {
	w, _ := newTestWriter(t)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	require.Error(t, err)
}

func TestCloseStopsAcceptingWork(t *testing.T) {
	w, pool := newTestWriter(t)
	_ = pool
	w.Close()

	_, err := w.Do(context.Background(), func(ctx context.Context, q Queryer) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
}

var _ pgconn.CommandTag
