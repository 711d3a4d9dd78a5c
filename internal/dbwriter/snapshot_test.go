package dbwriter

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// fakeQueryer is a scripted double for Queryer: each test pre-loads the
// exact sequence of Exec/Query/QueryRow results addSnapshotTx is expected
// to need for a given code path, since building a real SQL-parsing fake
// is out of scope for this package's concerns.
type fakeQueryer struct {
	queryResult []map[string]any // rows to return from the next Query call
	queryErr    error
	execCalls   []string
	queryCalls  []string
}

func (f *fakeQueryer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execCalls = append(f.execCalls, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeQueryer) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{}
}

func (f *fakeQueryer) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queryCalls = append(f.queryCalls, sql)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.queryResult}, nil
}

type fakeRow struct{}

func (fakeRow) Scan(dest ...any) error { return pgx.ErrNoRows }

type fakeRows struct {
	rows []map[string]any
	idx  int
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	if len(r.rows) == 0 {
		return nil
	}
	fds := make([]pgconn.FieldDescription, 0, len(r.rows[0]))
	for k := range r.rows[0] {
		fds = append(fds, pgconn.FieldDescription{Name: k})
	}
	return fds
}
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error { return nil }
func (r *fakeRows) Values() ([]any, error) {
	row := r.rows[r.idx-1]
	fds := r.FieldDescriptions()
	out := make([]any, len(fds))
	for i, fd := range fds {
		out[i] = row[fd.Name]
	}
	return out, nil
}
func (r *fakeRows) RawValues() [][]byte     { return nil }
func (r *fakeRows) Conn() *pgx.Conn         { return nil }

func TestAddSnapshotFirstSnapshotWhenNoExistingRow(t *testing.T) {
	fq := &fakeQueryer{queryResult: nil}
	outcome, err := addSnapshotTx(context.Background(), fq, schemas[KindChannel],
		[]any{int64(1)}, 100, map[string]any{"server_id": int64(9), "kind": int16(0), "name": "general"}, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeFirstSnapshot, outcome)
	require.Len(t, fq.execCalls, 1)
}

func TestAddSnapshotPartialNoSnapshotWhenRequiredColumnsMissing(t *testing.T) {
	fq := &fakeQueryer{queryResult: nil}
	outcome, err := addSnapshotTx(context.Background(), fq, schemas[KindChannel],
		[]any{int64(1)}, 100, map[string]any{"name": "general"}, true)
	require.NoError(t, err)
	require.Equal(t, OutcomePartialNoSnapshot, outcome)
	require.Len(t, fq.execCalls, 0)
}

func TestAddSnapshotSameAsLatestSkipsWrite(t *testing.T) {
	fq := &fakeQueryer{queryResult: []map[string]any{
		{"id": int64(1), "observed_at": int64(50), "server_id": int64(9), "kind": int16(0), "name": "general"},
	}}
	outcome, err := addSnapshotTx(context.Background(), fq, schemas[KindChannel],
		[]any{int64(1)}, 100, map[string]any{"server_id": int64(9), "kind": int16(0), "name": "general"}, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSameAsLatest, outcome)
	require.Len(t, fq.execCalls, 0)
}

func TestAddSnapshotAnotherSnapshotCopiesThenUpdates(t *testing.T) {
	fq := &fakeQueryer{queryResult: []map[string]any{
		{"id": int64(1), "observed_at": int64(50), "server_id": int64(9), "kind": int16(0), "name": "general"},
	}}
	outcome, err := addSnapshotTx(context.Background(), fq, schemas[KindChannel],
		[]any{int64(1)}, 100, map[string]any{"server_id": int64(9), "kind": int16(0), "name": "renamed"}, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeAnotherSnapshot, outcome)
	require.Len(t, fq.execCalls, 2) // copy to previous, then update latest
}

func TestAddSnapshotRejectsNonIncreasingTimestamp(t *testing.T) {
	fq := &fakeQueryer{queryResult: []map[string]any{
		{"id": int64(1), "observed_at": int64(100), "server_id": int64(9), "kind": int16(0), "name": "general"},
	}}
	_, err := addSnapshotTx(context.Background(), fq, schemas[KindChannel],
		[]any{int64(1)}, 100, map[string]any{"server_id": int64(9), "kind": int16(0), "name": "general"}, false)
	require.Error(t, err)
}

func TestWhereClauseBuildsANDedPlaceholders(t *testing.T) {
	require.Equal(t, "server_id = $1 AND user_id = $2", whereClause([]string{"server_id", "user_id"}))
}

func TestMarkDeletedNoOpWhenRowMissing(t *testing.T) {
	fq := &fakeQueryer{queryResult: nil}
	err := MarkDeletedTx(context.Background(), fq, KindMessage, []any{int64(1)}, 100)
	require.NoError(t, err)
	require.Len(t, fq.execCalls, 0)
}

func TestMarkDeletedNoOpWhenAlreadyDeleted(t *testing.T) {
	fq := &fakeQueryer{queryResult: []map[string]any{
		{"id": int64(1), "observed_at": int64(50), "channel_id": int64(2), "author_id": int64(3),
			"content": "hi", "edited_at": nil, "flags": int16(0), "deleted_at": int64(75)},
	}}
	err := MarkDeletedTx(context.Background(), fq, KindMessage, []any{int64(1)}, 100)
	require.NoError(t, err)
	require.Len(t, fq.execCalls, 0)
}

func TestMarkDeletedSetsDeletedAt(t *testing.T) {
	fq := &fakeQueryer{queryResult: []map[string]any{
		{"id": int64(1), "observed_at": int64(50), "channel_id": int64(2), "author_id": int64(3),
			"content": "hi", "edited_at": nil, "flags": int16(0), "deleted_at": nil},
	}}
	err := MarkDeletedTx(context.Background(), fq, KindMessage, []any{int64(1)}, 100)
	require.NoError(t, err)
	require.Len(t, fq.execCalls, 1)
}
