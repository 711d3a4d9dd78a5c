package orchestrator

import (
	"context"
	"testing"

	"archivesync/internal/dbwriter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// fakeQueryer scripts enough of dbwriter.Queryer for
// insertResolvedMessageTx's code path: addSnapshotTx reads the existing
// latest row via Query (a plain SELECT *, not QueryRow), so every Query
// call returns existingRow as its single row, or no rows when existingRow
// is nil.
type fakeQueryer struct {
	existingRow map[string]any // nil means no existing latest row
	queried     bool
	execCalls   []string
}

func (f *fakeQueryer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execCalls = append(f.execCalls, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeQueryer) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeBackfillRow{}
}

func (f *fakeQueryer) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.existingRow == nil {
		return &fakeBackfillRows{}, nil
	}
	return &fakeBackfillRows{rows: []map[string]any{f.existingRow}}, nil
}

type fakeBackfillRow struct{}

func (fakeBackfillRow) Scan(dest ...any) error { return pgx.ErrNoRows }

type fakeBackfillRows struct {
	rows []map[string]any
	idx  int
}

func (r *fakeBackfillRows) Close()     {}
func (r *fakeBackfillRows) Err() error { return nil }
func (r *fakeBackfillRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeBackfillRows) FieldDescriptions() []pgconn.FieldDescription {
	if len(r.rows) == 0 {
		return nil
	}
	fds := make([]pgconn.FieldDescription, 0, len(r.rows[0]))
	for k := range r.rows[0] {
		fds = append(fds, pgconn.FieldDescription{Name: k})
	}
	return fds
}
func (r *fakeBackfillRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeBackfillRows) Scan(dest ...any) error { return nil }
func (r *fakeBackfillRows) Values() ([]any, error) {
	row := r.rows[r.idx-1]
	fds := r.FieldDescriptions()
	out := make([]any, len(fds))
	for i, fd := range fds {
		out[i] = row[fd.Name]
	}
	return out, nil
}
func (r *fakeBackfillRows) RawValues() [][]byte { return nil }
func (r *fakeBackfillRows) Conn() *pgx.Conn     { return nil }

func TestInsertResolvedMessageTxFirstSnapshotWritesAttachmentsAndReactions(t *testing.T) {
	fq := &fakeQueryer{}
	rm := resolvedMessage{
		msg: wireMessage{
			ID:        1,
			ChannelID: 9,
			Content:   "hello",
			Attachments: []attachmentWire{
				{ID: 11, URL: "https://cdn.example/a.png", ContentType: "image/png"},
			},
		},
		authorID: 42,
		reactions: []resolvedReaction{
			{emojiID: 3, userIDs: []uint64{100, 101}},
		},
	}

	outcome, err := insertResolvedMessageTx(context.Background(), fq, rm)
	require.NoError(t, err)
	require.Equal(t, dbwriter.OutcomeFirstSnapshot, outcome)

	// one insert for the message snapshot, one for the attachment, two for
	// the initial reactions (one per reacting user).
	require.Len(t, fq.execCalls, 4)
}

func TestInsertResolvedMessageTxSameAsLatestSkipsReactions(t *testing.T) {
	fq := &fakeQueryer{existingRow: map[string]any{
		"id": int64(1), "observed_at": int64(50),
		"channel_id": int64(9), "author_id": int64(42), "content": "hello",
		"edited_at": int64(0), "flags": int16(0),
	}}
	rm := resolvedMessage{
		msg:      wireMessage{ID: 1, ChannelID: 9, Content: "hello"},
		authorID: 42,
		reactions: []resolvedReaction{
			{emojiID: 3, userIDs: []uint64{100}},
		},
	}

	outcome, err := insertResolvedMessageTx(context.Background(), fq, rm)
	require.NoError(t, err)
	require.Equal(t, dbwriter.OutcomeSameAsLatest, outcome)
	require.Empty(t, fq.execCalls) // no snapshot write, and initial reactions skipped entirely
}

func TestInsertResolvedMessageTxEditedContentWritesAnotherSnapshotNoReactions(t *testing.T) {
	fq := &fakeQueryer{existingRow: map[string]any{
		"id": int64(1), "observed_at": int64(50),
		"channel_id": int64(9), "author_id": int64(42), "content": "old",
		"edited_at": int64(0), "flags": int16(0),
	}}
	rm := resolvedMessage{
		msg:      wireMessage{ID: 1, ChannelID: 9, Content: "edited"},
		authorID: 42,
		reactions: []resolvedReaction{
			{emojiID: 3, userIDs: []uint64{100}},
		},
	}

	outcome, err := insertResolvedMessageTx(context.Background(), fq, rm)
	require.NoError(t, err)
	require.Equal(t, dbwriter.OutcomeAnotherSnapshot, outcome)
	// copy-to-previous, then update-latest; reactions are only written on
	// OutcomeFirstSnapshot (spec.md §4.4: initial reactions load is a
	// once-per-message thing, not replayed on every edit).
	require.Len(t, fq.execCalls, 2)
}
