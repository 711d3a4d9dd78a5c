package dbwriter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"archivesync/internal/errs"
)

// Outcome is one of the four results a snapshot add can produce
// (spec.md §4.4).
type Outcome int

const (
	OutcomeFirstSnapshot Outcome = iota
	OutcomeAnotherSnapshot
	OutcomeSameAsLatest
	OutcomePartialNoSnapshot
)

// EntityKind names one of the latest_/previous_ table pairs.
type EntityKind string

const (
	KindServer  EntityKind = "servers"
	KindChannel EntityKind = "channels"
	KindRole    EntityKind = "roles"
	KindUser    EntityKind = "users"
	KindMember  EntityKind = "members"
	KindMessage EntityKind = "messages"
)

// kindSchema describes one entity kind's table shape. idColumns is the
// primary-key column set on the latest table; previousIDColumns is the
// matching column name(s) on the previous table (members uses a
// composite key, so this is not always the same name as idColumns).
type kindSchema struct {
	latestTable      string
	previousTable    string
	idColumns        []string
	previousIDCols   []string
	monitoredColumns []string // compared for "same as latest"
	requiredColumns  []string // must be present for a partial add to succeed
}

var schemas = map[EntityKind]kindSchema{
	KindServer: {
		latestTable: "latest_servers", previousTable: "previous_servers",
		idColumns: []string{"id"}, previousIDCols: []string{"server_id"},
		monitoredColumns: []string{"name", "owner_id", "unavailable"},
		requiredColumns:  []string{"name", "owner_id"},
	},
	KindChannel: {
		latestTable: "latest_channels", previousTable: "previous_channels",
		idColumns: []string{"id"}, previousIDCols: []string{"channel_id"},
		monitoredColumns: []string{"server_id", "kind", "name"},
		requiredColumns:  []string{"server_id", "kind", "name"},
	},
	KindRole: {
		latestTable: "latest_roles", previousTable: "previous_roles",
		idColumns: []string{"id"}, previousIDCols: []string{"role_id"},
		monitoredColumns: []string{"server_id", "name", "permissions"},
		requiredColumns:  []string{"server_id", "name", "permissions"},
	},
	KindUser: {
		latestTable: "latest_users", previousTable: "previous_users",
		idColumns: []string{"id"}, previousIDCols: []string{"user_id"},
		monitoredColumns: []string{"username", "discriminator", "avatar"},
		requiredColumns:  []string{"username"},
	},
	// members are keyed by (server_id, user_id); the distinguished "leave"
	// add (spec.md §4.4) writes nickname/role_ids/joined_at all null, so
	// the transition back to "joined" is representable as an ordinary
	// snapshot change.
	KindMember: {
		latestTable: "latest_members", previousTable: "previous_members",
		idColumns: []string{"server_id", "user_id"}, previousIDCols: []string{"server_id", "user_id"},
		monitoredColumns: []string{"nickname", "role_ids", "joined_at"},
		requiredColumns:  []string{},
	},
	KindMessage: {
		latestTable: "latest_messages", previousTable: "previous_messages",
		idColumns: []string{"id"}, previousIDCols: []string{"message_id"},
		monitoredColumns: []string{"channel_id", "author_id", "content", "edited_at", "flags"},
		requiredColumns:  []string{"channel_id", "author_id", "content"},
	},
}

// AddSnapshot implements the copy-to-history-then-update-in-place
// contract from spec.md §4.4. fields holds the entity's other columns;
// the id column(s) and observed_at come from id and observedAt and are
// not repeated in fields. partial means: only the
// given columns are known (e.g. a MESSAGE_UPDATE carrying just content).
func (w *Writer) AddSnapshot(ctx context.Context, kind EntityKind, id []any, observedAt int64, fields map[string]any, partial bool) (Outcome, error) {
	schema, ok := schemas[kind]
	if !ok {
		return 0, errs.ErrProgrammingError.WithDetail(fmt.Sprintf("unknown entity kind %q", kind))
	}
	result, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		return addSnapshotTx(ctx, q, schema, id, observedAt, fields, partial)
	})
	if err != nil {
		return 0, err
	}
	return result.(Outcome), nil
}

// AddSnapshotTx is AddSnapshot's logic run directly against a Queryer
// already obtained from inside a Writer.Transaction body. Callers inside
// a transaction must use this instead of AddSnapshot: AddSnapshot goes
// through Writer.Do, and calling Do from within a job already running on
// the single writer goroutine deadlocks it.
func AddSnapshotTx(ctx context.Context, q Queryer, kind EntityKind, id []any, observedAt int64, fields map[string]any, partial bool) (Outcome, error) {
	schema, ok := schemas[kind]
	if !ok {
		return 0, errs.ErrProgrammingError.WithDetail(fmt.Sprintf("unknown entity kind %q", kind))
	}
	return addSnapshotTx(ctx, q, schema, id, observedAt, fields, partial)
}

func addSnapshotTx(ctx context.Context, q Queryer, schema kindSchema, id []any, observedAt int64, fields map[string]any, partial bool) (Outcome, error) {
	existing, err := loadLatestRow(ctx, q, schema, id)
	if err != nil {
		return 0, err
	}

	if existing == nil {
		if partial {
			for _, req := range schema.requiredColumns {
				if _, ok := fields[req]; !ok {
					return OutcomePartialNoSnapshot, nil
				}
			}
		}
		if err := insertLatest(ctx, q, schema, id, observedAt, fields); err != nil {
			return 0, err
		}
		return OutcomeFirstSnapshot, nil
	}

	if existingObservedAt, ok := existing["observed_at"].(int64); ok && observedAt <= existingObservedAt {
		return 0, errs.ErrProgrammingError.WithDetail("new snapshot timestamp not strictly greater than stored")
	}

	merged := make(map[string]any, len(existing)+len(fields))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	if sameMonitoredFields(existing, merged, schema.monitoredColumns) {
		return OutcomeSameAsLatest, nil
	}

	if err := copyLatestToPrevious(ctx, q, schema, id); err != nil {
		return 0, err
	}
	merged["observed_at"] = observedAt
	if err := updateLatest(ctx, q, schema, id, merged); err != nil {
		return 0, err
	}
	return OutcomeAnotherSnapshot, nil
}

// MarkDeleted implements spec.md §4.4's "mark deleted" point mutation:
// the latest row for (kind, id) gets a deleted_at timestamp, in place,
// with no history copy — a deletion is not a new observation of the
// entity's content, just a marker on the one that's already there.
// Marking a row that doesn't exist, or is already marked, is a no-op.
func (w *Writer) MarkDeleted(ctx context.Context, kind EntityKind, id []any, deletedAt int64) error {
	_, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		return nil, MarkDeletedTx(ctx, q, kind, id, deletedAt)
	})
	return err
}

func MarkDeletedTx(ctx context.Context, q Queryer, kind EntityKind, id []any, deletedAt int64) error {
	schema, ok := schemas[kind]
	if !ok {
		return errs.ErrProgrammingError.WithDetail(fmt.Sprintf("unknown entity kind %q", kind))
	}
	existing, err := loadLatestRow(ctx, q, schema, id)
	if err != nil {
		return err
	}
	if existing == nil || existing["deleted_at"] != nil {
		return nil
	}
	return updateLatest(ctx, q, schema, id, map[string]any{"deleted_at": deletedAt})
}

func loadLatestRow(ctx context.Context, q Queryer, schema kindSchema, id []any) (map[string]any, error) {
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s", schema.latestTable, whereClause(schema.idColumns))
	rows, err := q.Query(ctx, sql, id...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	fds := rows.FieldDescriptions()
	out := make(map[string]any, len(fds))
	for i, fd := range fds {
		out[string(fd.Name)] = values[i]
	}
	return out, nil
}

func sameMonitoredFields(existing, merged map[string]any, monitored []string) bool {
	for _, col := range monitored {
		if !valuesEqual(existing[col], merged[col]) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func insertLatest(ctx context.Context, q Queryer, schema kindSchema, id []any, observedAt int64, fields map[string]any) error {
	cols := make([]string, 0, len(fields)+len(schema.idColumns)+1)
	vals := make([]any, 0, cap(cols))
	for i, idCol := range schema.idColumns {
		cols = append(cols, idCol)
		vals = append(vals, id[i])
	}
	cols = append(cols, "observed_at")
	vals = append(vals, observedAt)
	for _, col := range sortedKeys(fields) {
		cols = append(cols, col)
		vals = append(vals, fields[col])
	}
	placeholders := make([]string, len(vals))
	for i := range vals {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", schema.latestTable,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := q.Exec(ctx, sql, vals...)
	return err
}

func updateLatest(ctx context.Context, q Queryer, schema kindSchema, id []any, fields map[string]any) error {
	setCols := sortedKeys(fields)
	setClauses := make([]string, len(setCols))
	vals := make([]any, 0, len(setCols)+len(id))
	for i, col := range setCols {
		setClauses[i] = fmt.Sprintf("%s = $%d", col, i+1)
		vals = append(vals, fields[col])
	}
	where := make([]string, len(schema.idColumns))
	for i, col := range schema.idColumns {
		where[i] = fmt.Sprintf("%s = $%d", col, len(vals)+1)
		vals = append(vals, id[i])
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", schema.latestTable,
		strings.Join(setClauses, ", "), strings.Join(where, " AND "))
	_, err := q.Exec(ctx, sql, vals...)
	return err
}

func copyLatestToPrevious(ctx context.Context, q Queryer, schema kindSchema, id []any) error {
	selectCols := make([]string, 0, len(schema.idColumns)+1+len(schema.monitoredColumns))
	selectCols = append(selectCols, schema.idColumns...)
	selectCols = append(selectCols, "observed_at")
	selectCols = append(selectCols, schema.monitoredColumns...)

	insertCols := make([]string, 0, len(selectCols))
	insertCols = append(insertCols, schema.previousIDCols...)
	insertCols = append(insertCols, "observed_at")
	insertCols = append(insertCols, schema.monitoredColumns...)

	sql := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s",
		schema.previousTable, strings.Join(insertCols, ", "),
		strings.Join(selectCols, ", "), schema.latestTable, whereClause(schema.idColumns))
	_, err := q.Exec(ctx, sql, id...)
	return err
}

func whereClause(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
