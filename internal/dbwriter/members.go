package dbwriter

import (
	"context"
	"sort"
)

// SyncMembershipSet implements spec.md §4.4's "sync membership set" point
// mutation: after a full member enumeration completes, the entire
// observed set of member ids replaces whatever set was stored for the
// server. Unlike AddSnapshot's copy-to-history contract, there is only
// ever one membership set per server — observing the exact same set
// again is a no-op, matching the writer's append-only-on-inequality rule
// from the rest of §4.4.
func (w *Writer) SyncMembershipSet(ctx context.Context, serverID int64, memberIDs []int64, observedAt int64) error {
	_, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		return nil, SyncMembershipSetTx(ctx, q, serverID, memberIDs, observedAt)
	})
	return err
}

func SyncMembershipSetTx(ctx context.Context, q Queryer, serverID int64, memberIDs []int64, observedAt int64) error {
	sorted := append([]int64(nil), memberIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	row := q.QueryRow(ctx, `SELECT member_ids FROM sync_guild_members WHERE server_id = $1`, serverID)
	var existing []int64
	if err := row.Scan(&existing); err == nil && int64SliceEqual(existing, sorted) {
		return nil
	}

	_, err := q.Exec(ctx, `
		INSERT INTO sync_guild_members (server_id, observed_at, member_ids)
		VALUES ($1, $2, $3)
		ON CONFLICT (server_id) DO UPDATE SET observed_at = $2, member_ids = $3`,
		serverID, observedAt, sorted)
	return err
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
