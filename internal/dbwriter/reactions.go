package dbwriter

import (
	"context"
)

// Each operation below has two forms: a Writer method that goes through
// Do (for callers outside a transaction) and a Tx function taking a
// Queryer directly (for callers already inside a Writer.Transaction
// body — calling the Do-wrapped form there would deadlock the single
// writer goroutine on itself).

// ResolveWebhookAuthor maps a (webhookID, displayName, avatar) tuple to a
// stable synthetic author id below WebhookSentinel, so that multiple
// "authors" sharing one webhook id but differing in name/avatar become
// distinct rows (spec.md §4.4).
func (w *Writer) ResolveWebhookAuthor(ctx context.Context, webhookID int64, displayName, avatar string) (int64, error) {
	result, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		return resolveWebhookAuthorTx(ctx, q, webhookID, displayName, avatar)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

func ResolveWebhookAuthorTx(ctx context.Context, q Queryer, webhookID int64, displayName, avatar string) (int64, error) {
	return resolveWebhookAuthorTx(ctx, q, webhookID, displayName, avatar)
}

func resolveWebhookAuthorTx(ctx context.Context, q Queryer, webhookID int64, displayName, avatar string) (int64, error) {
	row := q.QueryRow(ctx,
		`SELECT synthetic_id FROM webhook_users WHERE webhook_id=$1 AND display_name=$2 AND avatar=$3`,
		webhookID, displayName, avatar)
	var id int64
	if err := row.Scan(&id); err == nil {
		return id, nil
	}

	row = q.QueryRow(ctx, `SELECT nextval('webhook_user_seq')`)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	syntheticID := seq % WebhookSentinel

	_, err := q.Exec(ctx,
		`INSERT INTO webhook_users (synthetic_id, webhook_id, display_name, avatar) VALUES ($1,$2,$3,$4)`,
		syntheticID, webhookID, displayName, avatar)
	if err != nil {
		return 0, err
	}
	return syntheticID, nil
}

// AddInitialReaction records a reaction observed during an initial
// reactions load with the start=0 sentinel (spec.md §4.4: "existed since
// before archival"). It is deduplicated against any already-open
// placement for the same (message, user, emoji).
func (w *Writer) AddInitialReaction(ctx context.Context, messageID, userID int64, emojiID int64) error {
	_, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		return nil, AddInitialReactionTx(ctx, q, messageID, userID, emojiID)
	})
	return err
}

func AddInitialReactionTx(ctx context.Context, q Queryer, messageID, userID int64, emojiID int64) error {
	var exists bool
	row := q.QueryRow(ctx,
		`SELECT true FROM reactions WHERE message_id=$1 AND user_id=$2 AND emoji_id=$3 AND end_at IS NULL`,
		messageID, userID, emojiID)
	_ = row.Scan(&exists)
	if exists {
		return nil
	}
	_, err := q.Exec(ctx,
		`INSERT INTO reactions (message_id, user_id, emoji_id, start_at, end_at) VALUES ($1,$2,$3,0,NULL)`,
		messageID, userID, emojiID)
	return err
}

// AddRealtimeReaction records a realtime reaction placement with a real
// start time.
func (w *Writer) AddRealtimeReaction(ctx context.Context, messageID, userID int64, emojiID int64, startAt int64) error {
	_, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		_, err := q.Exec(ctx,
			`INSERT INTO reactions (message_id, user_id, emoji_id, start_at, end_at) VALUES ($1,$2,$3,$4,NULL)`,
			messageID, userID, emojiID, startAt)
		return nil, err
	})
	return err
}

// RemoveReaction sets end_at on every open placement matching
// (message, user, emoji) — a user can have at most one open placement per
// emoji, but the predicate matches by design rather than assuming it.
func (w *Writer) RemoveReaction(ctx context.Context, messageID, userID int64, emojiID int64, endAt int64) error {
	_, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		_, err := q.Exec(ctx,
			`UPDATE reactions SET end_at=$4 WHERE message_id=$1 AND user_id=$2 AND emoji_id=$3 AND end_at IS NULL`,
			messageID, userID, emojiID, endAt)
		return nil, err
	})
	return err
}

// ResolveEmoji looks up or creates the reaction_emojis row for an emoji
// id/name pair (custom emojis carry an id; standard unicode emojis don't).
func (w *Writer) ResolveEmoji(ctx context.Context, emojiID *int64, emojiName string) (int64, error) {
	result, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		return resolveEmojiTx(ctx, q, emojiID, emojiName)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

func ResolveEmojiTx(ctx context.Context, q Queryer, emojiID *int64, emojiName string) (int64, error) {
	return resolveEmojiTx(ctx, q, emojiID, emojiName)
}

func resolveEmojiTx(ctx context.Context, q Queryer, emojiID *int64, emojiName string) (int64, error) {
	row := q.QueryRow(ctx,
		`SELECT id FROM reaction_emojis WHERE emoji_id IS NOT DISTINCT FROM $1 AND emoji_name=$2`,
		emojiID, emojiName)
	var id int64
	if err := row.Scan(&id); err == nil {
		return id, nil
	}
	row = q.QueryRow(ctx,
		`INSERT INTO reaction_emojis (emoji_id, emoji_name) VALUES ($1,$2)
		 ON CONFLICT (emoji_id, emoji_name) DO UPDATE SET emoji_name = EXCLUDED.emoji_name
		 RETURNING id`,
		emojiID, emojiName)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// AddAttachment inserts unconditionally, per spec.md §4.4. The URL is
// stored as given: neither this function nor its callers check it against
// a CDN URL pattern or log URLs that do not match one.
func (w *Writer) AddAttachment(ctx context.Context, id, messageID int64, url, contentType string, imageHash []byte, insertedAt int64) error {
	_, err := w.Do(ctx, func(ctx context.Context, q Queryer) (any, error) {
		return nil, AddAttachmentTx(ctx, q, id, messageID, url, contentType, imageHash, insertedAt)
	})
	return err
}

func AddAttachmentTx(ctx context.Context, q Queryer, id, messageID int64, url, contentType string, imageHash []byte, insertedAt int64) error {
	_, err := q.Exec(ctx,
		`INSERT INTO attachments (id, message_id, url, content_type, image_hash, inserted_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		id, messageID, url, contentType, imageHash, insertedAt)
	return err
}
