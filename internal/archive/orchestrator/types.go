// Dispatch payload shapes the orchestrator decodes off internal/gateway
// events. Field names follow the persisted column names in
// internal/dbwriter's schema rather than any particular wire vocabulary,
// since spec.md §3/§6 specify the data model, not a wire format.
package orchestrator

import "encoding/json"

type readyDispatch struct {
	Servers []struct {
		ID          uint64 `json:"id"`
		Unavailable bool   `json:"unavailable"`
	} `json:"servers"`
	UserID uint64 `json:"user_id"`
}

type overwriteWire struct {
	PrincipalID uint64 `json:"principal_id"`
	IsRole      bool   `json:"is_role"`
	Allow       uint64 `json:"allow"`
	Deny        uint64 `json:"deny"`
}

type roleWire struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Permissions uint64 `json:"permissions"`
}

type channelWire struct {
	ID         uint64          `json:"id"`
	ServerID   uint64          `json:"server_id"`
	Kind       int             `json:"kind"`
	Name       string          `json:"name"`
	Overwrites []overwriteWire `json:"overwrites"`
}

type serverCreateDispatch struct {
	ID          uint64        `json:"id"`
	Name        string        `json:"name"`
	OwnerID     uint64        `json:"owner_id"`
	Unavailable bool          `json:"unavailable"`
	Roles       []roleWire    `json:"roles"`
	Channels    []channelWire `json:"channels"`
	MemberRoleIDs []uint64    `json:"member_role_ids"` // this account's own role ids in the server
}

type roleDispatch struct {
	ServerID uint64   `json:"server_id"`
	Role     roleWire `json:"role"`
}

type roleDeleteDispatch struct {
	ServerID uint64 `json:"server_id"`
	RoleID   uint64 `json:"role_id"`
}

type channelUpdateDispatch struct {
	Channel channelWire `json:"channel"`
}

type memberUpdateDispatch struct {
	ServerID uint64   `json:"server_id"`
	UserID   uint64   `json:"user_id"`
	RoleIDs  []uint64 `json:"role_ids"`
}

type memberRemoveDispatch struct {
	ServerID uint64 `json:"server_id"`
	UserID   uint64 `json:"user_id"`
}

type membersChunkDispatch struct {
	ServerID uint64   `json:"server_id"`
	UserIDs  []uint64 `json:"user_ids"`
	ChunkIdx int      `json:"chunk_index"`
	ChunkCnt int      `json:"chunk_count"`
}

type messageDispatch struct {
	ID              uint64          `json:"id"`
	ChannelID       uint64          `json:"channel_id"`
	AuthorID        uint64          `json:"author_id"`
	Content         string          `json:"content"`
	EditedTimestamp *int64          `json:"edited_timestamp"`
	Flags           int             `json:"flags"`
	WebhookID       *uint64         `json:"webhook_id"`
	AuthorName      string          `json:"author_name"`
	AuthorAvatar    string          `json:"author_avatar"`
	Attachments     []attachmentWire `json:"attachments"`
}

type attachmentWire struct {
	ID          uint64 `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	ImageHash   []byte `json:"image_hash"`
}

type messageDeleteDispatch struct {
	ID        uint64 `json:"id"`
	ChannelID uint64 `json:"channel_id"`
}

type reactionDispatch struct {
	MessageID uint64  `json:"message_id"`
	ChannelID uint64  `json:"channel_id"`
	UserID    uint64  `json:"user_id"`
	EmojiID   *uint64 `json:"emoji_id"`
	EmojiName string  `json:"emoji_name"`
}

type threadListSyncDispatch struct {
	ServerID   uint64   `json:"server_id"`
	ChannelIDs []uint64 `json:"channel_ids"`
	Threads    []struct {
		ID        uint64 `json:"id"`
		ParentID  uint64 `json:"parent_id"`
		Name      string `json:"name"`
		IsPrivate bool   `json:"is_private"`
	} `json:"threads"`
}

type sessionLostDispatch struct {
	ServerID uint64 `json:"server_id"`
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
