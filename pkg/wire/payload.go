package wire

import (
	"github.com/go-playground/validator/v10"

	"github.com/mbryde/peerchat/pkg/room"
)

var validate = validator.New()

// SyncHello is the digest a peer sends immediately after channel
// establishment, describing what it already has. Watermarks carry the
// highest-sorting message id per channel; KnownMessageIDs is populated
// only for small bootstrap channels where an exact id list is cheaper
// than a watermark. See reconcile.DefaultBootstrapThreshold.
type SyncHello struct {
	Watermarks      map[string]string   `json:"watermarks"`
	KnownMessageIDs map[string][]string `json:"knownMessageIds,omitempty"`
	KnownChannelIDs []string            `json:"knownChannelIds"`
	RoomCreatedAt   int64               `json:"roomCreatedAt"`
}

// SyncPayload is the catch-up answer to a SyncHello.
type SyncPayload struct {
	Room     *room.Room     `json:"room,omitempty"`
	Channels []room.Channel `json:"channels,omitempty"`
	Messages []room.Message `json:"messages,omitempty"`
}

// HistoryRequest asks a peer for up to Limit messages older than
// BeforeMessageID (exclusive) in one channel.
type HistoryRequest struct {
	ChannelID       string `json:"channelId" validate:"required"`
	BeforeMessageID string `json:"beforeMessageId"`
	Limit           int    `json:"limit" validate:"required,min=1,max=200"`
}

// Validate checks the request bounds.
func (r *HistoryRequest) Validate() error {
	return validate.Struct(r)
}

// HistoryResponse answers a HistoryRequest.
type HistoryResponse struct {
	ChannelID string         `json:"channelId"`
	Messages  []room.Message `json:"messages"`
	HasMore   bool           `json:"hasMore"`
}

// Presence kinds carried in PresencePayload.
const (
	PresenceVoiceJoin   = "voice-join"
	PresenceVoiceLeave  = "voice-leave"
	PresenceSpeaking    = "speaking"
	PresenceMute        = "mute"
	PresenceDeafen      = "deafen"
	PresenceScreenShare = "screen-share"
	PresenceCamera      = "camera"
	PresenceAnnounce    = "announce"
)

// PresencePayload is a fire-and-forget ephemeral state broadcast. For
// toggle kinds On carries the new value; for voice-join ChannelID names
// the voice channel; announce carries the sender's full snapshot so a
// reconnecting peer can rebuild state.
type PresencePayload struct {
	Kind      string     `json:"kind"`
	Username  string     `json:"username"`
	ChannelID string     `json:"channelId,omitempty"`
	On        bool       `json:"on,omitempty"`
	Snapshot  *room.Peer `json:"snapshot,omitempty"`
}

// RoomKeyRequest announces that the sender holds no room key. Any key
// holder may answer with a RoomKeyShare after explicit human
// authorization.
type RoomKeyRequest struct {
	Username string `json:"username"`
}

// RoomKeyShare transmits the room key to an authorized requester. It is
// only ever sent peer-to-peer, never through the relay buffer.
type RoomKeyShare struct {
	Key              string `json:"key"`
	SharedByUsername string `json:"sharedByUsername"`
}

// FileChunk carries one piece of a transfer. Data may be sealed with the
// room's file subkey in encrypted rooms.
type FileChunk struct {
	TransferID string `json:"transferId"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Data       []byte `json:"data"`
}

// PollRequest is the body of POST /rooms/{roomID}/poll. LastMessageID is
// the per-room watermark: the highest message id across that room's
// channels, never a cross-room checkpoint.
type PollRequest struct {
	LastMessageID string `json:"lastMessageId"`
}

// PollResponse returns the buffered messages newer than the watermark.
type PollResponse struct {
	Messages []room.Message `json:"messages"`
}
