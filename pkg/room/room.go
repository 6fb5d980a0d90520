package room

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// TextChannel holds persistent chat messages.
	TextChannel ChannelType = "text"
	// VoiceChannel holds no history; it only carries presence state.
	VoiceChannel ChannelType = "voice"
)

// ChannelType determines whether a channel persists messages.
type ChannelType string

// Room is the unit of membership and key distribution. Every channel and
// message belongs to exactly one room.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	// Encrypted indicates that message content in this room is
	// ciphertext unless the local room key can decrypt it.
	Encrypted bool `json:"encrypted"`
}

// Channel is replicated to every peer via broadcast on creation and via
// catch-up sync on connect.
type Channel struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"roomId"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	CreatedAt int64       `json:"createdAt"`
}

// Message is the replicated chat record. Content may be ciphertext in the
// "iv:ciphertext" form when the room is encrypted; all other fields are
// always plaintext. Content is immutable once created.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	// Timestamp is the generation time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Synced marks whether at least one peer has acknowledged this
	// locally authored message. Advisory only.
	Synced    bool          `json:"synced"`
	Reactions Reactions     `json:"reactions,omitempty"`
	File      *FileMetadata `json:"fileMetadata,omitempty"`
	// SystemAction marks messages generated by the protocol itself,
	// e.g. key-authorization prompts.
	SystemAction string `json:"systemAction,omitempty"`
}

// FileMetadata announces a file transfer. It rides on the message that
// precedes the chunk stream.
type FileMetadata struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       string `json:"type"`
	Chunks     int    `json:"chunks"`
	TransferID string `json:"transferId"`
}

// Peer is the transient per-connection record. It exists only for the
// lifetime of a connection and is never persisted.
type Peer struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Connected      bool   `json:"connected"`
	VoiceChannelID string `json:"voiceChannelId,omitempty"`
	Speaking       bool   `json:"isSpeaking,omitempty"`
	ScreenSharing  bool   `json:"isScreenSharing,omitempty"`
	CameraOn       bool   `json:"isCameraOn,omitempty"`
	Muted          bool   `json:"muted,omitempty"`
	Deafened       bool   `json:"deafened,omitempty"`
}

var messageSeq atomic.Uint32

// NewMessageID returns an id that sorts lexicographically by generation
// time: a fixed-width hex unix-millisecond prefix, a fixed-width
// per-process counter so ids minted in the same millisecond keep their
// generation order, and a random uuid as the cross-origin tie-break. The
// watermark diff relies on a later local id never sorting below an
// earlier one.
func NewMessageID() string {
	return NewMessageIDAt(time.Now())
}

// NewMessageIDAt is NewMessageID with an explicit generation time.
func NewMessageIDAt(t time.Time) string {
	return fmt.Sprintf("%013x-%08x-%s", t.UnixMilli(), messageSeq.Add(1), uuid.New())
}

// NewID returns a plain unique id for rooms, channels and transfers.
func NewID() string {
	return uuid.New().String()
}

// CompareMessages orders two messages by (timestamp, id). The id comparison
// is the deterministic tie-break, so the resulting total order is identical
// on every peer regardless of arrival sequence.
func CompareMessages(a, b Message) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// SortMessages sorts into the canonical channel order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return CompareMessages(msgs[i], msgs[j]) < 0
	})
}
