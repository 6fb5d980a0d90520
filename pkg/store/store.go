// Package store is the local persistence collaborator: a key-value
// document store holding rooms, channels, messages, room keys and
// completed file transfers. The engine only ever appends or merges, so a
// store never observes a destructive overwrite.
package store

import (
	"errors"

	"github.com/mbryde/peerchat/pkg/room"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// StoredFile is a completed transfer persisted for later retrieval.
type StoredFile struct {
	Meta room.FileMetadata `json:"meta"`
	Data []byte            `json:"data"`
}

// DocumentStore is the persistence surface the engine depends on. A
// failing store degrades the session to in-memory operation; it never
// halts it.
type DocumentStore interface {
	PutRoom(r room.Room) error
	GetRoom(roomID string) (*room.Room, error)

	PutChannel(c room.Channel) error
	GetChannel(roomID, channelID string) (*room.Channel, error)
	ListChannels(roomID string) ([]room.Channel, error)

	PutMessage(roomID string, m room.Message) error
	GetMessage(roomID, messageID string) (*room.Message, error)
	// ListMessages returns a channel's messages in canonical
	// (timestamp, id) order.
	ListMessages(roomID, channelID string) ([]room.Message, error)
	// ListMessagesBefore returns up to limit messages older than
	// beforeID (exclusive, by id order), newest page first by position:
	// the returned slice is ascending and hasMore reports whether older
	// messages remain. An empty beforeID means "from the end".
	ListMessagesBefore(roomID, channelID, beforeID string, limit int) ([]room.Message, bool, error)
	// Watermark returns the highest-sorting message id in a channel, or
	// "" when the channel is empty.
	Watermark(roomID, channelID string) (string, error)
	// RoomWatermark returns the highest-sorting message id across all of
	// a room's channels.
	RoomWatermark(roomID string) (string, error)
	// KnownMessageIDs returns up to max message ids for a channel in id
	// order. It returns at most max entries; callers pass max+1 to
	// detect overflow.
	KnownMessageIDs(roomID, channelID string, max int) ([]string, error)

	// DeleteMessage removes a message and its id-index entry. Deleting
	// an unknown id is a no-op.
	DeleteMessage(roomID, messageID string) error

	PutRoomKey(roomID, key string) error
	GetRoomKey(roomID string) (string, error)

	PutFile(roomID string, f StoredFile) error
	GetFile(roomID, transferID string) (*StoredFile, error)
	DeleteFile(roomID, transferID string) error

	Close() error
}
