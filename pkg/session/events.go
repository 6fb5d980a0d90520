package session

import (
	"github.com/mbryde/peerchat/pkg/reconcile"
	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/wire"
)

// Event is the tagged union delivered on Session.Events. The UI layer
// switches on the concrete type; there are no optional callback bags.
type Event interface {
	event()
}

// MessageEvent carries a received chat message. Content has been
// decrypted for display when Resolved is true; otherwise the room key is
// missing or wrong and Content is the raw ciphertext.
type MessageEvent struct {
	Message  room.Message
	Resolved bool
}

// ChannelEvent announces a channel learned from broadcast or catch-up.
type ChannelEvent struct {
	Channel room.Channel
}

// PeerEvent reports a peer connection or disconnection.
type PeerEvent struct {
	Peer      room.Peer
	Connected bool
}

// SyncEvent reports a completed catch-up merge from one peer or from the
// offline poll bridge (empty PeerID).
type SyncEvent struct {
	PeerID  string
	Applied reconcile.Applied
}

// HistoryEvent delivers a backward history page.
type HistoryEvent struct {
	Response wire.HistoryResponse
}

// PresenceEvent reports an ephemeral peer-state change.
type PresenceEvent struct {
	Kind string
	Peer room.Peer
}

// ReactionEvent delivers the updated message after a reaction merge.
type ReactionEvent struct {
	Message room.Message
}

// FileProgressEvent reports inbound transfer progress in [0, 1].
type FileProgressEvent struct {
	TransferID string
	Progress   float64
}

// FileEvent delivers a completed, reassembled transfer.
type FileEvent struct {
	Meta room.FileMetadata
	Data []byte
}

// TransfersStalledEvent surfaces transfers left incomplete by a peer
// drop. They are not retried automatically.
type TransfersStalledEvent struct {
	Transfers []room.FileMetadata
}

// KeyRequestEvent surfaces a peer's room-key request. Sharing requires an
// explicit AuthorizeKeyShare call; nothing is granted automatically.
type KeyRequestEvent struct {
	PeerID   string
	Username string
}

// KeyReceivedEvent reports that the room key arrived from an authorizing
// peer.
type KeyReceivedEvent struct {
	SharedBy string
}

// SignalEvent hands a signaling envelope (offer/answer/candidate) to the
// transport collaborator that owns connection establishment.
type SignalEvent struct {
	Envelope *wire.Envelope
}

func (MessageEvent) event()          {}
func (ChannelEvent) event()          {}
func (PeerEvent) event()             {}
func (SyncEvent) event()             {}
func (HistoryEvent) event()          {}
func (PresenceEvent) event()         {}
func (ReactionEvent) event()         {}
func (FileProgressEvent) event()     {}
func (FileEvent) event()             {}
func (TransfersStalledEvent) event() {}
func (KeyRequestEvent) event()       {}
func (KeyReceivedEvent) event()      {}
func (SignalEvent) event()           {}
