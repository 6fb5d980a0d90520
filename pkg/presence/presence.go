// Package presence tracks ephemeral per-peer state: voice channel
// membership, speaking, mute/deafen, screen-share and camera toggles.
// Nothing here is persisted or acknowledged; a peer that was offline when
// an event fired never observes it, and reconstructs current state from
// the announce snapshot a peer sends on reconnect.
package presence

import (
	"sync"

	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/wire"
)

// Table is the live peer-state table for one room session.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*room.Peer
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{peers: make(map[string]*room.Peer)}
}

// Connected registers a peer connection.
func (t *Table) Connected(peerID, username string) room.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &room.Peer{ID: peerID, Username: username, Connected: true}
	t.peers[peerID] = p
	return *p
}

// Disconnected removes a peer and returns its last state, if any.
func (t *Table) Disconnected(peerID string) (room.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	if !ok {
		return room.Peer{}, false
	}
	delete(t.peers, peerID)
	p.Connected = false
	return *p, true
}

// Apply folds an inbound presence payload into the table and returns the
// peer's updated snapshot. Toggle kinds are most-recent-wins; there is no
// ordering guarantee beyond that.
func (t *Table) Apply(peerID string, p wire.PresencePayload) (room.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[peerID]
	if !ok {
		return room.Peer{}, false
	}
	if p.Username != "" {
		peer.Username = p.Username
	}
	switch p.Kind {
	case wire.PresenceVoiceJoin:
		peer.VoiceChannelID = p.ChannelID
	case wire.PresenceVoiceLeave:
		peer.VoiceChannelID = ""
		peer.Speaking = false
		peer.ScreenSharing = false
		peer.CameraOn = false
	case wire.PresenceSpeaking:
		peer.Speaking = p.On
	case wire.PresenceMute:
		peer.Muted = p.On
	case wire.PresenceDeafen:
		peer.Deafened = p.On
	case wire.PresenceScreenShare:
		peer.ScreenSharing = p.On
	case wire.PresenceCamera:
		peer.CameraOn = p.On
	case wire.PresenceAnnounce:
		if p.Snapshot != nil {
			snap := *p.Snapshot
			snap.ID = peerID
			snap.Connected = true
			*peer = snap
		}
	default:
		return *peer, false
	}
	return *peer, true
}

// Get returns a peer's snapshot.
func (t *Table) Get(peerID string) (room.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peerID]
	if !ok {
		return room.Peer{}, false
	}
	return *p, true
}

// Snapshot returns all connected peers.
func (t *Table) Snapshot() []room.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]room.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// VoiceMembers returns the peers currently in a voice channel.
func (t *Table) VoiceMembers(channelID string) []room.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []room.Peer
	for _, p := range t.peers {
		if p.VoiceChannelID == channelID {
			out = append(out, *p)
		}
	}
	return out
}
