package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/roomkey"
	"github.com/mbryde/peerchat/pkg/store"
	"github.com/mbryde/peerchat/pkg/transfer"
	"github.com/mbryde/peerchat/pkg/wire"
)

// SendMessage authors a message in a channel: encrypt when the room has a
// key, persist with Synced=false, broadcast, and mark synced once at
// least one peer queue accepted it.
func (s *Session) SendMessage(channelID, content string) (room.Message, error) {
	now := time.Now()
	m := room.Message{
		ID:        room.NewMessageIDAt(now),
		ChannelID: channelID,
		UserID:    s.cfg.UserID,
		Username:  s.cfg.Username,
		Content:   content,
		Timestamp: now.UnixMilli(),
	}
	s.mu.Lock()
	if s.room != nil && s.room.Encrypted && s.msgKey != nil {
		sealed, err := roomkey.Encrypt(content, s.msgKey)
		if err != nil {
			s.mu.Unlock()
			return room.Message{}, fmt.Errorf("encrypt message: %w", err)
		}
		m.Content = sealed
	}
	s.mu.Unlock()

	if err := s.store.PutMessage(s.cfg.RoomID, m); err != nil {
		// Degraded: keep going without persistence.
		s.logger.Error("persist message", slog.String("error", err.Error()))
	}
	if s.broadcast(wire.TypeMessage, m, false) > 0 {
		m.Synced = true
		if err := s.store.PutMessage(s.cfg.RoomID, m); err != nil {
			s.logger.Error("persist message", slog.String("error", err.Error()))
		}
	}
	return m, nil
}

// CreateChannel creates a channel and broadcasts its record to every
// connected peer; offline peers pick it up via catch-up sync.
func (s *Session) CreateChannel(name string, typ room.ChannelType) (room.Channel, error) {
	ch := room.Channel{
		ID:        room.NewID(),
		RoomID:    s.cfg.RoomID,
		Name:      name,
		Type:      typ,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.store.PutChannel(ch); err != nil {
		return room.Channel{}, fmt.Errorf("put channel: %w", err)
	}
	s.broadcast(wire.TypeChannelBroadcast, ch, false)
	return ch, nil
}

// React toggles this user's reaction on a message and broadcasts the
// event. The local merge and the broadcast carry the same sequence
// number, so every replica resolves the toggle identically.
func (s *Session) React(messageID, emoji string, add bool) (*room.Message, error) {
	action := room.ReactionAdd
	if !add {
		action = room.ReactionRemove
	}
	ev := room.ReactionEvent{
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    s.cfg.UserID,
		Username:  s.cfg.Username,
		Action:    action,
		Seq:       room.NextReactionSeq(),
	}
	m, err := s.engine.ApplyReaction(ev)
	if err != nil {
		return nil, err
	}
	s.broadcast(wire.TypeReaction, ev, true)
	return m, nil
}

// RequestHistory asks one peer for a backward page of channel history.
// The answer arrives asynchronously as a HistoryEvent.
func (s *Session) RequestHistory(peerID, channelID, beforeMessageID string, limit int) error {
	link, err := s.link(peerID)
	if err != nil {
		return err
	}
	req := wire.HistoryRequest{
		ChannelID:       channelID,
		BeforeMessageID: beforeMessageID,
		Limit:           limit,
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return s.sendTo(link, wire.TypeHistoryRequest, req, false)
}

// SendFile announces a transfer with a metadata message, then streams the
// ordered chunks to every connected peer. Chunk data is sealed with the
// file subkey in encrypted rooms. The completed blob is also persisted
// locally.
func (s *Session) SendFile(channelID, name, mimeType string, data []byte) (room.Message, error) {
	out := transfer.NewOutbound(name, mimeType, data)

	now := time.Now()
	m := room.Message{
		ID:        room.NewMessageIDAt(now),
		ChannelID: channelID,
		UserID:    s.cfg.UserID,
		Username:  s.cfg.Username,
		Timestamp: now.UnixMilli(),
		File:      &out.Meta,
	}
	if err := s.store.PutMessage(s.cfg.RoomID, m); err != nil {
		s.logger.Error("persist message", slog.String("error", err.Error()))
	}
	if err := s.store.PutFile(s.cfg.RoomID, storedFile(out.Meta, data)); err != nil {
		s.logger.Error("persist file", slog.String("error", err.Error()))
	}

	if s.broadcast(wire.TypeMessage, m, false) > 0 {
		m.Synced = true
		if err := s.store.PutMessage(s.cfg.RoomID, m); err != nil {
			s.logger.Error("persist message", slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	fileKey := s.fileKey
	encrypted := s.room != nil && s.room.Encrypted && fileKey != nil
	s.mu.Unlock()

	for _, chunk := range out.Chunks {
		if encrypted {
			sealed, err := roomkey.EncryptBytes(chunk.Data, fileKey)
			if err != nil {
				return m, fmt.Errorf("encrypt chunk %d: %w", chunk.Index, err)
			}
			chunk.Data = sealed
		}
		s.broadcast(wire.TypeFileChunk, chunk, false)
	}
	return m, nil
}

// RequestRoomKey broadcasts that this client holds no room key. Key
// holders surface the request for human authorization.
func (s *Session) RequestRoomKey() {
	s.broadcast(wire.TypeRoomKeyRequest, wire.RoomKeyRequest{Username: s.cfg.Username}, false)
}

// AuthorizeKeyShare transmits the room key to one requesting peer. This
// is the explicit human-confirmed grant; it is never called
// automatically.
func (s *Session) AuthorizeKeyShare(peerID string) error {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if key == nil {
		return ErrNoRoomKey
	}
	link, err := s.link(peerID)
	if err != nil {
		return err
	}
	return s.sendTo(link, wire.TypeRoomKeyShare, wire.RoomKeyShare{
		Key:              key.String(),
		SharedByUsername: s.cfg.Username,
	}, false)
}

// Messages returns a channel's history in canonical order, decrypted for
// display where the key allows.
func (s *Session) Messages(channelID string) ([]MessageEvent, error) {
	msgs, err := s.store.ListMessages(s.cfg.RoomID, channelID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageEvent, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.displayMessage(m))
	}
	return out, nil
}

// Channels lists the room's channels.
func (s *Session) Channels() ([]room.Channel, error) {
	return s.store.ListChannels(s.cfg.RoomID)
}

// File retrieves a completed transfer from the local store.
func (s *Session) File(transferID string) (*store.StoredFile, error) {
	return s.store.GetFile(s.cfg.RoomID, transferID)
}

// SendSignal forwards a signaling envelope (offer/answer/candidate) from
// the transport collaborator to a peer via whatever channel is up.
func (s *Session) SendSignal(env *wire.Envelope) error {
	link, err := s.link(env.To)
	if err != nil {
		return err
	}
	select {
	case link.out <- env:
		return nil
	case <-link.done:
		return ErrUnknownPeer
	}
}
