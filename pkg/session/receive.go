package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/roomkey"
	"github.com/mbryde/peerchat/pkg/wire"
)

// Receive dispatches raw bytes arriving on a peer channel. Malformed and
// unknown envelopes are logged and dropped; no inbound frame is ever
// fatal to the session.
func (s *Session) Receive(peerID string, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			s.logger.Debug("ignoring unknown envelope",
				slog.String("peer", peerID),
				slog.String("type", string(env.Type)))
		} else {
			s.logger.Debug("dropping malformed frame", slog.String("peer", peerID))
		}
		return
	}
	if env.From == "" {
		env.From = peerID
	}
	if err := s.dispatch(peerID, env); err != nil {
		s.logger.Error("handle envelope failed",
			slog.String("peer", peerID),
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()))
	}
}

func (s *Session) dispatch(peerID string, env *wire.Envelope) error {
	switch env.Type {
	case wire.TypeOffer, wire.TypeAnswer, wire.TypeCandidate:
		s.emit(SignalEvent{Envelope: env})
		return nil

	case wire.TypeSyncHello:
		var hello wire.SyncHello
		if err := env.DecodeData(&hello); err != nil {
			return err
		}
		return s.handleHello(peerID, &hello)

	case wire.TypeSyncPayload:
		var payload wire.SyncPayload
		if err := env.DecodeData(&payload); err != nil {
			return err
		}
		applied, err := s.engine.ApplyPayload(peerID, &payload)
		if err != nil {
			return err
		}
		if payload.Room != nil {
			s.mu.Lock()
			if s.room == nil {
				r := *payload.Room
				s.room = &r
			}
			s.mu.Unlock()
		}
		for _, ch := range payload.Channels {
			s.emit(ChannelEvent{Channel: ch})
		}
		s.emit(SyncEvent{PeerID: peerID, Applied: applied})
		return nil

	case wire.TypeMessage:
		var m room.Message
		if err := env.DecodeData(&m); err != nil {
			return err
		}
		inserted, err := s.engine.MergeMessage(m)
		if err != nil {
			return err
		}
		if m.File != nil {
			s.transfers.Announce(*m.File)
		}
		if inserted {
			s.emit(s.displayMessage(m))
		}
		return nil

	case wire.TypeChannelBroadcast:
		var ch room.Channel
		if err := env.DecodeData(&ch); err != nil {
			return err
		}
		inserted, err := s.engine.MergeChannel(ch)
		if err != nil {
			return err
		}
		if inserted {
			s.emit(ChannelEvent{Channel: ch})
		}
		return nil

	case wire.TypeHistoryRequest:
		var req wire.HistoryRequest
		if err := env.DecodeData(&req); err != nil {
			return err
		}
		resp, err := s.engine.HandleHistory(&req)
		if err != nil {
			return err
		}
		link, err := s.link(peerID)
		if err != nil {
			return err
		}
		return s.sendTo(link, wire.TypeHistoryResponse, resp, false)

	case wire.TypeHistoryResponse:
		var resp wire.HistoryResponse
		if err := env.DecodeData(&resp); err != nil {
			return err
		}
		// Merge the page so future hellos and pagination cursors see it.
		for _, m := range resp.Messages {
			if _, err := s.engine.MergeMessage(m); err != nil {
				return err
			}
		}
		s.emit(HistoryEvent{Response: resp})
		return nil

	case wire.TypePresence:
		var p wire.PresencePayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		if peer, changed := s.presence.Apply(peerID, p); changed {
			s.emit(PresenceEvent{Kind: p.Kind, Peer: peer})
		}
		return nil

	case wire.TypeReaction:
		var ev room.ReactionEvent
		if err := env.DecodeData(&ev); err != nil {
			return err
		}
		m, err := s.engine.ApplyReaction(ev)
		if err != nil {
			return err
		}
		if m != nil {
			s.emit(ReactionEvent{Message: *m})
		}
		return nil

	case wire.TypeRoomKeyRequest:
		var req wire.RoomKeyRequest
		if err := env.DecodeData(&req); err != nil {
			return err
		}
		return s.handleKeyRequest(peerID, req)

	case wire.TypeRoomKeyShare:
		var share wire.RoomKeyShare
		if err := env.DecodeData(&share); err != nil {
			return err
		}
		return s.handleKeyShare(share)

	case wire.TypeFileChunk:
		var chunk wire.FileChunk
		if err := env.DecodeData(&chunk); err != nil {
			return err
		}
		return s.handleFileChunk(chunk)

	default:
		// Decode already filters unknown types; this is unreachable for
		// well-formed input.
		s.logger.Debug("unhandled envelope", slog.String("type", string(env.Type)))
		return nil
	}
}

func (s *Session) handleHello(peerID string, hello *wire.SyncHello) error {
	payload, err := s.engine.HandleHello(peerID, hello)
	if err != nil {
		return err
	}
	link, err := s.link(peerID)
	if err != nil {
		return err
	}
	return s.sendTo(link, wire.TypeSyncPayload, payload, false)
}

// handleKeyRequest surfaces a peer's key request for explicit human
// authorization: a system message in the room plus a typed event. The key
// itself is not sent until AuthorizeKeyShare.
func (s *Session) handleKeyRequest(peerID string, req wire.RoomKeyRequest) error {
	if !s.HasRoomKey() {
		return nil
	}
	now := time.Now()
	sys := room.Message{
		ID:           room.NewMessageIDAt(now),
		UserID:       s.cfg.UserID,
		Username:     s.cfg.Username,
		Content:      "Authorize " + req.Username,
		Timestamp:    now.UnixMilli(),
		SystemAction: "key-authorization",
	}
	if err := s.store.PutMessage(s.cfg.RoomID, sys); err != nil {
		s.logger.Error("persist system message", slog.String("error", err.Error()))
	}
	s.emit(KeyRequestEvent{PeerID: peerID, Username: req.Username})
	return nil
}

func (s *Session) handleKeyShare(share wire.RoomKeyShare) error {
	key, err := roomkey.Parse(share.Key)
	if err != nil {
		return err
	}
	if err := s.SetRoomKey(key); err != nil {
		if errors.Is(err, ErrKeyAlreadySet) {
			return nil
		}
		return err
	}
	s.emit(KeyReceivedEvent{SharedBy: share.SharedByUsername})
	return nil
}

func (s *Session) handleFileChunk(chunk wire.FileChunk) error {
	s.mu.Lock()
	fileKey := s.fileKey
	s.mu.Unlock()
	// Decryption is attempted whenever the file subkey is held, not
	// gated on the room record: chunks can outrun the sync payload that
	// carries it, and soft failure leaves plaintext chunks untouched.
	if fileKey != nil {
		if plain, ok := roomkey.DecryptBytes(chunk.Data, fileKey); ok {
			chunk.Data = plain
		}
	}
	result, progress, err := s.transfers.HandleChunk(chunk)
	if err != nil {
		return err
	}
	s.emit(FileProgressEvent{TransferID: chunk.TransferID, Progress: progress})
	if result == nil {
		return nil
	}
	if err := s.store.PutFile(s.cfg.RoomID, storedFile(result.Meta, result.Data)); err != nil {
		s.logger.Error("persist file", slog.String("error", err.Error()))
	}
	s.emit(FileEvent{Meta: result.Meta, Data: result.Data})
	return nil
}

// displayMessage prepares a message for the UI: decrypt with the message
// subkey when held. Resolution goes by the content itself rather than the
// room record, which may not have arrived yet: content without the sealed
// shape is plaintext (unencrypted room, or already decrypted by the poll
// bridge) and is resolved as-is. Resolved=false means the content stays
// opaque until a key arrives.
func (s *Session) displayMessage(m room.Message) MessageEvent {
	s.mu.Lock()
	msgKey := s.msgKey
	plainRoom := s.room != nil && !s.room.Encrypted
	s.mu.Unlock()
	if plainRoom || !roomkey.IsSealed(m.Content) {
		return MessageEvent{Message: m, Resolved: true}
	}
	if msgKey != nil {
		if plain, ok := roomkey.Decrypt(m.Content, msgKey); ok {
			m.Content = plain
			return MessageEvent{Message: m, Resolved: true}
		}
	}
	return MessageEvent{Message: m, Resolved: false}
}
