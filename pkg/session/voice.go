package session

import (
	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/store"
	"github.com/mbryde/peerchat/pkg/wire"
)

// Voice and toggle state for the local user. Every setter broadcasts a
// fire-and-forget presence payload; there is no acknowledgment and no
// backfill for peers that were offline.

// JoinVoice moves the local user into a voice channel.
func (s *Session) JoinVoice(channelID string) {
	s.setSelf(func(p *room.Peer) { p.VoiceChannelID = channelID })
	s.broadcast(wire.TypePresence, wire.PresencePayload{
		Kind:      wire.PresenceVoiceJoin,
		Username:  s.cfg.Username,
		ChannelID: channelID,
	}, true)
}

// LeaveVoice leaves the current voice channel and clears derived toggles.
func (s *Session) LeaveVoice() {
	s.setSelf(func(p *room.Peer) {
		p.VoiceChannelID = ""
		p.Speaking = false
		p.ScreenSharing = false
		p.CameraOn = false
	})
	s.broadcast(wire.TypePresence, wire.PresencePayload{
		Kind:     wire.PresenceVoiceLeave,
		Username: s.cfg.Username,
	}, true)
}

// SetSpeaking toggles the speaking indicator.
func (s *Session) SetSpeaking(on bool) {
	s.setSelf(func(p *room.Peer) { p.Speaking = on })
	s.broadcastToggle(wire.PresenceSpeaking, on)
}

// SetMuted toggles mute.
func (s *Session) SetMuted(on bool) {
	s.setSelf(func(p *room.Peer) { p.Muted = on })
	s.broadcastToggle(wire.PresenceMute, on)
}

// SetDeafened toggles deafen.
func (s *Session) SetDeafened(on bool) {
	s.setSelf(func(p *room.Peer) { p.Deafened = on })
	s.broadcastToggle(wire.PresenceDeafen, on)
}

// SetScreenSharing toggles screen share.
func (s *Session) SetScreenSharing(on bool) {
	s.setSelf(func(p *room.Peer) { p.ScreenSharing = on })
	s.broadcastToggle(wire.PresenceScreenShare, on)
}

// SetCameraOn toggles the camera indicator.
func (s *Session) SetCameraOn(on bool) {
	s.setSelf(func(p *room.Peer) { p.CameraOn = on })
	s.broadcastToggle(wire.PresenceCamera, on)
}

func (s *Session) broadcastToggle(kind string, on bool) {
	s.broadcast(wire.TypePresence, wire.PresencePayload{
		Kind:     kind,
		Username: s.cfg.Username,
		On:       on,
	}, true)
}

func (s *Session) setSelf(update func(*room.Peer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self == nil {
		s.self = &room.Peer{
			ID:        s.cfg.UserID,
			Username:  s.cfg.Username,
			Connected: true,
		}
	}
	update(s.self)
}

// selfSnapshot returns a copy of the local ephemeral state for the
// presence announce sent on connect.
func (s *Session) selfSnapshot() *room.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self == nil {
		return &room.Peer{
			ID:        s.cfg.UserID,
			Username:  s.cfg.Username,
			Connected: true,
		}
	}
	snap := *s.self
	return &snap
}

func storedFile(meta room.FileMetadata, data []byte) store.StoredFile {
	return store.StoredFile{Meta: meta, Data: data}
}
