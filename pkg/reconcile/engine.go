// Package reconcile implements the sync reconciliation engine: the
// hello/catch-up exchange that turns a bare peer connection into a fully
// synced participant, the idempotent merge rule every writer goes
// through, and the paged backward history protocol.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/store"
	"github.com/mbryde/peerchat/pkg/wire"
)

// DefaultBootstrapThreshold is the channel size at or below which the
// hello carries the exact known-id list instead of only a watermark,
// enabling exact de-dup for small bootstrap channels.
const DefaultBootstrapThreshold = 50

// Engine reconciles one room's state against any number of peers. All
// writers (local actions, each peer's catch-up stream, the offline poll
// bridge) funnel through Merge* methods, which are append-or-merge and
// never destructive, so interleaving from concurrent sources is safe.
type Engine struct {
	store  store.DocumentStore
	roomID string
	logger *slog.Logger

	bootstrapThreshold int

	mu    sync.Mutex
	peers map[string]State
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBootstrapThreshold overrides DefaultBootstrapThreshold.
func WithBootstrapThreshold(n int) Option {
	return func(e *Engine) { e.bootstrapThreshold = n }
}

// New creates an engine for one room.
func New(st store.DocumentStore, roomID string, opts ...Option) *Engine {
	e := &Engine{
		store:              st,
		roomID:             roomID,
		logger:             slog.Default(),
		bootstrapThreshold: DefaultBootstrapThreshold,
		peers:              make(map[string]State),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("room", roomID))
	return e
}

// PeerConnected registers a peer and returns the hello to send it. The
// peer enters HelloSent once the caller has put the hello on the wire.
func (e *Engine) PeerConnected(peerID string) (*wire.SyncHello, error) {
	e.setState(peerID, Connecting)
	hello, err := e.BuildHello()
	if err != nil {
		return nil, err
	}
	e.setState(peerID, HelloSent)
	return hello, nil
}

// PeerDisconnected drops the peer's sync state. Whatever was in flight is
// forgotten; the next connect restarts from HelloSent.
func (e *Engine) PeerDisconnected(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, peerID)
}

// PeerState reports a peer's current state, Disconnected if unknown.
func (e *Engine) PeerState(peerID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.peers[peerID]
	if !ok {
		return Disconnected
	}
	return s
}

func (e *Engine) setState(peerID string, s State) {
	e.mu.Lock()
	e.peers[peerID] = s
	e.mu.Unlock()
}

// BuildHello assembles the local state digest: the channel id set, a
// per-channel watermark, the exact id list for small channels, and the
// room creation timestamp.
func (e *Engine) BuildHello() (*wire.SyncHello, error) {
	channels, err := e.store.ListChannels(e.roomID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	hello := &wire.SyncHello{
		Watermarks:      make(map[string]string, len(channels)),
		KnownChannelIDs: make([]string, 0, len(channels)),
	}
	if r, err := e.store.GetRoom(e.roomID); err == nil {
		hello.RoomCreatedAt = r.CreatedAt
	}
	for _, ch := range channels {
		hello.KnownChannelIDs = append(hello.KnownChannelIDs, ch.ID)
		wm, err := e.store.Watermark(e.roomID, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("watermark %s: %w", ch.ID, err)
		}
		hello.Watermarks[ch.ID] = wm

		ids, err := e.store.KnownMessageIDs(e.roomID, ch.ID, e.bootstrapThreshold+1)
		if err != nil {
			return nil, fmt.Errorf("known ids %s: %w", ch.ID, err)
		}
		if len(ids) <= e.bootstrapThreshold {
			if hello.KnownMessageIDs == nil {
				hello.KnownMessageIDs = make(map[string][]string)
			}
			hello.KnownMessageIDs[ch.ID] = ids
		}
	}
	return hello, nil
}

// HandleHello computes the catch-up payload for a peer's digest: channels
// the peer lacks are sent in full; for shared channels, messages above
// the peer's watermark, or outside its known-id set when one was
// supplied, are included.
func (e *Engine) HandleHello(peerID string, hello *wire.SyncHello) (*wire.SyncPayload, error) {
	channels, err := e.store.ListChannels(e.roomID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	known := make(map[string]bool, len(hello.KnownChannelIDs))
	for _, id := range hello.KnownChannelIDs {
		known[id] = true
	}

	payload := &wire.SyncPayload{}
	if r, err := e.store.GetRoom(e.roomID); err == nil {
		payload.Room = r
	}
	for _, ch := range channels {
		if !known[ch.ID] {
			payload.Channels = append(payload.Channels, ch)
		}
		msgs, err := e.store.ListMessages(e.roomID, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("list messages %s: %w", ch.ID, err)
		}
		if !known[ch.ID] {
			payload.Messages = append(payload.Messages, msgs...)
			continue
		}
		if ids, exact := hello.KnownMessageIDs[ch.ID]; exact {
			idSet := make(map[string]bool, len(ids))
			for _, id := range ids {
				idSet[id] = true
			}
			for _, m := range msgs {
				if !idSet[m.ID] {
					payload.Messages = append(payload.Messages, m)
				}
			}
			continue
		}
		wm := hello.Watermarks[ch.ID]
		for _, m := range msgs {
			if m.ID > wm {
				payload.Messages = append(payload.Messages, m)
			}
		}
	}
	e.logger.Debug("computed catch-up payload",
		slog.String("peer", peerID),
		slog.Int("channels", len(payload.Channels)),
		slog.Int("messages", len(payload.Messages)))
	return payload, nil
}

// Applied summarizes what a payload merge changed.
type Applied struct {
	Channels int
	Messages int
	Merged   int
}

// ApplyPayload merges a catch-up payload from a peer. Applying the same
// payload twice yields the same stored state as applying it once. The
// peer, if tracked, advances to CaughtUp and then Steady.
func (e *Engine) ApplyPayload(peerID string, payload *wire.SyncPayload) (Applied, error) {
	var applied Applied
	if payload.Room != nil {
		if _, err := e.store.GetRoom(e.roomID); errors.Is(err, store.ErrNotFound) {
			if err := e.store.PutRoom(*payload.Room); err != nil {
				return applied, fmt.Errorf("put room: %w", err)
			}
		}
	}
	for _, ch := range payload.Channels {
		inserted, err := e.MergeChannel(ch)
		if err != nil {
			return applied, err
		}
		if inserted {
			applied.Channels++
		}
	}
	for _, m := range payload.Messages {
		inserted, err := e.MergeMessage(m)
		if err != nil {
			return applied, err
		}
		if inserted {
			applied.Messages++
		} else {
			applied.Merged++
		}
	}
	if peerID != "" && e.PeerState(peerID) != Disconnected {
		e.setState(peerID, CaughtUp)
		e.setState(peerID, Steady)
	}
	e.logger.Debug("applied sync payload",
		slog.String("peer", peerID),
		slog.Int("new_channels", applied.Channels),
		slog.Int("new_messages", applied.Messages))
	return applied, nil
}

// MergeChannel inserts a channel if it is not already known. Channel
// records are immutable so an existing record is left untouched.
func (e *Engine) MergeChannel(ch room.Channel) (bool, error) {
	if ch.RoomID == "" {
		ch.RoomID = e.roomID
	}
	_, err := e.store.GetChannel(e.roomID, ch.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("get channel: %w", err)
	}
	if err := e.store.PutChannel(ch); err != nil {
		return false, fmt.Errorf("put channel: %w", err)
	}
	return true, nil
}

// MergeMessage is the single idempotent insert rule. A known id keeps its
// existing content (content is first-writer-wins and immutable) but still
// merges the incoming reaction set; an unknown id is inserted as-is with
// Synced set, since any remotely received copy has by definition been
// seen by a peer.
func (e *Engine) MergeMessage(m room.Message) (bool, error) {
	existing, err := e.store.GetMessage(e.roomID, m.ID)
	if errors.Is(err, store.ErrNotFound) {
		m.Synced = true
		if err := e.store.PutMessage(e.roomID, m); err != nil {
			return false, fmt.Errorf("put message: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get message: %w", err)
	}

	changed := existing.Reactions.Merge(m.Reactions)
	if !existing.Synced {
		existing.Synced = true
		changed = true
	}
	if changed {
		if err := e.store.PutMessage(e.roomID, *existing); err != nil {
			return false, fmt.Errorf("put message: %w", err)
		}
	}
	return false, nil
}

// ApplyReaction merges a single reaction event into the target message
// and returns the updated record, or nil when the message is unknown
// locally (the event is dropped; the mark will arrive with the message on
// the next catch-up).
func (e *Engine) ApplyReaction(ev room.ReactionEvent) (*room.Message, error) {
	m, err := e.store.GetMessage(e.roomID, ev.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if !m.Reactions.Apply(ev) {
		return m, nil
	}
	if err := e.store.PutMessage(e.roomID, *m); err != nil {
		return nil, fmt.Errorf("put message: %w", err)
	}
	return m, nil
}

// HandleHistory serves a backward page of channel history. It touches
// only the store, so it is safe to call concurrently for multiple
// channels and never blocks catch-up processing.
func (e *Engine) HandleHistory(req *wire.HistoryRequest) (*wire.HistoryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid history request: %w", err)
	}
	msgs, hasMore, err := e.store.ListMessagesBefore(e.roomID, req.ChannelID, req.BeforeMessageID, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("list before: %w", err)
	}
	return &wire.HistoryResponse{
		ChannelID: req.ChannelID,
		Messages:  msgs,
		HasMore:   hasMore,
	}, nil
}

// RoomWatermark returns the poll watermark: the highest message id across
// this room's channels. Per-room, never cross-room, so a quiet channel in
// one room cannot mask activity in another.
func (e *Engine) RoomWatermark() (string, error) {
	return e.store.RoomWatermark(e.roomID)
}
