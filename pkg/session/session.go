// Package session ties the protocol engine together: one Session per
// room owns its store handle, key cache, peer state machines, presence
// table, transfer registry and event sink. Nothing is package-level, so
// multiple room sessions coexist in one process without interference.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbryde/peerchat/pkg/poll"
	"github.com/mbryde/peerchat/pkg/presence"
	"github.com/mbryde/peerchat/pkg/reconcile"
	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/roomkey"
	"github.com/mbryde/peerchat/pkg/store"
	"github.com/mbryde/peerchat/pkg/transfer"
	"github.com/mbryde/peerchat/pkg/wire"
)

// PeerChannel is the point-to-point transport collaborator: a reliable
// ordered channel to one peer. Connection establishment and loss
// detection live outside the engine.
type PeerChannel interface {
	Send(data []byte) error
}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
	// ErrNoRoomKey is returned when an operation needs the room key and
	// none is held.
	ErrNoRoomKey = errors.New("no room key")
	// ErrKeyAlreadySet enforces the write-once room key rule.
	ErrKeyAlreadySet = errors.New("room key already set")
	// ErrUnknownPeer is returned for operations naming a peer that is
	// not connected.
	ErrUnknownPeer = errors.New("unknown peer")
)

const (
	// peerQueueSize bounds each peer's outbound queue. A slow peer fills
	// its own queue without stalling delivery to the others.
	peerQueueSize = 256
	eventBuffer   = 128
)

// Config carries the identity and collaborators of one room session.
type Config struct {
	RoomID   string
	UserID   string
	Username string
	Store    store.DocumentStore
	Logger   *slog.Logger
}

type peerLink struct {
	id   string
	ch   PeerChannel
	out  chan *wire.Envelope
	done chan struct{}
}

// Session is the per-room protocol engine instance.
type Session struct {
	cfg       Config
	logger    *slog.Logger
	store     store.DocumentStore
	engine    *reconcile.Engine
	transfers *transfer.Manager
	presence  *presence.Table
	events    chan Event

	mu      sync.Mutex
	peers   map[string]*peerLink
	key     roomkey.Key
	msgKey  roomkey.Key
	fileKey roomkey.Key
	room    *room.Room
	self    *room.Peer
	closed  bool
	wg      sync.WaitGroup
}

// New creates a session, loading the room record and room key from the
// store when present. A store read failure degrades to an in-memory
// session rather than failing.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("session requires a store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("room", cfg.RoomID))
	s := &Session{
		cfg:       cfg,
		logger:    logger,
		store:     cfg.Store,
		engine:    reconcile.New(cfg.Store, cfg.RoomID, reconcile.WithLogger(logger)),
		transfers: transfer.NewManager(),
		presence:  presence.NewTable(),
		events:    make(chan Event, eventBuffer),
		peers:     make(map[string]*peerLink),
	}
	if r, err := cfg.Store.GetRoom(cfg.RoomID); err == nil {
		s.room = r
	}
	if text, err := cfg.Store.GetRoomKey(cfg.RoomID); err == nil {
		if key, err := roomkey.Parse(text); err == nil {
			if err := s.adoptKey(key); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Events is the typed event sink the UI layer consumes.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Engine exposes the reconciliation engine, mainly for the poll bridge.
func (s *Session) Engine() *reconcile.Engine {
	return s.engine
}

// CreateRoom initializes a new room owned by this client, generating a
// room key when encryption is requested. The key is returned once so the
// caller can place it in the invite URL fragment.
func (s *Session) CreateRoom(name string, encrypted bool) (room.Room, roomkey.Key, error) {
	r := room.Room{
		ID:        s.cfg.RoomID,
		Name:      name,
		CreatedAt: time.Now().UnixMilli(),
		Encrypted: encrypted,
	}
	if err := s.store.PutRoom(r); err != nil {
		return room.Room{}, nil, fmt.Errorf("put room: %w", err)
	}
	s.mu.Lock()
	s.room = &r
	s.mu.Unlock()

	var key roomkey.Key
	if encrypted {
		var err error
		key, err = roomkey.Generate()
		if err != nil {
			return room.Room{}, nil, err
		}
		if err := s.SetRoomKey(key); err != nil {
			return room.Room{}, nil, err
		}
	}
	return r, key, nil
}

// SetRoomKey installs the room key. The key is written exactly once per
// room and is immutable afterwards.
func (s *Session) SetRoomKey(key roomkey.Key) error {
	if err := s.adoptKey(key); err != nil {
		return err
	}
	if err := s.store.PutRoomKey(s.cfg.RoomID, key.String()); err != nil {
		// Degraded: key lives in memory for this session only.
		s.logger.Error("persist room key", slog.String("error", err.Error()))
	}
	return nil
}

func (s *Session) adoptKey(key roomkey.Key) error {
	msgKey, err := key.Derive("message")
	if err != nil {
		return err
	}
	fileKey, err := key.Derive("file")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return ErrKeyAlreadySet
	}
	s.key = key
	s.msgKey = msgKey
	s.fileKey = fileKey
	return nil
}

// HasRoomKey reports whether the room key is held.
func (s *Session) HasRoomKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key != nil
}

// HasLivePeer reports whether any peer channel is up; the poll bridge
// runs only when this is false.
func (s *Session) HasLivePeer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers) > 0
}

// Peers returns the presence snapshot of connected peers.
func (s *Session) Peers() []room.Peer {
	return s.presence.Snapshot()
}

// PollBridge builds the offline fallback bridge wired to this session's
// engine, key cache and live-peer probe.
func (s *Session) PollBridge(baseURL, token string, opts ...poll.Option) *poll.Bridge {
	base := []poll.Option{
		poll.WithLogger(s.logger),
		poll.WithKeySource(func() (roomkey.Key, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.msgKey, s.msgKey != nil
		}),
		poll.WithLiveCheck(s.HasLivePeer),
	}
	return poll.New(baseURL, s.cfg.RoomID, token, s.engine, append(base, opts...)...)
}

// PeerConnected attaches an established peer channel and starts the
// hello exchange. Each peer gets its own writer goroutine fed from a
// bounded queue.
func (s *Session) PeerConnected(peerID, username string, ch PeerChannel) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	link := &peerLink{
		id:   peerID,
		ch:   ch,
		out:  make(chan *wire.Envelope, peerQueueSize),
		done: make(chan struct{}),
	}
	s.peers[peerID] = link
	s.mu.Unlock()

	s.wg.Add(1)
	go s.writeLoop(link)

	p := s.presence.Connected(peerID, username)
	s.emit(PeerEvent{Peer: p, Connected: true})

	hello, err := s.engine.PeerConnected(peerID)
	if err != nil {
		return fmt.Errorf("build hello: %w", err)
	}
	if err := s.sendTo(link, wire.TypeSyncHello, hello, false); err != nil {
		return err
	}
	// Announce our ephemeral snapshot so the peer rebuilds state it
	// missed while we were apart.
	s.sendTo(link, wire.TypePresence, wire.PresencePayload{
		Kind:     wire.PresenceAnnounce,
		Username: s.cfg.Username,
		Snapshot: s.selfSnapshot(),
	}, true)
	return nil
}

// PeerDisconnected tears down a peer's link and sync state. In-flight
// catch-up is forgotten; the next connect re-runs hello. Transfers left
// incomplete are surfaced, not retried.
func (s *Session) PeerDisconnected(peerID string) {
	s.mu.Lock()
	link, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
		close(link.done)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.engine.PeerDisconnected(peerID)
	if p, known := s.presence.Disconnected(peerID); known {
		s.emit(PeerEvent{Peer: p, Connected: false})
	}
	if stalled := s.transfers.Stalled(); len(stalled) > 0 {
		s.emit(TransfersStalledEvent{Transfers: stalled})
	}
}

// Close shuts the session down. The event channel is closed once all
// writer goroutines have exited.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, link := range s.peers {
		delete(s.peers, id)
		close(link.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
	close(s.events)
}

func (s *Session) writeLoop(link *peerLink) {
	defer s.wg.Done()
	for {
		select {
		case <-link.done:
			return
		case env := <-link.out:
			data, err := wire.Encode(env)
			if err != nil {
				s.logger.Error("encode envelope", slog.String("error", err.Error()))
				continue
			}
			if err := link.ch.Send(data); err != nil {
				s.logger.Debug("peer send failed",
					slog.String("peer", link.id),
					slog.String("type", string(env.Type)))
			}
		}
	}
}

// emit delivers an event without blocking. The channel send happens under
// the session lock so a concurrent Close cannot close the channel between
// the closed check and the send; after Close every emit is a no-op.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// The UI fell behind; drop rather than stall protocol work.
		s.logger.Debug("event dropped", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

// sendTo enqueues one envelope for one peer. Ephemeral envelopes are
// dropped when the peer's queue is full; reliable ones wait for space (in
// a goroutine, so the caller never blocks on a slow peer).
func (s *Session) sendTo(link *peerLink, t wire.Type, payload any, ephemeral bool) error {
	env, err := wire.New(t, s.cfg.UserID, s.cfg.RoomID, payload)
	if err != nil {
		return err
	}
	env.To = link.id
	select {
	case link.out <- env:
		return nil
	default:
	}
	if ephemeral {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case link.out <- env:
		case <-link.done:
		}
	}()
	return nil
}

// broadcast fans an envelope out to every connected peer and returns how
// many queues accepted it.
func (s *Session) broadcast(t wire.Type, payload any, ephemeral bool) int {
	s.mu.Lock()
	links := make([]*peerLink, 0, len(s.peers))
	for _, link := range s.peers {
		links = append(links, link)
	}
	s.mu.Unlock()
	sent := 0
	for _, link := range links {
		if err := s.sendTo(link, t, payload, ephemeral); err == nil {
			sent++
		}
	}
	return sent
}

func (s *Session) link(peerID string) (*peerLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.peers[peerID]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return link, nil
}
