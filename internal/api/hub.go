package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/wire"
)

// Hub holds the signaling rooms: for each room, the set of attached
// endpoints. The relay forwards envelopes between endpoints and buffers
// relayed messages for offline polling; it never interprets content.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   *BufferStore
	keep     int
	logger   *slog.Logger
	baseCtx  context.Context

	mu    sync.RWMutex
	rooms map[string]map[string]*endpoint
}

// NewHub creates a hub backed by the offline buffer. keep bounds the
// per-room buffer retention.
func NewHub(ctx context.Context, buffer *BufferStore, keep int, logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return true
		}},
		buffer:  buffer,
		keep:    keep,
		logger:  logger.With(slog.String("component", "hub")),
		baseCtx: ctx,
		rooms:   make(map[string]map[string]*endpoint),
	}
}

// Attach upgrades an authenticated request and joins the endpoint to its
// room. A reconnect under the same identity replaces the old endpoint.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, claims *RoomClaims) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ep := newEndpoint(conn, claims, h)

	h.mu.Lock()
	members, ok := h.rooms[claims.RoomID]
	if !ok {
		members = make(map[string]*endpoint)
		h.rooms[claims.RoomID] = members
	}
	old := members[claims.UserID]
	members[claims.UserID] = ep
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	metricActiveConnections.Inc()
	h.logger.Info("endpoint attached",
		slog.String("room", claims.RoomID),
		slog.String("peer", claims.UserID))

	ep.start()
	h.announce(ep, wire.TypePeerJoined)
}

func (h *Hub) detach(ep *endpoint) {
	h.mu.Lock()
	members, ok := h.rooms[ep.roomID]
	removed := false
	if ok && members[ep.id] == ep {
		delete(members, ep.id)
		removed = true
		if len(members) == 0 {
			delete(h.rooms, ep.roomID)
		}
	}
	h.mu.Unlock()
	if !removed {
		return
	}
	metricActiveConnections.Dec()
	h.logger.Info("endpoint detached",
		slog.String("room", ep.roomID),
		slog.String("peer", ep.id))
	h.announce(ep, wire.TypePeerLeft)
}

// announce tells the rest of the room that a peer joined or left.
func (h *Hub) announce(ep *endpoint, t wire.Type) {
	env, err := wire.New(t, ep.id, ep.roomID, map[string]string{
		"username": ep.username,
	})
	if err != nil {
		return
	}
	h.forward(ep, env)
}

// route handles one inbound envelope from an endpoint: buffer what the
// poll path needs, then forward.
func (h *Hub) route(ep *endpoint, env *wire.Envelope) {
	env.From = ep.id
	env.RoomID = ep.roomID

	switch env.Type {
	case wire.TypeMessage:
		h.bufferMessage(ep, env)
	case wire.TypeRoomKeyShare:
		// Key material transits peer-to-peer only; the relay forwards
		// it to its addressee but never stores it.
		if env.To == "" {
			metricEnvelopesDropped.WithLabelValues("unaddressed-key").Inc()
			return
		}
	}
	h.forward(ep, env)
}

func (h *Hub) bufferMessage(ep *endpoint, env *wire.Envelope) {
	var m room.Message
	if err := env.DecodeData(&m); err != nil {
		h.logger.Debug("unbufferable message", slog.String("error", err.Error()))
		return
	}
	ctx := h.baseCtx
	if err := h.buffer.EnsureRoom(ctx, ep.roomID, m.Timestamp); err != nil {
		h.logger.Error("ensure room", slog.String("error", err.Error()))
		return
	}
	if err := h.buffer.SaveMessage(ctx, ep.roomID, m); err != nil {
		h.logger.Error("buffer message", slog.String("error", err.Error()))
		return
	}
	metricBufferedMessages.Inc()
	if err := h.buffer.Trim(ctx, ep.roomID, h.keep); err != nil {
		h.logger.Error("trim buffer", slog.String("error", err.Error()))
	}
}

// forward delivers an envelope to its addressee, or to every other room
// member when To is empty.
func (h *Hub) forward(src *endpoint, env *wire.Envelope) {
	h.mu.RLock()
	members := h.rooms[src.roomID]
	targets := make([]*endpoint, 0, len(members))
	if env.To != "" {
		if dst, ok := members[env.To]; ok {
			targets = append(targets, dst)
		}
	} else {
		for id, dst := range members {
			if id != src.id {
				targets = append(targets, dst)
			}
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.logger.Debug("nowhere to forward",
			slog.String("room", src.roomID),
			slog.String("type", string(env.Type)))
		return
	}
	for _, dst := range targets {
		if dst.send(env) {
			metricEnvelopesForwarded.WithLabelValues(string(env.Type)).Inc()
		} else {
			metricEnvelopesDropped.WithLabelValues("dead-endpoint").Inc()
		}
	}
}
