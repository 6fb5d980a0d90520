package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbryde/peerchat/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. File chunks dominate; allow chunk
	// payload plus envelope overhead.
	maxMessageSize = 64 * 1024

	endpointQueueSize = 64
)

// endpoint is one attached websocket connection: a peer's link into a
// signaling room.
type endpoint struct {
	id       string
	username string
	roomID   string
	conn     *websocket.Conn
	out      chan *wire.Envelope
	done     chan struct{}
	hub      *Hub
	logger   *slog.Logger
}

func newEndpoint(conn *websocket.Conn, claims *RoomClaims, hub *Hub) *endpoint {
	return &endpoint{
		id:       claims.UserID,
		username: claims.Username,
		roomID:   claims.RoomID,
		conn:     conn,
		out:      make(chan *wire.Envelope, endpointQueueSize),
		done:     make(chan struct{}),
		hub:      hub,
		logger: hub.logger.With(
			slog.String("room", claims.RoomID),
			slog.String("peer", claims.UserID)),
	}
}

func (ep *endpoint) start() {
	go ep.readLoop()
	go ep.writeLoop()
}

// send queues an envelope, reporting false when the endpoint is gone or
// its queue is full. A full queue means a dead or drowning client; the
// relay drops rather than blocks.
func (ep *endpoint) send(env *wire.Envelope) bool {
	select {
	case <-ep.done:
		return false
	default:
	}
	select {
	case ep.out <- env:
		return true
	default:
		return false
	}
}

func (ep *endpoint) close() {
	select {
	case <-ep.done:
	default:
		close(ep.done)
	}
}

func (ep *endpoint) readLoop() {
	defer func() {
		ep.hub.detach(ep)
		ep.close()
		ep.conn.Close()
		ep.logger.Debug("exited read loop")
	}()

	ep.conn.SetReadLimit(maxMessageSize)
	ep.conn.SetReadDeadline(time.Now().Add(pongWait))
	ep.conn.SetPongHandler(func(string) error {
		ep.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := ep.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ep.logger.Error(fmt.Sprintf("unexpected close: %v", err))
			}
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				// Forward-compatibility: newer clients may speak types
				// this relay does not know. Pass them through untouched.
				env.From = ep.id
				env.RoomID = ep.roomID
				ep.hub.forward(ep, env)
				continue
			}
			ep.logger.Debug("dropping malformed frame")
			metricEnvelopesDropped.WithLabelValues("malformed").Inc()
			continue
		}
		ep.hub.route(ep, env)
	}
}

func (ep *endpoint) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ep.conn.Close()
		ep.logger.Debug("exited write loop")
	}()

	for {
		select {
		case <-ep.done:
			ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ep.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-ep.out:
			data, err := wire.Encode(env)
			if err != nil {
				ep.logger.Error(fmt.Sprintf("encode envelope: %v", err))
				continue
			}
			ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ep.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				ep.logger.Debug(fmt.Sprintf("write: %v", err))
				return
			}
		case <-ticker.C:
			ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ep.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
