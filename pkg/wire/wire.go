// Package wire defines the typed envelope format shared by peer-to-peer
// and client-to-relay traffic. Encoding and decoding are pure transforms;
// the codec performs no I/O.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope kinds. Decoding any other value fails soft with ErrUnknownType
// so peers running newer protocol versions do not break older ones.
const (
	// Signaling layer, relayed verbatim between two endpoints.
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"

	// Relay announcements.
	TypePeerJoined Type = "peer-joined"
	TypePeerLeft   Type = "peer-left"

	// Peer layer.
	TypeSyncHello        Type = "sync-hello"
	TypeSyncPayload      Type = "sync-payload"
	TypeHistoryRequest   Type = "history-request"
	TypeHistoryResponse  Type = "history-response"
	TypeMessage          Type = "message"
	TypeChannelBroadcast Type = "channel-broadcast"
	TypePresence         Type = "presence"
	TypeReaction         Type = "reaction"
	TypeRoomKeyRequest   Type = "room-key-requested"
	TypeRoomKeyShare     Type = "room-key-shared"
	TypeFileChunk        Type = "file-chunk"
)

// Type discriminates the payload schema of an envelope.
type Type string

var knownTypes = map[Type]struct{}{
	TypeOffer:            {},
	TypeAnswer:           {},
	TypeCandidate:        {},
	TypePeerJoined:       {},
	TypePeerLeft:         {},
	TypeSyncHello:        {},
	TypeSyncPayload:      {},
	TypeHistoryRequest:   {},
	TypeHistoryResponse:  {},
	TypeMessage:          {},
	TypeChannelBroadcast: {},
	TypePresence:         {},
	TypeReaction:         {},
	TypeRoomKeyRequest:   {},
	TypeRoomKeyShare:     {},
	TypeFileChunk:        {},
}

var (
	// ErrUnknownType marks an envelope whose type is outside the known
	// set. Callers log and drop it; it is never fatal.
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrMalformed marks bytes that do not decode into an envelope.
	ErrMalformed = errors.New("malformed envelope")
)

// Envelope is the outer frame of every protocol message.
type Envelope struct {
	Type   Type            `json:"type"`
	From   string          `json:"from"`
	To     string          `json:"to,omitempty"`
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope around a payload value.
func New(t Type, from, roomID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, From: from, RoomID: roomID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = data
	}
	return env, nil
}

// Encode serializes an envelope for the transport channel.
func Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Decode parses raw channel bytes. Unknown types return the decoded
// envelope together with ErrUnknownType so the caller can log the type
// before dropping it.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if _, ok := knownTypes[env.Type]; !ok {
		return &env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
