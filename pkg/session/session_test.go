package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbryde/peerchat/pkg/reconcile"
	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/roomkey"
	"github.com/mbryde/peerchat/pkg/store"
	"github.com/mbryde/peerchat/pkg/wire"
)

// pipe is an in-process peer channel: Send delivers the frame straight
// into the remote session's Receive.
type pipe struct {
	from string
	to   *Session
}

func (p pipe) Send(data []byte) error {
	p.to.Receive(p.from, data)
	return nil
}

// discard is a peer channel whose remote end never answers.
type discard struct{}

func (discard) Send([]byte) error { return nil }

// collector drains a session's event channel into an inspectable slice.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func collect(s *Session) *collector {
	c := &collector{}
	go func() {
		for ev := range s.Events() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

// find returns the first event for which match returns true.
func (c *collector) find(match func(Event) bool) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if match(ev) {
			return ev, true
		}
	}
	return nil, false
}

type participant struct {
	session *Session
	events  *collector
	userID  string
}

func newParticipant(t *testing.T, roomID, userID, username string) *participant {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s, err := New(Config{
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
		Store:    st,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(s.Close)
	return &participant{session: s, events: collect(s), userID: userID}
}

// connect wires two participants with in-process pipes, both directions.
func connect(t *testing.T, a, b *participant) {
	if err := a.session.PeerConnected(b.userID, "peer-"+b.userID, pipe{from: a.userID, to: b.session}); err != nil {
		t.Fatalf("PeerConnected: %v", err)
	}
	if err := b.session.PeerConnected(a.userID, "peer-"+a.userID, pipe{from: b.userID, to: a.session}); err != nil {
		t.Fatalf("PeerConnected: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func Test_HelloCatchUp(t *testing.T) {
	alice := newParticipant(t, "r1", "u-alice", "alice")
	bob := newParticipant(t, "r1", "u-bob", "bob")

	_, _, err := alice.session.CreateRoom("den", false)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	ch, err := alice.session.CreateChannel("general", room.TextChannel)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	var sent []room.Message
	for i := 0; i < 10; i++ {
		m, err := alice.session.SendMessage(ch.ID, "hello")
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		sent = append(sent, m)
	}

	connect(t, alice, bob)

	// Bob ends up with the channel and the full history.
	eventually(t, func() bool {
		msgs, err := bob.session.Messages(ch.ID)
		return err == nil && len(msgs) == 10
	}, "bob never caught up")

	msgs, err := bob.session.Messages(ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i, got := range msgs {
		assert.Equal(t, sent[i].ID, got.Message.ID)
		assert.True(t, got.Resolved)
		assert.True(t, got.Message.Synced)
	}

	chans, err := bob.session.Channels()
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, chans, 1)

	eventually(t, func() bool {
		return bob.session.Engine().PeerState("u-alice") == reconcile.Steady
	}, "sync never reached steady state")
}

func Test_BidirectionalMerge(t *testing.T) {
	// Both sides hold disjoint messages before connecting; afterwards
	// both hold the union in the same order.
	alice := newParticipant(t, "r1", "u-alice", "alice")
	bob := newParticipant(t, "r1", "u-bob", "bob")

	_, _, err := alice.session.CreateRoom("den", false)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := alice.session.CreateChannel("general", room.TextChannel)
	if err != nil {
		t.Fatal(err)
	}
	// Bob knows the room and channel but was offline for some traffic.
	if _, _, err := bob.session.CreateRoom("den", false); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.session.Engine().MergeChannel(ch); err != nil {
		t.Fatal(err)
	}

	if _, err := alice.session.SendMessage(ch.ID, "from alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.session.SendMessage(ch.ID, "from bob"); err != nil {
		t.Fatal(err)
	}

	connect(t, alice, bob)

	for _, p := range []*participant{alice, bob} {
		eventually(t, func() bool {
			msgs, err := p.session.Messages(ch.ID)
			return err == nil && len(msgs) == 2
		}, "merge did not converge")
	}

	am, _ := alice.session.Messages(ch.ID)
	bm, _ := bob.session.Messages(ch.ID)
	for i := range am {
		assert.Equal(t, am[i].Message.ID, bm[i].Message.ID)
	}
}

func Test_EncryptedRoomKeyAuthorization(t *testing.T) {
	alice := newParticipant(t, "r1", "u-alice", "alice")
	bob := newParticipant(t, "r1", "u-bob", "bob")

	_, key, err := alice.session.CreateRoom("vault", true)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotNil(t, key)
	assert.True(t, alice.session.HasRoomKey())

	ch, err := alice.session.CreateChannel("general", room.TextChannel)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.session.SendMessage(ch.ID, "secret plans"); err != nil {
		t.Fatal(err)
	}

	connect(t, alice, bob)

	// Catch-up delivers ciphertext; without the key bob sees it opaque.
	eventually(t, func() bool {
		msgs, err := bob.session.Messages(ch.ID)
		return err == nil && len(msgs) == 1
	}, "bob never received the message")
	msgs, _ := bob.session.Messages(ch.ID)
	assert.False(t, msgs[0].Resolved)
	assert.NotEqual(t, "secret plans", msgs[0].Message.Content)
	assert.False(t, bob.session.HasRoomKey())

	// Bob asks for the key; alice surfaces the request and a human
	// approves it.
	bob.session.RequestRoomKey()
	eventually(t, func() bool {
		_, ok := alice.events.find(func(ev Event) bool {
			req, is := ev.(KeyRequestEvent)
			return is && req.PeerID == "u-bob"
		})
		return ok
	}, "alice never saw the key request")

	if err := alice.session.AuthorizeKeyShare("u-bob"); err != nil {
		t.Fatalf("AuthorizeKeyShare: %v", err)
	}

	eventually(t, func() bool { return bob.session.HasRoomKey() }, "bob never received the key")
	_, ok := bob.events.find(func(ev Event) bool {
		got, is := ev.(KeyReceivedEvent)
		return is && got.SharedBy == "alice"
	})
	assert.True(t, ok)

	// Historical ciphertext resolves now that the key arrived.
	msgs, err = bob.session.Messages(ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, msgs[0].Resolved)
	assert.Equal(t, "secret plans", msgs[0].Message.Content)
}

func Test_AuthorizeKeyShareWithoutKey(t *testing.T) {
	bob := newParticipant(t, "r1", "u-bob", "bob")
	assert.ErrorIs(t, bob.session.AuthorizeKeyShare("u-alice"), ErrNoRoomKey)
}

func Test_ReactionPropagation(t *testing.T) {
	alice := newParticipant(t, "r1", "u-alice", "alice")
	bob := newParticipant(t, "r1", "u-bob", "bob")

	_, _, err := alice.session.CreateRoom("den", false)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := alice.session.CreateChannel("general", room.TextChannel)
	if err != nil {
		t.Fatal(err)
	}
	m, err := alice.session.SendMessage(ch.ID, "react to this")
	if err != nil {
		t.Fatal(err)
	}

	connect(t, alice, bob)
	eventually(t, func() bool {
		msgs, err := bob.session.Messages(ch.ID)
		return err == nil && len(msgs) == 1
	}, "bob never caught up")

	if _, err := bob.session.React(m.ID, "👍", true); err != nil {
		t.Fatalf("React: %v", err)
	}

	eventually(t, func() bool {
		got, err := alice.session.Messages(ch.ID)
		if err != nil || len(got) != 1 {
			return false
		}
		users := got[0].Message.Reactions.Users("👍")
		return len(users) == 1 && users[0] == "bob"
	}, "reaction never reached alice")
}

func Test_FileTransfer(t *testing.T) {
	alice := newParticipant(t, "r1", "u-alice", "alice")
	bob := newParticipant(t, "r1", "u-bob", "bob")

	_, _, err := alice.session.CreateRoom("den", false)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := alice.session.CreateChannel("general", room.TextChannel)
	if err != nil {
		t.Fatal(err)
	}
	connect(t, alice, bob)

	data := make([]byte, 40_000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	m, err := alice.session.SendFile(ch.ID, "blob.bin", "application/octet-stream", data)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if assert.NotNil(t, m.File) {
		assert.Equal(t, 3, m.File.Chunks)
	}

	eventually(t, func() bool {
		ev, ok := bob.events.find(func(ev Event) bool {
			_, is := ev.(FileEvent)
			return is
		})
		if !ok {
			return false
		}
		return assert.ObjectsAreEqual(data, ev.(FileEvent).Data)
	}, "bob never assembled the file")

	// The completed blob is retrievable from bob's store.
	eventually(t, func() bool {
		f, err := bob.session.File(m.File.TransferID)
		return err == nil && len(f.Data) == len(data)
	}, "file never persisted")
}

func Test_EncryptedFileTransfer(t *testing.T) {
	alice := newParticipant(t, "r1", "u-alice", "alice")
	bob := newParticipant(t, "r1", "u-bob", "bob")

	_, key, err := alice.session.CreateRoom("vault", true)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := alice.session.CreateChannel("general", room.TextChannel)
	if err != nil {
		t.Fatal(err)
	}
	// Bob already holds the key, as if it came from the invite URL.
	if err := bob.session.SetRoomKey(key); err != nil {
		t.Fatal(err)
	}

	connect(t, alice, bob)

	data := []byte("small secret file body")
	if _, err := alice.session.SendFile(ch.ID, "s.txt", "text/plain", data); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		ev, ok := bob.events.find(func(ev Event) bool {
			_, is := ev.(FileEvent)
			return is
		})
		return ok && assert.ObjectsAreEqual(data, ev.(FileEvent).Data)
	}, "encrypted file never arrived intact")
}

func Test_FileChunksBeforeRoomRecord(t *testing.T) {
	// Chunks can outrun the sync payload that carries the room record; a
	// key holder must still decrypt them rather than assemble ciphertext.
	bob := newParticipant(t, "r1", "u-bob", "bob")

	key, err := roomkey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.session.SetRoomKey(key); err != nil {
		t.Fatal(err)
	}
	fileKey, err := key.Derive("file")
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("chunk ahead of the room record")
	sealed, err := roomkey.EncryptBytes(data, fileKey)
	if err != nil {
		t.Fatal(err)
	}
	env, err := wire.New(wire.TypeFileChunk, "u-alice", "r1", wire.FileChunk{
		TransferID: "tr-7", Index: 0, Total: 1, Data: sealed,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := wire.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	bob.session.Receive("u-alice", raw)

	eventually(t, func() bool {
		ev, ok := bob.events.find(func(ev Event) bool {
			_, is := ev.(FileEvent)
			return is
		})
		return ok && assert.ObjectsAreEqual(data, ev.(FileEvent).Data)
	}, "chunk arriving before the room record was not decrypted")
}

func Test_PollMergedPlaintextResolves(t *testing.T) {
	// The poll bridge decrypts before merging, so an encrypted room's
	// store legitimately holds plaintext for poll-delivered messages.
	// Display must resolve them instead of treating them as opaque.
	alice := newParticipant(t, "r1", "u-alice", "alice")

	_, _, err := alice.session.CreateRoom("vault", true)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := alice.session.CreateChannel("general", room.TextChannel)
	if err != nil {
		t.Fatal(err)
	}

	merged := room.Message{
		ID:        room.NewMessageID(),
		ChannelID: ch.ID,
		UserID:    "u-bob",
		Username:  "bob",
		Content:   "from the relay",
		Timestamp: time.Now().UnixMilli(),
	}
	payload := &wire.SyncPayload{Messages: []room.Message{merged}}
	if _, err := alice.session.Engine().ApplyPayload("", payload); err != nil {
		t.Fatal(err)
	}

	msgs, err := alice.session.Messages(ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if assert.Len(t, msgs, 1) {
		assert.True(t, msgs[0].Resolved)
		assert.Equal(t, "from the relay", msgs[0].Message.Content)
	}
}

func Test_CloseIsSafeDuringReceive(t *testing.T) {
	// Inbound transport callbacks may still be running when the session
	// shuts down; none of them may panic on the closed event channel.
	bob := newParticipant(t, "r1", "u-bob", "bob")

	env, err := wire.New(wire.TypeOffer, "u-alice", "r1", map[string]string{"sdp": "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := wire.Encode(env)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			bob.session.Receive("u-alice", raw)
		}
	}()
	bob.session.Close()
	<-done

	// Late frames after shutdown are dropped, not fatal.
	bob.session.Receive("u-alice", raw)
}

func Test_PeerDisconnectSurfacesStalledTransfers(t *testing.T) {
	bob := newParticipant(t, "r1", "u-bob", "bob")
	if err := bob.session.PeerConnected("u-alice", "alice", discard{}); err != nil {
		t.Fatal(err)
	}

	// A chunk arrives but its siblings never do.
	env, err := wire.New(wire.TypeFileChunk, "u-alice", "r1", wire.FileChunk{
		TransferID: "tr-1", Index: 0, Total: 3, Data: []byte{1},
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := wire.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	bob.session.Receive("u-alice", raw)

	bob.session.PeerDisconnected("u-alice")

	eventually(t, func() bool {
		ev, ok := bob.events.find(func(ev Event) bool {
			_, is := ev.(TransfersStalledEvent)
			return is
		})
		if !ok {
			return false
		}
		stalled := ev.(TransfersStalledEvent).Transfers
		return len(stalled) == 1 && stalled[0].TransferID == "tr-1"
	}, "stalled transfer was not surfaced")
}

func Test_SetRoomKeyIsWriteOnce(t *testing.T) {
	alice := newParticipant(t, "r1", "u-alice", "alice")
	_, key, err := alice.session.CreateRoom("vault", true)
	if err != nil {
		t.Fatal(err)
	}
	assert.ErrorIs(t, alice.session.SetRoomKey(key), ErrKeyAlreadySet)
}

func Test_ReceiveToleratesGarbage(t *testing.T) {
	bob := newParticipant(t, "r1", "u-bob", "bob")

	// None of these may panic or kill the session.
	bob.session.Receive("u-alice", []byte("{{{"))
	bob.session.Receive("u-alice", []byte(`{"type":"quantum-handshake","roomId":"r1"}`))
	bob.session.Receive("u-alice", []byte(`{"type":"message","roomId":"r1"}`))

	if _, _, err := bob.session.CreateRoom("still alive", false); err != nil {
		t.Fatal(err)
	}
}

func Test_SignalEnvelopesSurface(t *testing.T) {
	alice := newParticipant(t, "r1", "u-alice", "alice")
	bob := newParticipant(t, "r1", "u-bob", "bob")
	connect(t, alice, bob)

	env, err := wire.New(wire.TypeOffer, "u-alice", "r1", map[string]string{"sdp": "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	env.To = "u-bob"
	if err := alice.session.SendSignal(env); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	eventually(t, func() bool {
		ev, ok := bob.events.find(func(ev Event) bool {
			sig, is := ev.(SignalEvent)
			return is && sig.Envelope.Type == wire.TypeOffer
		})
		return ok && ev.(SignalEvent).Envelope.From == "u-alice"
	}, "signal envelope never surfaced")
}
