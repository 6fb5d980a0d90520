package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/store"
	"github.com/mbryde/peerchat/pkg/wire"
)

type fixture struct {
	store  *store.PebbleStore
	engine *Engine
	roomID string
}

func setUp(t *testing.T, opts ...Option) (*fixture, func()) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	roomID := "r1"
	f := &fixture{
		store:  s,
		engine: New(s, roomID, opts...),
		roomID: roomID,
	}
	return f, func() {
		s.Close()
	}
}

func (f *fixture) seedRoom(t *testing.T) {
	if err := f.store.PutRoom(room.Room{ID: f.roomID, Name: "den", CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedChannel(t *testing.T, id string) {
	err := f.store.PutChannel(room.Channel{
		ID: id, RoomID: f.roomID, Name: id, Type: room.TextChannel,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedMessages(t *testing.T, channelID string, n int) []room.Message {
	base := time.Now()
	msgs := make([]room.Message, 0, n)
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Millisecond)
		m := room.Message{
			ID:        room.NewMessageIDAt(at),
			ChannelID: channelID,
			UserID:    "u1",
			Username:  "alice",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: at.UnixMilli(),
		}
		if err := f.store.PutMessage(f.roomID, m); err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func Test_PeerLifecycle(t *testing.T) {
	f, tearDown := setUp(t)
	defer tearDown()
	f.seedRoom(t)
	f.seedChannel(t, "ch-1")

	assert.Equal(t, Disconnected, f.engine.PeerState("p1"))

	hello, err := f.engine.PeerConnected("p1")
	if err != nil {
		t.Fatalf("PeerConnected: %v", err)
	}
	assert.Equal(t, HelloSent, f.engine.PeerState("p1"))
	assert.Equal(t, []string{"ch-1"}, hello.KnownChannelIDs)
	assert.Equal(t, int64(1), hello.RoomCreatedAt)

	_, err = f.engine.ApplyPayload("p1", &wire.SyncPayload{})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, Steady, f.engine.PeerState("p1"))

	f.engine.PeerDisconnected("p1")
	assert.Equal(t, Disconnected, f.engine.PeerState("p1"))
}

func Test_CatchUpIsComplete(t *testing.T) {
	// One side holds m1..m10, the other m1..m5. After the hello exchange
	// the lagging side must hold all ten.
	ahead, tearDownA := setUp(t)
	defer tearDownA()
	behind, tearDownB := setUp(t)
	defer tearDownB()

	ahead.seedRoom(t)
	ahead.seedChannel(t, "ch-1")
	msgs := ahead.seedMessages(t, "ch-1", 10)

	behind.seedRoom(t)
	behind.seedChannel(t, "ch-1")
	for _, m := range msgs[:5] {
		if err := behind.store.PutMessage(behind.roomID, m); err != nil {
			t.Fatal(err)
		}
	}

	hello, err := behind.engine.BuildHello()
	if err != nil {
		t.Fatalf("BuildHello: %v", err)
	}

	payload, err := ahead.engine.HandleHello("peer-behind", hello)
	if err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	assert.Len(t, payload.Messages, 5)

	applied, err := behind.engine.ApplyPayload("", payload)
	if err != nil {
		t.Fatalf("ApplyPayload: %v", err)
	}
	assert.Equal(t, 5, applied.Messages)

	got, err := behind.store.ListMessages(behind.roomID, "ch-1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, got, 10)
	for i, m := range got {
		assert.Equal(t, msgs[i].ID, m.ID)
	}
}

func Test_CatchUpSendsUnknownChannelsInFull(t *testing.T) {
	f, tearDown := setUp(t)
	defer tearDown()
	f.seedRoom(t)
	f.seedChannel(t, "ch-1")
	f.seedMessages(t, "ch-1", 3)

	// A hello from a peer that has never seen this room.
	payload, err := f.engine.HandleHello("p1", &wire.SyncHello{
		Watermarks: map[string]string{},
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, payload.Channels, 1)
	assert.Len(t, payload.Messages, 3)
	if assert.NotNil(t, payload.Room) {
		assert.Equal(t, f.roomID, payload.Room.ID)
	}
}

func Test_ExactIDDiffCatchesInteriorGaps(t *testing.T) {
	// A watermark diff cannot see a hole below the watermark; the exact
	// id list for small channels can.
	f, tearDown := setUp(t)
	defer tearDown()
	f.seedRoom(t)
	f.seedChannel(t, "ch-1")
	msgs := f.seedMessages(t, "ch-1", 5)

	// Peer knows every message except the middle one.
	known := []string{msgs[0].ID, msgs[1].ID, msgs[3].ID, msgs[4].ID}
	payload, err := f.engine.HandleHello("p1", &wire.SyncHello{
		Watermarks:      map[string]string{"ch-1": msgs[4].ID},
		KnownMessageIDs: map[string][]string{"ch-1": known},
		KnownChannelIDs: []string{"ch-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if assert.Len(t, payload.Messages, 1) {
		assert.Equal(t, msgs[2].ID, payload.Messages[0].ID)
	}
}

func Test_WatermarkDiffForLargeChannels(t *testing.T) {
	f, tearDown := setUp(t, WithBootstrapThreshold(3))
	defer tearDown()
	f.seedRoom(t)
	f.seedChannel(t, "ch-1")
	msgs := f.seedMessages(t, "ch-1", 6)

	// Above the threshold the hello carries no id list.
	hello, err := f.engine.BuildHello()
	if err != nil {
		t.Fatal(err)
	}
	assert.NotContains(t, hello.KnownMessageIDs, "ch-1")
	assert.Equal(t, msgs[5].ID, hello.Watermarks["ch-1"])

	payload, err := f.engine.HandleHello("p1", &wire.SyncHello{
		Watermarks:      map[string]string{"ch-1": msgs[3].ID},
		KnownChannelIDs: []string{"ch-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, payload.Messages, 2)
}

func Test_SameMillisecondBurstKeepsWatermarkOrder(t *testing.T) {
	// Ids minted in the same millisecond preserve generation order, so a
	// watermark built from an earlier one never hides the later ones.
	f, tearDown := setUp(t)
	defer tearDown()
	f.seedRoom(t)
	f.seedChannel(t, "ch-1")

	base := time.Now()
	var msgs []room.Message
	for i := 0; i < 3; i++ {
		m := room.Message{
			ID:        room.NewMessageIDAt(base),
			ChannelID: "ch-1",
			UserID:    "u1",
			Username:  "alice",
			Content:   fmt.Sprintf("burst %d", i),
			Timestamp: base.UnixMilli(),
		}
		if err := f.store.PutMessage(f.roomID, m); err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}

	wm, err := f.store.Watermark(f.roomID, "ch-1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, msgs[2].ID, wm)

	// A peer holding only the first of the burst catches the rest via the
	// watermark diff alone.
	payload, err := f.engine.HandleHello("p1", &wire.SyncHello{
		Watermarks:      map[string]string{"ch-1": msgs[0].ID},
		KnownChannelIDs: []string{"ch-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if assert.Len(t, payload.Messages, 2) {
		assert.Equal(t, msgs[1].ID, payload.Messages[0].ID)
		assert.Equal(t, msgs[2].ID, payload.Messages[1].ID)
	}
}

func Test_SameTimestampCrossOriginCaughtUp(t *testing.T) {
	// Two origins minting in the same millisecond can interleave so that
	// a replica's watermark sorts above a message it has never seen. The
	// exact id list for bootstrap-sized channels still recovers it.
	f, tearDown := setUp(t)
	defer tearDown()
	f.seedRoom(t)
	f.seedChannel(t, "ch-1")

	base := time.Now()
	lower := room.Message{
		ID: room.NewMessageIDAt(base), ChannelID: "ch-1",
		UserID: "u2", Username: "bob", Content: "from bob",
		Timestamp: base.UnixMilli(),
	}
	higher := room.Message{
		ID: room.NewMessageIDAt(base), ChannelID: "ch-1",
		UserID: "u1", Username: "alice", Content: "from alice",
		Timestamp: base.UnixMilli(),
	}
	for _, m := range []room.Message{lower, higher} {
		if err := f.store.PutMessage(f.roomID, m); err != nil {
			t.Fatal(err)
		}
	}

	payload, err := f.engine.HandleHello("p1", &wire.SyncHello{
		Watermarks:      map[string]string{"ch-1": higher.ID},
		KnownMessageIDs: map[string][]string{"ch-1": {higher.ID}},
		KnownChannelIDs: []string{"ch-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if assert.Len(t, payload.Messages, 1) {
		assert.Equal(t, lower.ID, payload.Messages[0].ID)
	}
}

func Test_ApplyPayloadIsIdempotent(t *testing.T) {
	f, tearDown := setUp(t)
	defer tearDown()

	src, tearDownSrc := setUp(t)
	defer tearDownSrc()
	src.seedRoom(t)
	src.seedChannel(t, "ch-1")
	src.seedMessages(t, "ch-1", 4)

	payload, err := src.engine.HandleHello("p1", &wire.SyncHello{})
	if err != nil {
		t.Fatal(err)
	}

	first, err := f.engine.ApplyPayload("", payload)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, first.Channels)
	assert.Equal(t, 4, first.Messages)

	second, err := f.engine.ApplyPayload("", payload)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 0, second.Channels)
	assert.Equal(t, 0, second.Messages)
	assert.Equal(t, 4, second.Merged)

	got, err := f.store.ListMessages(f.roomID, "ch-1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, got, 4)
}

func Test_MergeMessageKeepsContentMergesReactions(t *testing.T) {
	f, tearDown := setUp(t)
	defer tearDown()
	f.seedChannel(t, "ch-1")
	msgs := f.seedMessages(t, "ch-1", 1)

	dup := msgs[0]
	dup.Content = "rewritten content must be ignored"
	dup.Reactions = room.Reactions{}
	dup.Reactions.Apply(room.ReactionEvent{
		MessageID: dup.ID, Emoji: "👍", UserID: "u2", Username: "bob",
		Action: room.ReactionAdd, Seq: 1,
	})

	inserted, err := f.engine.MergeMessage(dup)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, inserted)

	got, err := f.store.GetMessage(f.roomID, dup.ID)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, msgs[0].Content, got.Content)
	assert.Equal(t, []string{"bob"}, got.Reactions.Users("👍"))
	assert.True(t, got.Synced)
}

func Test_ApplyReactionUnknownMessage(t *testing.T) {
	f, tearDown := setUp(t)
	defer tearDown()

	m, err := f.engine.ApplyReaction(room.ReactionEvent{
		MessageID: "never-seen", Emoji: "👍", UserID: "u1", Action: room.ReactionAdd, Seq: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, m)
}

func Test_HandleHistoryPages(t *testing.T) {
	f, tearDown := setUp(t)
	defer tearDown()
	f.seedChannel(t, "ch-1")
	msgs := f.seedMessages(t, "ch-1", 7)

	resp, err := f.engine.HandleHistory(&wire.HistoryRequest{
		ChannelID: "ch-1", Limit: 3,
	})
	if err != nil {
		t.Fatalf("HandleHistory: %v", err)
	}
	assert.True(t, resp.HasMore)
	assert.Equal(t, msgs[4:], resp.Messages)

	resp, err = f.engine.HandleHistory(&wire.HistoryRequest{
		ChannelID: "ch-1", BeforeMessageID: msgs[4].ID, Limit: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, resp.HasMore)
	assert.Equal(t, msgs[:4], resp.Messages)

	_, err = f.engine.HandleHistory(&wire.HistoryRequest{Limit: 3})
	assert.Error(t, err)
}
