package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbryde/peerchat/pkg/room"
)

func setUp(t *testing.T) (*PebbleStore, func()) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, func() {
		s.Close()
	}
}

// seedMessages writes n messages at one-millisecond intervals and returns
// them in canonical order.
func seedMessages(t *testing.T, s *PebbleStore, roomID, channelID string, n int) []room.Message {
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
		if err := s.PutMessage(roomID, m); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func Test_RoomRoundTrip(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	_, err := s.GetRoom("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	r := room.Room{ID: "r1", Name: "den", CreatedAt: 123, Encrypted: true}
	if err := s.PutRoom(r); err != nil {
		t.Fatalf("PutRoom: %v", err)
	}

	got, err := s.GetRoom("r1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	assert.Equal(t, r, *got)
}

func Test_ChannelListing(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	chans := []room.Channel{
		{ID: "ch-a", RoomID: "r1", Name: "general", Type: room.TextChannel},
		{ID: "ch-b", RoomID: "r1", Name: "lounge", Type: room.VoiceChannel},
		{ID: "ch-c", RoomID: "r2", Name: "other", Type: room.TextChannel},
	}
	for _, c := range chans {
		if err := s.PutChannel(c); err != nil {
			t.Fatalf("PutChannel: %v", err)
		}
	}

	got, err := s.ListChannels("r1")
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	assert.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, "r1", c.RoomID)
	}
}

func Test_MessageOrderAndWatermark(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	msgs := seedMessages(t, s, "r1", "ch-1", 5)

	got, err := s.ListMessages("r1", "ch-1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	assert.Equal(t, msgs, got)

	wm, err := s.Watermark("r1", "ch-1")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	assert.Equal(t, msgs[len(msgs)-1].ID, wm)

	// Empty channel has an empty watermark.
	wm, err = s.Watermark("r1", "ch-empty")
	if err != nil {
		t.Fatal(err)
	}
	assert.Empty(t, wm)
}

func Test_RoomWatermarkSpansChannels(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	a := seedMessages(t, s, "r1", "ch-a", 2)
	time.Sleep(2 * time.Millisecond)
	b := seedMessages(t, s, "r1", "ch-b", 2)

	wm, err := s.RoomWatermark("r1")
	if err != nil {
		t.Fatalf("RoomWatermark: %v", err)
	}
	assert.Equal(t, b[len(b)-1].ID, wm)
	assert.NotEqual(t, a[len(a)-1].ID, wm)
}

func Test_GetMessageByIDOnly(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	msgs := seedMessages(t, s, "r1", "ch-1", 3)

	got, err := s.GetMessage("r1", msgs[1].ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	assert.Equal(t, msgs[1], *got)

	_, err = s.GetMessage("r1", "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_ListMessagesBefore(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	msgs := seedMessages(t, s, "r1", "ch-1", 10)

	t.Run("latest page", func(t *testing.T) {
		page, hasMore, err := s.ListMessagesBefore("r1", "ch-1", "", 4)
		if err != nil {
			t.Fatal(err)
		}
		assert.True(t, hasMore)
		assert.Equal(t, msgs[6:], page)
	})

	t.Run("older page", func(t *testing.T) {
		page, hasMore, err := s.ListMessagesBefore("r1", "ch-1", msgs[6].ID, 4)
		if err != nil {
			t.Fatal(err)
		}
		assert.True(t, hasMore)
		assert.Equal(t, msgs[2:6], page)
	})

	t.Run("first page exhausts", func(t *testing.T) {
		page, hasMore, err := s.ListMessagesBefore("r1", "ch-1", msgs[2].ID, 4)
		if err != nil {
			t.Fatal(err)
		}
		assert.False(t, hasMore)
		assert.Equal(t, msgs[:2], page)
	})
}

func Test_KnownMessageIDs(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	msgs := seedMessages(t, s, "r1", "ch-1", 5)

	ids, err := s.KnownMessageIDs("r1", "ch-1", 10)
	if err != nil {
		t.Fatalf("KnownMessageIDs: %v", err)
	}
	want := make([]string, 0, len(msgs))
	for _, m := range msgs {
		want = append(want, m.ID)
	}
	assert.Equal(t, want, ids)

	// max caps the result so callers can detect overflow with max+1.
	ids, err = s.KnownMessageIDs("r1", "ch-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, ids, 3)
}

func Test_RoomKeyRoundTrip(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	_, err := s.GetRoomKey("r1")
	assert.ErrorIs(t, err, ErrNotFound)

	if err := s.PutRoomKey("r1", "the-key"); err != nil {
		t.Fatalf("PutRoomKey: %v", err)
	}
	key, err := s.GetRoomKey("r1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "the-key", key)
}

func Test_FileRoundTrip(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	f := StoredFile{
		Meta: room.FileMetadata{
			Name: "cat.png", Size: 3, Type: "image/png",
			Chunks: 1, TransferID: "tr-1",
		},
		Data: []byte{1, 2, 3},
	}
	if err := s.PutFile("r1", f); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	got, err := s.GetFile("r1", "tr-1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, f, *got)

	_, err = s.GetFile("r1", "tr-2")
	assert.ErrorIs(t, err, ErrNotFound)

	if err := s.DeleteFile("r1", "tr-1"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	_, err = s.GetFile("r1", "tr-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_DeleteMessage(t *testing.T) {
	s, tearDown := setUp(t)
	defer tearDown()

	msgs := seedMessages(t, s, "r1", "ch-1", 3)

	if err := s.DeleteMessage("r1", msgs[1].ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	_, err := s.GetMessage("r1", msgs[1].ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.ListMessages("r1", "ch-1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, got, 2)

	// Unknown ids are a no-op.
	assert.NoError(t, s.DeleteMessage("r1", "never-existed"))
}
