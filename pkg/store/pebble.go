package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/mbryde/peerchat/pkg/room"
)

// Key layout. Message ids sort lexicographically by generation time, so a
// prefix scan over m/<room>/<channel>/ yields near-canonical order and the
// last key under a prefix is the watermark. The mi/ index maps a bare
// message id back to its document for reaction merges and room watermarks.
const (
	prefixRoom    = "r/"
	prefixChannel = "c/"
	prefixMessage = "m/"
	prefixMsgIdx  = "mi/"
	prefixKey     = "k/"
	prefixFile    = "f/"
)

// PebbleStore implements DocumentStore on a pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble.Open: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) get(key string, v any) error {
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) PutRoom(r room.Room) error {
	return s.set(prefixRoom+r.ID, r)
}

func (s *PebbleStore) GetRoom(roomID string) (*room.Room, error) {
	var r room.Room
	if err := s.get(prefixRoom+roomID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PebbleStore) PutChannel(c room.Channel) error {
	return s.set(prefixChannel+c.RoomID+"/"+c.ID, c)
}

func (s *PebbleStore) GetChannel(roomID, channelID string) (*room.Channel, error) {
	var c room.Channel
	if err := s.get(prefixChannel+roomID+"/"+channelID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PebbleStore) ListChannels(roomID string) ([]room.Channel, error) {
	var out []room.Channel
	err := s.scan(prefixChannel+roomID+"/", func(_ []byte, value []byte) error {
		var c room.Channel
		if err := json.Unmarshal(value, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (s *PebbleStore) PutMessage(roomID string, m room.Message) error {
	if err := s.set(prefixMessage+roomID+"/"+m.ChannelID+"/"+m.ID, m); err != nil {
		return err
	}
	return s.set(prefixMsgIdx+roomID+"/"+m.ID, m.ChannelID)
}

func (s *PebbleStore) GetMessage(roomID, messageID string) (*room.Message, error) {
	var channelID string
	if err := s.get(prefixMsgIdx+roomID+"/"+messageID, &channelID); err != nil {
		return nil, err
	}
	var m room.Message
	if err := s.get(prefixMessage+roomID+"/"+channelID+"/"+messageID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PebbleStore) ListMessages(roomID, channelID string) ([]room.Message, error) {
	var out []room.Message
	err := s.scan(prefixMessage+roomID+"/"+channelID+"/", func(_ []byte, value []byte) error {
		var m room.Message
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Key order tracks id order; canonical order compares timestamps
	// first, so re-sort before returning.
	room.SortMessages(out)
	return out, nil
}

func (s *PebbleStore) ListMessagesBefore(roomID, channelID, beforeID string, limit int) ([]room.Message, bool, error) {
	prefix := prefixMessage + roomID + "/" + channelID + "/"
	upper := keyUpperBound([]byte(prefix))
	if beforeID != "" {
		upper = []byte(prefix + beforeID)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
	if err != nil {
		return nil, false, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var page []room.Message
	hasMore := false
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if len(page) == limit {
			hasMore = true
			break
		}
		var m room.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, false, fmt.Errorf("unmarshal %s: %w", iter.Key(), err)
		}
		page = append(page, m)
	}
	if err := iter.Error(); err != nil {
		return nil, false, fmt.Errorf("pebble iter: %w", err)
	}
	room.SortMessages(page)
	return page, hasMore, nil
}

func (s *PebbleStore) Watermark(roomID, channelID string) (string, error) {
	return s.lastKeySuffix(prefixMessage + roomID + "/" + channelID + "/")
}

func (s *PebbleStore) RoomWatermark(roomID string) (string, error) {
	return s.lastKeySuffix(prefixMsgIdx + roomID + "/")
}

func (s *PebbleStore) KnownMessageIDs(roomID, channelID string, max int) ([]string, error) {
	prefix := prefixMessage + roomID + "/" + channelID + "/"
	var ids []string
	err := s.scan(prefix, func(key []byte, _ []byte) error {
		if len(ids) >= max {
			return errStopScan
		}
		ids = append(ids, string(key[len(prefix):]))
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return ids, nil
}

func (s *PebbleStore) DeleteMessage(roomID, messageID string) error {
	var channelID string
	err := s.get(prefixMsgIdx+roomID+"/"+messageID, &channelID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.db.Delete([]byte(prefixMessage+roomID+"/"+channelID+"/"+messageID), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete message: %w", err)
	}
	if err := s.db.Delete([]byte(prefixMsgIdx+roomID+"/"+messageID), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete message index: %w", err)
	}
	return nil
}

func (s *PebbleStore) PutRoomKey(roomID, key string) error {
	return s.set(prefixKey+roomID, key)
}

func (s *PebbleStore) GetRoomKey(roomID string) (string, error) {
	var key string
	if err := s.get(prefixKey+roomID, &key); err != nil {
		return "", err
	}
	return key, nil
}

func (s *PebbleStore) PutFile(roomID string, f StoredFile) error {
	return s.set(prefixFile+roomID+"/"+f.Meta.TransferID, f)
}

func (s *PebbleStore) GetFile(roomID, transferID string) (*StoredFile, error) {
	var f StoredFile
	if err := s.get(prefixFile+roomID+"/"+transferID, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PebbleStore) DeleteFile(roomID, transferID string) error {
	if err := s.db.Delete([]byte(prefixFile+roomID+"/"+transferID), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete file: %w", err)
	}
	return nil
}

var errStopScan = errors.New("stop scan")

func (s *PebbleStore) scan(prefix string, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), []byte(prefix)) {
			break
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	return nil
}

// lastKeySuffix returns the suffix of the last key under prefix, or ""
// when the prefix is empty.
func (s *PebbleStore) lastKeySuffix(prefix string) (string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return "", fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()
	if !iter.Last() {
		return "", iter.Error()
	}
	return string(iter.Key()[len(prefix):]), nil
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
