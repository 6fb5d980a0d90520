// Package transfer implements chunked file transfer over a peer channel:
// fixed-size ordered chunks on the sending side, an index-keyed reassembly
// map on the receiving side. Out-of-order and duplicate delivery are both
// absorbed; there is no retransmission, so a transfer with a genuinely
// dropped chunk stalls at partial progress and is surfaced as incomplete.
package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mbryde/peerchat/pkg/room"
	"github.com/mbryde/peerchat/pkg/wire"
)

// ChunkSize is the fixed chunk length in bytes.
const ChunkSize = 16 * 1024

var (
	// ErrUnknownTransfer is returned for a chunk whose transfer was
	// never announced.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrChunkOutOfRange is returned for a chunk index outside the
	// announced total.
	ErrChunkOutOfRange = errors.New("chunk index out of range")
)

// Outbound is a prepared send: the metadata announcement plus the ordered
// chunk sequence.
type Outbound struct {
	Meta   room.FileMetadata
	Chunks []wire.FileChunk
}

// NewOutbound splits data into ChunkSize pieces under a fresh transfer
// id.
func NewOutbound(name, mimeType string, data []byte) *Outbound {
	total := (len(data) + ChunkSize - 1) / ChunkSize
	if total == 0 {
		total = 1
	}
	out := &Outbound{
		Meta: room.FileMetadata{
			Name:       name,
			Size:       int64(len(data)),
			Type:       mimeType,
			Chunks:     total,
			TransferID: room.NewID(),
		},
		Chunks: make([]wire.FileChunk, 0, total),
	}
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		out.Chunks = append(out.Chunks, wire.FileChunk{
			TransferID: out.Meta.TransferID,
			Index:      i,
			Total:      total,
			Data:       data[start:end],
		})
	}
	return out
}

// Inbound tracks one receiving transfer.
type Inbound struct {
	Meta     room.FileMetadata
	chunks   map[int][]byte
	complete bool
}

// Progress is received/total in [0, 1]. It reaches exactly 1 only when
// every unique index is present.
func (in *Inbound) Progress() float64 {
	if in.Meta.Chunks == 0 {
		return 0
	}
	return float64(len(in.chunks)) / float64(in.Meta.Chunks)
}

// Complete reports whether the transfer has been fully assembled.
func (in *Inbound) Complete() bool { return in.complete }

// assemble concatenates the chunks in index order.
func (in *Inbound) assemble() []byte {
	var size int
	for _, c := range in.chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for i := 0; i < in.Meta.Chunks; i++ {
		data = append(data, in.chunks[i]...)
	}
	return data
}

// Result is delivered once per completed transfer.
type Result struct {
	Meta room.FileMetadata
	Data []byte
}

// completedKeep bounds the remembered completed-transfer ids.
const completedKeep = 128

// Manager owns all in-flight inbound transfers for one session. It
// remembers recently completed transfer ids so a chunk re-delivered after
// completion is absorbed instead of recreating a placeholder that can
// never complete.
type Manager struct {
	mu        sync.Mutex
	inbound   map[string]*Inbound
	completed map[string]struct{}
	order     []string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		inbound:   make(map[string]*Inbound),
		completed: make(map[string]struct{}),
	}
}

// markCompleted records a finished transfer id, evicting the oldest
// remembered id past completedKeep. Callers hold mu.
func (m *Manager) markCompleted(transferID string) {
	if _, ok := m.completed[transferID]; ok {
		return
	}
	m.completed[transferID] = struct{}{}
	m.order = append(m.order, transferID)
	if len(m.order) > completedKeep {
		delete(m.completed, m.order[0])
		m.order = m.order[1:]
	}
}

// Announce registers an incoming transfer from its metadata message. If
// chunks outran the metadata, the placeholder record keeps its chunks and
// gains the full metadata; re-announcing a known transfer is otherwise a
// no-op.
func (m *Manager) Announce(meta room.FileMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.completed[meta.TransferID]; done {
		return
	}
	if in, ok := m.inbound[meta.TransferID]; ok {
		if in.Meta.Name == "" {
			in.Meta = meta
		}
		return
	}
	m.inbound[meta.TransferID] = &Inbound{
		Meta:   meta,
		chunks: make(map[int][]byte),
	}
}

// HandleChunk stores one received chunk. The index-keyed map absorbs
// duplicates; missing indices block completion, not ordering. When the
// final unique index arrives the assembled result is returned once and
// the transfer is removed from the in-flight table.
func (m *Manager) HandleChunk(chunk wire.FileChunk) (*Result, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.completed[chunk.TransferID]; done {
		// Late duplicate of an already assembled transfer.
		return nil, 1, nil
	}
	in, ok := m.inbound[chunk.TransferID]
	if !ok {
		// First chunk may beat the metadata message; create a record
		// from what the chunk itself carries.
		if chunk.Total <= 0 {
			return nil, 0, ErrUnknownTransfer
		}
		in = &Inbound{
			Meta: room.FileMetadata{
				TransferID: chunk.TransferID,
				Chunks:     chunk.Total,
			},
			chunks: make(map[int][]byte),
		}
		m.inbound[chunk.TransferID] = in
	}
	if chunk.Index < 0 || chunk.Index >= in.Meta.Chunks {
		return nil, in.Progress(), fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, chunk.Index, in.Meta.Chunks)
	}
	if _, dup := in.chunks[chunk.Index]; !dup {
		in.chunks[chunk.Index] = chunk.Data
	}
	if len(in.chunks) < in.Meta.Chunks {
		return nil, in.Progress(), nil
	}
	in.complete = true
	delete(m.inbound, chunk.TransferID)
	m.markCompleted(chunk.TransferID)
	return &Result{Meta: in.Meta, Data: in.assemble()}, 1, nil
}

// Stalled returns the transfers still waiting on chunks, for surfacing as
// incomplete after a peer drop. They are deliberately not retried.
func (m *Manager) Stalled() []room.FileMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []room.FileMetadata
	for _, in := range m.inbound {
		out = append(out, in.Meta)
	}
	return out
}

// Drop abandons an in-flight transfer.
func (m *Manager) Drop(transferID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inbound, transferID)
}
