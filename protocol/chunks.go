package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// ChunkHeaderSize is the little-endian uint32 chunk index prefixing every data packet
const ChunkHeaderSize = 4

// PacketKind classifies a notification received during a download
type PacketKind int

const (
	PacketChunk PacketKind = iota
	PacketStart
	PacketEOF
	PacketError
)

func (k PacketKind) String() string {
	switch k {
	case PacketChunk:
		return "chunk"
	case PacketStart:
		return "start"
	case PacketEOF:
		return "eof"
	case PacketError:
		return "error"
	}
	return "unknown"
}

// Packet is one decoded download notification
type Packet struct {
	Kind    PacketKind
	Index   uint32
	Payload []byte
	Text    string // ERROR: text for PacketError
}

// DecodePacket interprets a raw notification received during a download.
// Literals take precedence over chunk framing.
func DecodePacket(data []byte) (Packet, error) {
	switch {
	case string(data) == LitStart:
		return Packet{Kind: PacketStart}, nil
	case string(data) == LitEOF:
		return Packet{Kind: PacketEOF}, nil
	case strings.HasPrefix(string(data), LitError):
		return Packet{Kind: PacketError, Text: strings.TrimSpace(string(data))}, nil
	}

	if len(data) < ChunkHeaderSize {
		return Packet{}, &ParseError{What: "chunk", Raw: fmt.Sprintf("%x", data), Err: fmt.Errorf("packet shorter than %d-byte index", ChunkHeaderSize)}
	}
	return Packet{
		Kind:    PacketChunk,
		Index:   binary.LittleEndian.Uint32(data[:ChunkHeaderSize]),
		Payload: data[ChunkHeaderSize:],
	}, nil
}

// EncodeChunk frames payload with its index (used by the simulated device and tests)
func EncodeChunk(index uint32, payload []byte) []byte {
	out := make([]byte, ChunkHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out, index)
	copy(out[ChunkHeaderSize:], payload)
	return out
}

// ChunkBuffer is the sparse index->payload map filled during a download.
// Arrival order does not matter; Bytes concatenates in index order.
type ChunkBuffer struct {
	chunks map[uint32][]byte
	size   int
}

// NewChunkBuffer creates an empty buffer
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{chunks: make(map[uint32][]byte)}
}

// Put stores a copy of payload at index, replacing any earlier copy
func (b *ChunkBuffer) Put(index uint32, payload []byte) {
	if old, exists := b.chunks[index]; exists {
		b.size -= len(old)
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	b.chunks[index] = data
	b.size += len(data)
}

// Count returns the number of distinct chunk indices received
func (b *ChunkBuffer) Count() int { return len(b.chunks) }

// Size returns the sum of stored payload lengths
func (b *ChunkBuffer) Size() int { return b.size }

// Bytes concatenates the stored chunks in ascending index order. Missing
// indices are skipped, not padded.
func (b *ChunkBuffer) Bytes() []byte {
	indices := make([]uint32, 0, len(b.chunks))
	for idx := range b.chunks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	out := make([]byte, 0, b.size)
	for _, idx := range indices {
		out = append(out, b.chunks[idx]...)
	}
	return out
}

// Reset drops every stored chunk
func (b *ChunkBuffer) Reset() {
	b.chunks = make(map[uint32][]byte)
	b.size = 0
}
