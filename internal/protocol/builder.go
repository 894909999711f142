package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder accumulates little-endian fields for one outgoing packet.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteField appends the encoding of f.
func (b *PacketBuilder) WriteField(f Field) *PacketBuilder {
	b.buf.Write(f.AppendTo(nil))
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	return b.WriteField(Uint32(v))
}

// WriteInt32 writes an int32 in little-endian two's complement.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteField(Uint32(uint32(v)))
}

// WriteNullString writes a NUL-terminated string.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	return b.WriteField(String(s))
}

// Build returns the accumulated bytes without a size prefix.
func (b *PacketBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// BuildWithSize returns the accumulated bytes behind a 4-byte LE size
// prefix holding their length.
func (b *PacketBuilder) BuildWithSize() []byte {
	data := b.buf.Bytes()
	result := make([]byte, SizeFieldLen+len(data))
	binary.LittleEndian.PutUint32(result[:SizeFieldLen], uint32(len(data)))
	copy(result[SizeFieldLen:], data)
	return result
}

// Len returns the number of bytes written so far, excluding any prefix.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
