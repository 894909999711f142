package protocol

import (
	"errors"
	"fmt"
)

// Decoder reassembles packets from a byte stream. A single network read
// may hold part of a packet, exactly one, or several; Feed appends what
// arrived and Next pops complete packets in order.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	maxPayload int
}

// NewDecoder returns a decoder rejecting frames whose size field exceeds
// maxPayload. A non-positive maxPayload selects DefaultMaxPayloadSize.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends received bytes to the internal buffer.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes waiting for a complete packet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet.
//
// ErrTruncated means more bytes are needed; nothing is consumed. A
// malformed frame is consumed and its *FrameError returned, so decoding
// can continue with the following frame. If the size field itself is invalid
// there is no way to find the next frame boundary: the whole buffer is
// discarded and the error also matches ErrDesync.
func (d *Decoder) Next() (Packet, error) {
	pkt, n, err := ParseLimit(d.buf, d.maxPayload)
	switch {
	case err == nil:
		d.advance(n)
		return pkt, nil
	case errors.Is(err, ErrTruncated):
		return Packet{}, err
	case n > 0:
		d.advance(n)
		return Packet{}, err
	default:
		d.Reset()
		return Packet{}, fmt.Errorf("%w: %w", ErrDesync, err)
	}
}

// Reset drops all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

func (d *Decoder) advance(n int) {
	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}
