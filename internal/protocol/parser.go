package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Parse decodes one packet from the start of data using
// DefaultMaxPayloadSize. See ParseLimit.
func Parse(data []byte) (Packet, int, error) {
	return ParseLimit(data, DefaultMaxPayloadSize)
}

// ParseLimit decodes one packet from the start of data and returns the
// number of bytes it occupied.
//
// ErrTruncated is returned while data holds less than a full packet.
// ErrMalformedPacket is returned for a complete frame whose contents
// violate the format, wrapped in a *FrameError carrying the frame's id;
// the returned count then covers the whole frame so the caller can skip
// it. When the size field itself is invalid the count is zero, since the
// frame boundary is unknown.
func ParseLimit(data []byte, maxPayload int) (Packet, int, error) {
	if len(data) < SizeFieldLen {
		return Packet{}, 0, ErrTruncated
	}

	size := int32(binary.LittleEndian.Uint32(data[:SizeFieldLen]))
	if size < MinPayloadSize {
		return Packet{}, 0, fmt.Errorf("%w: declared size %d below minimum %d", ErrMalformedPacket, size, MinPayloadSize)
	}
	if maxPayload > 0 && int(size) > maxPayload {
		return Packet{}, 0, fmt.Errorf("%w: declared size %d exceeds %d", ErrPacketTooLarge, size, maxPayload)
	}

	total := SizeFieldLen + int(size)
	if len(data) < total {
		return Packet{}, 0, ErrTruncated
	}

	payload := data[SizeFieldLen:total]
	pkt, err := decodePayload(payload)
	if err != nil {
		id := int32(binary.LittleEndian.Uint32(payload))
		return Packet{}, total, &FrameError{ID: id, Err: err}
	}
	return pkt, total, nil
}

func decodePayload(payload []byte) (Packet, error) {
	id, n, err := DecodeUint32(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: id: %w", ErrMalformedPacket, err)
	}
	offset := n

	typ, n, err := DecodeUint32(payload[offset:])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: type: %w", ErrMalformedPacket, err)
	}
	offset += n

	body, n, err := DecodeString(payload[offset:])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: body: %w", ErrMalformedPacket, err)
	}
	offset += n

	rest := payload[offset:]
	if len(rest) == 0 || rest[0] != 0 {
		return Packet{}, fmt.Errorf("%w: missing empty-string terminator", ErrMalformedPacket)
	}
	if len(rest) > 1 {
		return Packet{}, fmt.Errorf("%w: %d trailing bytes after terminator", ErrMalformedPacket, len(rest)-1)
	}

	return Packet{
		ID:   int32(id),
		Type: PacketType(int32(typ)),
		Body: string(body),
	}, nil
}

// ReadPacket reads exactly one packet from r, blocking until it is
// complete.
func ReadPacket(r io.Reader, maxPayload int) (Packet, error) {
	var size int32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return Packet{}, fmt.Errorf("failed to read packet size: %w", err)
	}

	if size < MinPayloadSize {
		return Packet{}, fmt.Errorf("%w: declared size %d below minimum %d", ErrMalformedPacket, size, MinPayloadSize)
	}
	if maxPayload > 0 && int(size) > maxPayload {
		return Packet{}, fmt.Errorf("%w: declared size %d exceeds %d", ErrPacketTooLarge, size, maxPayload)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, fmt.Errorf("%w: %w", ErrTruncated, err)
		}
		return Packet{}, fmt.Errorf("failed to read packet payload (%d bytes): %w", size, err)
	}

	return decodePayload(payload)
}

// WritePacket writes p, including its size prefix, to w.
func WritePacket(w io.Writer, p Packet) error {
	data, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write packet data: %w", err)
	}
	return nil
}
