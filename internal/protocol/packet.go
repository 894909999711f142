package protocol

import (
	"fmt"
	"strings"
)

// Packet is one decoded RCON message. Packets are values; a new one is
// built for every send and decoded for every receive.
type Packet struct {
	ID   int32
	Type PacketType
	Body string
}

// NewAuthPacket returns a SERVERDATA_AUTH packet carrying password.
func NewAuthPacket(id int32, password string) Packet {
	return Packet{ID: id, Type: ServerDataAuth, Body: password}
}

// NewExecCommandPacket returns a SERVERDATA_EXECCOMMAND packet.
func NewExecCommandPacket(id int32, command string) Packet {
	return Packet{ID: id, Type: ServerDataExecCommand, Body: command}
}

// NewEndMarkerPacket returns the empty SERVERDATA_RESPONSE_VALUE probe a
// client sends after a command. Servers mirror it back with the same id
// once every fragment of the preceding reply has been written.
func NewEndMarkerPacket(id int32) Packet {
	return Packet{ID: id, Type: ServerDataResponseValue}
}

// Size returns the value of the size field for p.
func (p Packet) Size() int {
	return Uint32(0).Size() + Uint32(0).Size() + String(p.Body).Size() + String("").Size()
}

// Fields returns the fields following the size prefix, in wire order.
func (p Packet) Fields() []Field {
	return []Field{
		Uint32(uint32(p.ID)),
		Uint32(uint32(p.Type)),
		String(p.Body),
		String(""),
	}
}

// MarshalBinary encodes p including its size prefix.
func (p Packet) MarshalBinary() ([]byte, error) {
	return Build(p.ID, p.Type, p.Body)
}

func (p Packet) String() string {
	return fmt.Sprintf("Packet{id=%d type=%s body=%d bytes}", p.ID, p.Type, len(p.Body))
}

// Build serializes a packet. The size prefix is computed from the encoded
// remainder. A body containing NUL cannot be represented and is rejected.
func Build(id int32, typ PacketType, body string) ([]byte, error) {
	if strings.IndexByte(body, 0) >= 0 {
		return nil, fmt.Errorf("%w: body contains NUL byte", ErrMalformedField)
	}

	b := NewPacketBuilder()
	for _, f := range (Packet{ID: id, Type: typ, Body: body}).Fields() {
		b.WriteField(f)
	}
	return b.BuildWithSize(), nil
}
