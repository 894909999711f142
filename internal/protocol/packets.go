// Package protocol implements the RCON wire format used to talk to Source
// engine style game servers. Every packet carries a 4-byte little-endian
// size prefix followed by id, type, a NUL-terminated body and an empty
// NUL-terminated string.
package protocol

import "strconv"

// PacketType is the type discriminator carried in every packet.
type PacketType int32

// Packet types. AUTH_RESPONSE and EXECCOMMAND share the value 2; which one
// a packet means depends on its direction and the session state.
const (
	ServerDataResponseValue PacketType = 0 // SERVERDATA_RESPONSE_VALUE
	ServerDataExecCommand   PacketType = 2 // SERVERDATA_EXECCOMMAND
	ServerDataAuthResponse  PacketType = 2 // SERVERDATA_AUTH_RESPONSE
	ServerDataAuth          PacketType = 3 // SERVERDATA_AUTH
)

// ServerName names t as a packet received from the server, where type 2
// is always AUTH_RESPONSE.
func (t PacketType) ServerName() string {
	if t == ServerDataAuthResponse {
		return "auth_response"
	}
	return t.String()
}

// String returns a short name for the packet type as the client sends
// it, where type 2 is EXECCOMMAND.
func (t PacketType) String() string {
	switch t {
	case ServerDataResponseValue:
		return "response_value"
	case ServerDataExecCommand:
		return "exec_command"
	case ServerDataAuth:
		return "auth"
	default:
		return "type_" + strconv.Itoa(int(t))
	}
}

// AuthFailedID is the id a server echoes in AUTH_RESPONSE when the
// password was rejected.
const AuthFailedID int32 = -1

const (
	// SizeFieldLen is the size of the length prefix in bytes.
	SizeFieldLen = 4

	// MinPayloadSize is the smallest legal value of the size field:
	// id(4) + type(4) + empty body(1) + terminator(1).
	MinPayloadSize = 10

	// DefaultMaxBodySize bounds the body of a single received packet.
	// Source servers never send more than 4096 body bytes per packet.
	DefaultMaxBodySize = 4096

	// DefaultMaxPayloadSize is the largest size field accepted by Parse.
	DefaultMaxPayloadSize = DefaultMaxBodySize + MinPayloadSize
)
