package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated means not enough bytes are buffered yet. It is never
	// fatal: the caller should wait for more data and retry.
	ErrTruncated = errors.New("protocol: truncated packet")

	ErrMalformedField  = errors.New("protocol: malformed field")
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	ErrPacketTooLarge  = fmt.Errorf("%w: packet too large", ErrMalformedPacket)

	// ErrDesync marks a decode failure after which buffered bytes had to be
	// thrown away because no frame boundary could be found.
	ErrDesync = errors.New("protocol: stream desynchronized")
)

// FrameError is a malformed frame whose size field was valid. The id
// field sits at a fixed offset, so it is still known and lets the caller
// fail the request the frame belonged to.
type FrameError struct {
	ID  int32
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame id %d: %v", e.ID, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
