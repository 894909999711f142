package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FieldKind identifies the wire encoding of a Field.
type FieldKind uint8

const (
	KindUint32 FieldKind = iota + 1
	KindString
)

func (k FieldKind) String() string {
	switch k {
	case KindUint32:
		return "uint32"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is one typed unit of wire data. The set of implementations is
// closed to this package: Uint32 and String.
type Field interface {
	Kind() FieldKind
	// Size is the number of bytes AppendTo writes.
	Size() int
	// AppendTo appends the little-endian encoding of the field to dst.
	AppendTo(dst []byte) []byte

	sealed()
}

// Uint32 is a fixed 4-byte little-endian integer field.
type Uint32 uint32

func (Uint32) Kind() FieldKind { return KindUint32 }
func (Uint32) Size() int       { return 4 }
func (Uint32) sealed()         {}

func (v Uint32) AppendTo(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}

// String is a NUL-terminated text field. The terminator is always
// written, so an empty String still occupies one byte.
type String string

func (String) Kind() FieldKind { return KindString }
func (v String) Size() int     { return len(v) + 1 }
func (String) sealed()         {}

func (v String) AppendTo(dst []byte) []byte {
	dst = append(dst, v...)
	return append(dst, 0)
}

// DecodeUint32 reads a Uint32 from the start of b.
func DecodeUint32(b []byte) (Uint32, int, error) {
	if len(b) < 4 {
		return 0, 0, fmt.Errorf("%w: uint32 needs 4 bytes, have %d", ErrMalformedField, len(b))
	}
	return Uint32(binary.LittleEndian.Uint32(b)), 4, nil
}

// DecodeString reads a NUL-terminated String from the start of b. The
// returned count includes the terminator.
func DecodeString(b []byte) (String, int, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", 0, fmt.Errorf("%w: string not terminated within %d bytes", ErrMalformedField, len(b))
	}
	return String(b[:i]), i + 1, nil
}

// DecodeField decodes a field of the given kind from the start of b.
func DecodeField(kind FieldKind, b []byte) (Field, int, error) {
	switch kind {
	case KindUint32:
		v, n, err := DecodeUint32(b)
		if err != nil {
			return nil, 0, err
		}
		return v, n, nil
	case KindString:
		v, n, err := DecodeString(b)
		if err != nil {
			return nil, 0, err
		}
		return v, n, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown kind %s", ErrMalformedField, kind)
	}
}

// EncodeFields concatenates the encodings of fields.
func EncodeFields(fields ...Field) []byte {
	n := 0
	for _, f := range fields {
		n += f.Size()
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = f.AppendTo(out)
	}
	return out
}
