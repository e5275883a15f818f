// Package frame decodes the fixed-layout stream header carried in the UDP
// payload of each audio packet.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout of the header fields, relative to the start of the UDP payload.
const (
	HaltOffset     = 51
	HaltMask       = 0x01
	SequenceOffset = 54
	// HeaderSize is the shortest payload that holds every field.
	HeaderSize = SequenceOffset + 4
)

// ErrMalformedFrame is returned for payloads too short to hold the header.
var ErrMalformedFrame = errors.New("malformed frame")

// Header is the decoded view of one packet's stream header.
type Header struct {
	// Sequence is the stream frame number, incremented once per packet
	Sequence uint32
	// Halt marks the last frame before the stream pauses or ends
	Halt bool
}

func (h Header) String() string {
	if h.Halt {
		return fmt.Sprintf("frame %d (halt)", h.Sequence)
	}
	return fmt.Sprintf("frame %d", h.Sequence)
}

// Decode reads the header fields from payload. It never reads past the end of
// the slice.
func Decode(payload []byte) (Header, error) {
	if len(payload) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedFrame, len(payload), HeaderSize)
	}
	return Header{
		Sequence: binary.BigEndian.Uint32(payload[SequenceOffset : SequenceOffset+4]),
		Halt:     payload[HaltOffset]&HaltMask == HaltMask,
	}, nil
}

// Encode writes h into payload, which must be at least HeaderSize bytes.
// Bytes outside the header fields are left untouched.
func Encode(payload []byte, h Header) error {
	if len(payload) < HeaderSize {
		return fmt.Errorf("%w: %d bytes, need %d", ErrMalformedFrame, len(payload), HeaderSize)
	}
	if h.Halt {
		payload[HaltOffset] |= HaltMask
	} else {
		payload[HaltOffset] &^= HaltMask
	}
	binary.BigEndian.PutUint32(payload[SequenceOffset:SequenceOffset+4], h.Sequence)
	return nil
}
