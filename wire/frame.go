// Package wire implements the weft frame format:
//
//	[version:1][type:1][ttl:1][flags:1][origin:16][destination:16]
//	[sequence:8][counter:8][payload_len:4][payload][auth_tag:16]
//
// The declared payload length must agree with the datagram size.
//
// The header is authenticated as AEAD associated data; the ttl byte is
// excluded since it is decremented by forwarding nodes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/weftmesh/weft/state"
)

const (
	Version = state.WireVersion

	HeaderSize = 56
	TagSize    = 16

	// MaxPayload bounds a single frame payload.
	MaxPayload = 60000
)

type Type uint8

const (
	TypeHello Type = iota + 1
	TypeRouteRequest
	TypeRouteReply
	TypeRouteError
	TypeData
	TypeHandshake
	TypePunch

	typeMax
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeRouteRequest:
		return "route-request"
	case TypeRouteReply:
		return "route-reply"
	case TypeRouteError:
		return "route-error"
	case TypeData:
		return "data"
	case TypeHandshake:
		return "handshake"
	case TypePunch:
		return "punch"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Known reports whether this node understands the frame type. Unknown types
// are dropped, never an error.
func (t Type) Known() bool {
	return t >= TypeHello && t < typeMax
}

// Flooded reports whether frames of this type are flooded and need duplicate
// suppression.
func (t Type) Flooded() bool {
	return t == TypeRouteRequest || t == TypeRouteError
}

const (
	// FlagPlaintext marks frames that carry no session ciphertext: handshake
	// messages and punch probes.
	FlagPlaintext uint8 = 1 << 0
)

var (
	ErrVersion   = errors.New("unsupported frame version")
	ErrTruncated = errors.New("truncated frame")
	ErrOversize  = errors.New("payload exceeds frame bound")
	ErrLength    = errors.New("declared payload length disagrees with datagram")
)

type Frame struct {
	Version uint8
	Type    Type
	TTL     uint8
	Flags   uint8
	Origin  state.PeerId
	Dest    state.PeerId
	Seq     uint64
	Counter uint64
	Payload []byte
	Tag     [TagSize]byte
}

func (f *Frame) Plaintext() bool {
	return f.Flags&FlagPlaintext != 0
}

func putHeader(b []byte, f *Frame, ttl uint8) {
	b[0] = f.Version
	b[1] = uint8(f.Type)
	b[2] = ttl
	b[3] = f.Flags
	copy(b[4:20], f.Origin[:])
	copy(b[20:36], f.Dest[:])
	binary.BigEndian.PutUint64(b[36:44], f.Seq)
	binary.BigEndian.PutUint64(b[44:52], f.Counter)
	binary.BigEndian.PutUint32(b[52:56], uint32(len(f.Payload)))
}

// Marshal serializes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrOversize
	}
	b := make([]byte, HeaderSize+len(f.Payload)+TagSize)
	putHeader(b, f, f.TTL)
	copy(b[HeaderSize:], f.Payload)
	copy(b[HeaderSize+len(f.Payload):], f.Tag[:])
	return b, nil
}

// AssociatedData returns the header bytes bound into the AEAD tag. The ttl is
// zeroed: it is the one header field forwarding nodes rewrite.
func (f *Frame) AssociatedData() []byte {
	b := make([]byte, HeaderSize)
	putHeader(b, f, 0)
	return b
}

// Unmarshal parses a datagram. Unsupported versions are reported so callers
// can drop and count them; they must never crash the receiver.
func Unmarshal(b []byte) (*Frame, error) {
	if len(b) < HeaderSize+TagSize {
		return nil, ErrTruncated
	}
	if b[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, b[0])
	}
	f := &Frame{
		Version: b[0],
		Type:    Type(b[1]),
		TTL:     b[2],
		Flags:   b[3],
		Seq:     binary.BigEndian.Uint64(b[36:44]),
		Counter: binary.BigEndian.Uint64(b[44:52]),
	}
	copy(f.Origin[:], b[4:20])
	copy(f.Dest[:], b[20:36])
	plen := int(binary.BigEndian.Uint32(b[52:56]))
	if plen > MaxPayload {
		return nil, ErrOversize
	}
	if plen != len(b)-HeaderSize-TagSize {
		return nil, ErrLength
	}
	f.Payload = b[HeaderSize : HeaderSize+plen]
	copy(f.Tag[:], b[HeaderSize+plen:])
	return f, nil
}
