// Package beacon implements the discovery beacon wire format.
//
// Layout (big-endian):
//
//	'R' 'H' | version(1) | flags(1) | identity(16) | timestamp(4) | [len(1) | message(len)] | crc16(2)
//
// The message section is present iff FlagHasMessage is set. The CRC covers
// every preceding byte, message included.
package beacon

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Version is the only protocol version this codec speaks.
	Version = 1

	// HeaderSize covers magic, version, flags, identity and timestamp.
	HeaderSize = 2 + 1 + 1 + IdentitySize + 4

	// MinPacketSize is the size of a beacon without a message.
	MinPacketSize = HeaderSize + ChecksumSize

	// MaxMessageLen is the longest free-text message, in bytes.
	MaxMessageLen = 20

	// MaxPacketSize is the size of a beacon carrying a maximal message.
	MaxPacketSize = HeaderSize + 1 + MaxMessageLen + ChecksumSize
)

var magic = [2]byte{'R', 'H'}

var (
	ErrFormat    = errors.New("malformed beacon")
	ErrIntegrity = errors.New("beacon checksum mismatch")
	ErrSize      = errors.New("beacon size limit exceeded")
)

// Flags advertise station capabilities.
type Flags uint8

const (
	FlagHasMessage       Flags = 0x01
	FlagPropagationNode  Flags = 0x02
	FlagAcceptsLinks     Flags = 0x04
	FlagTransportEnabled Flags = 0x08
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// Packet is a decoded discovery beacon.
type Packet struct {
	Version   uint8
	Flags     Flags
	Identity  Identity
	Timestamp uint32 // sender clock, seconds since epoch; not trusted for ordering
	Message   string
}

// New builds a packet, setting FlagHasMessage iff a message is given.
func New(id Identity, flags Flags, timestamp uint32, message string) (Packet, error) {
	if len(message) > MaxMessageLen {
		return Packet{}, fmt.Errorf("%w: message is %d bytes, max %d", ErrSize, len(message), MaxMessageLen)
	}

	flags &^= FlagHasMessage
	if message != "" {
		flags |= FlagHasMessage
	}

	return Packet{
		Version:   Version,
		Flags:     flags,
		Identity:  id,
		Timestamp: timestamp,
		Message:   message,
	}, nil
}

// HasMessage reports whether the packet carries a message section.
func (p Packet) HasMessage() bool {
	return p.Flags.Has(FlagHasMessage)
}

// EncodedLen returns the on-air size of p.
func (p Packet) EncodedLen() int {
	if p.HasMessage() || p.Message != "" {
		return HeaderSize + 1 + len(p.Message) + ChecksumSize
	}
	return MinPacketSize
}

// Encode serialises p. Oversized messages are rejected, never truncated.
func Encode(p Packet) ([]byte, error) {
	if len(p.Message) > MaxMessageLen {
		return nil, fmt.Errorf("%w: message is %d bytes, max %d", ErrSize, len(p.Message), MaxMessageLen)
	}

	flags := p.Flags
	if p.Message != "" {
		flags |= FlagHasMessage
	}

	buf := make([]byte, 0, MaxPacketSize)
	buf = append(buf, magic[0], magic[1], Version, byte(flags))
	buf = append(buf, p.Identity[:]...)
	buf = binary.BigEndian.AppendUint32(buf, p.Timestamp)

	if flags.Has(FlagHasMessage) {
		buf = append(buf, byte(len(p.Message)))
		buf = append(buf, p.Message...)
	}

	return binary.BigEndian.AppendUint16(buf, Checksum(buf)), nil
}

// EncodeWithin serialises p and rejects the result if it does not fit in a
// single frame of the given capacity.
func EncodeWithin(p Packet, capacity int) ([]byte, error) {
	if n := p.EncodedLen(); n > capacity {
		return nil, fmt.Errorf("%w: packet is %d bytes, frame capacity %d", ErrSize, n, capacity)
	}
	return Encode(p)
}

// Decode parses a received frame. It never panics on arbitrary input and
// returns only errors wrapping ErrFormat, ErrIntegrity or ErrSize.
func Decode(data []byte) (Packet, error) {
	if len(data) < MinPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrFormat, len(data), MinPacketSize)
	}
	if len(data) > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes, max %d", ErrFormat, len(data), MaxPacketSize)
	}

	body := data[:len(data)-ChecksumSize]
	want := binary.BigEndian.Uint16(data[len(data)-ChecksumSize:])
	if got := Checksum(body); got != want {
		return Packet{}, fmt.Errorf("%w: got %04x, want %04x", ErrIntegrity, got, want)
	}

	if data[0] != magic[0] || data[1] != magic[1] {
		return Packet{}, fmt.Errorf("%w: bad magic %02x%02x", ErrFormat, data[0], data[1])
	}
	if data[2] != Version {
		return Packet{}, fmt.Errorf("%w: unsupported version %d", ErrFormat, data[2])
	}

	p := Packet{
		Version:   data[2],
		Flags:     Flags(data[3]),
		Timestamp: binary.BigEndian.Uint32(data[20:24]),
	}
	copy(p.Identity[:], data[4:20])

	if !p.HasMessage() {
		if len(data) != MinPacketSize {
			return Packet{}, fmt.Errorf("%w: %d trailing bytes without message flag", ErrFormat, len(data)-MinPacketSize)
		}
		return p, nil
	}

	msgLen := int(data[HeaderSize])
	if msgLen > MaxMessageLen {
		return Packet{}, fmt.Errorf("%w: message length %d exceeds %d", ErrFormat, msgLen, MaxMessageLen)
	}
	end := HeaderSize + 1 + msgLen
	if end > len(body) {
		return Packet{}, fmt.Errorf("%w: message length %d reads past %d-byte frame", ErrSize, msgLen, len(data))
	}
	if end != len(body) {
		return Packet{}, fmt.Errorf("%w: %d trailing bytes after message", ErrFormat, len(body)-end)
	}

	p.Message = string(body[HeaderSize+1 : end])
	return p, nil
}

// LooksLikeBeacon reports whether data starts with the beacon magic. It is
// used to tell corrupted beacons apart from ordinary mesh traffic.
func LooksLikeBeacon(data []byte) bool {
	return len(data) >= 2 && data[0] == magic[0] && data[1] == magic[1]
}
