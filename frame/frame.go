// Package frame implements the 39-byte binary header codec used on the chat
// gateway's WebSocket. Payloads are JSON documents defined in package wire.
//
// Header layout (39 bytes, big-endian):
//
//	[0]     proto_version   uint8
//	[1]     frame_type      uint8
//	[2]     flags           uint8  (bit0=compressed)
//	[3-6]   payload_len     uint32
//	[7-22]  frame_id        16 bytes (ULID, zero for control frames)
//	[23-38] subscription_id 16 bytes (UUID chosen by the client on SUBSCRIBE)
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	HeaderSize    = 39
	ProtoVersion  = 1
	MaxPayloadLen = 64 * 1024
)

// Frame types. Must fit in uint8.
const (
	TypeConnect     uint8 = 1
	TypeAuthOK      uint8 = 2
	TypeAuthFail    uint8 = 3
	TypeSubscribe   uint8 = 4
	TypeUnsubscribe uint8 = 5
	TypePublish     uint8 = 6
	TypeDelivery    uint8 = 7
	TypeHeartbeat   uint8 = 8
	TypeError       uint8 = 9
	TypeClose       uint8 = 10
)

// FlagCompressed marks a zstd-compressed payload.
const FlagCompressed uint8 = 1 << 0

var (
	ErrBadVersion      = errors.New("frame: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrShortRead       = errors.New("frame: short read")
)

// Header is the fixed header preceding every frame.
type Header struct {
	Version        uint8
	Type           uint8
	Flags          uint8
	PayloadLen     uint32
	FrameID        ulid.ULID
	SubscriptionID uuid.UUID
}

// Encode serialises a header and payload into a single byte slice.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	h.PayloadLen = uint32(len(payload))
	h.Version = ProtoVersion

	out := make([]byte, HeaderSize+len(payload))
	putHeader(out, h)
	copy(out[HeaderSize:], payload)
	return out, nil
}

// EncodeCompressed is Encode with zstd applied when it shrinks the payload.
func EncodeCompressed(h Header, payload []byte) ([]byte, error) {
	if c, ok := Compress(payload); ok {
		h.Flags |= FlagCompressed
		payload = c
	}
	return Encode(h, payload)
}

// Decode parses a byte slice into a header and payload. The payload is
// returned as sent; callers check IsCompressed.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrShortRead
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return Header{}, nil, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(data) < end {
		return Header{}, nil, ErrShortRead
	}
	return h, data[HeaderSize:end], nil
}

func putHeader(out []byte, h Header) {
	out[0] = h.Version
	out[1] = h.Type
	out[2] = h.Flags
	binary.BigEndian.PutUint32(out[3:7], h.PayloadLen)
	copy(out[7:23], h.FrameID[:])
	copy(out[23:39], h.SubscriptionID[:])
}

func parseHeader(hdr []byte) (Header, error) {
	var h Header
	h.Version = hdr[0]
	if h.Version != ProtoVersion {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, ProtoVersion)
	}
	h.Type = hdr[1]
	h.Flags = hdr[2]
	h.PayloadLen = binary.BigEndian.Uint32(hdr[3:7])
	copy(h.FrameID[:], hdr[7:23])
	copy(h.SubscriptionID[:], hdr[23:39])
	if h.PayloadLen > MaxPayloadLen {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// IsCompressed returns true if the compressed flag is set.
func (h Header) IsCompressed() bool { return h.Flags&FlagCompressed != 0 }

// NewFrameID returns a fresh monotonic ULID for an outbound frame.
func NewFrameID() ulid.ULID { return ulid.Make() }
