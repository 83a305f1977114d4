package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the tag carried in byte 0 of every transport datagram
type PacketType uint8

// Packet types, in the order the existing peers number them
const (
	PacketConnection       PacketType = 0x00
	PacketData             PacketType = 0x01
	PacketDisconnection    PacketType = 0x02
	PacketReliableSend     PacketType = 0x03
	PacketReliableReceived PacketType = 0x04
)

// Frame structure sizes
const (
	TagSize            = 1
	PacketIDSize       = 4
	TimeoutSize        = 4
	ReliableHeaderSize = TagSize + PacketIDSize // tag + packet id

	// DefaultMaxDatagramSize is the hard per-datagram ceiling used by the peers
	DefaultMaxDatagramSize = 1284
)

// ErrTruncated is returned when a datagram is shorter than its type requires
var ErrTruncated = errors.New("datagram truncated")

// Frame is a decoded transport datagram.
// Layout: [Type:1][Body:N] where the body depends on Type:
//
//	CONNECTION        [TimeoutMs:4] (optional, present in server replies)
//	PACKET            [Payload:N]
//	DISCONNECTION     (empty)
//	RELIABLE_SEND     [PacketID:4][Payload:N]
//	RELIABLE_RECEIVED [PacketID:4]
type Frame struct {
	Type      PacketType
	PacketID  uint32 // RELIABLE_SEND, RELIABLE_RECEIVED
	TimeoutMs uint32 // CONNECTION reply; zero means no body
	Payload   []byte // PACKET, RELIABLE_SEND
}

// ConnectionFrame builds a handshake or probe frame. A zero timeout yields an
// empty body.
func ConnectionFrame(timeoutMs uint32) *Frame {
	return &Frame{Type: PacketConnection, TimeoutMs: timeoutMs}
}

// DataFrame builds an unreliable data frame
func DataFrame(payload []byte) *Frame {
	return &Frame{Type: PacketData, Payload: payload}
}

// DisconnectionFrame builds a graceful close frame
func DisconnectionFrame() *Frame {
	return &Frame{Type: PacketDisconnection}
}

// ReliableFrame builds a reliable data frame
func ReliableFrame(packetID uint32, payload []byte) *Frame {
	return &Frame{Type: PacketReliableSend, PacketID: packetID, Payload: payload}
}

// AckFrame builds the acknowledgment of a reliable frame
func AckFrame(packetID uint32) *Frame {
	return &Frame{Type: PacketReliableReceived, PacketID: packetID}
}

// Size returns the encoded length of the frame
func (f *Frame) Size() int {
	switch f.Type {
	case PacketConnection:
		if f.TimeoutMs != 0 {
			return TagSize + TimeoutSize
		}
		return TagSize
	case PacketData:
		return TagSize + len(f.Payload)
	case PacketReliableSend:
		return ReliableHeaderSize + len(f.Payload)
	case PacketReliableReceived:
		return ReliableHeaderSize
	default:
		return TagSize
	}
}

// Encode serializes the frame into a freshly allocated datagram
func (f *Frame) Encode() []byte {
	buf := make([]byte, f.Size())
	buf[0] = byte(f.Type)

	switch f.Type {
	case PacketConnection:
		if f.TimeoutMs != 0 {
			binary.LittleEndian.PutUint32(buf[TagSize:], f.TimeoutMs)
		}
	case PacketData:
		copy(buf[TagSize:], f.Payload)
	case PacketReliableSend:
		binary.LittleEndian.PutUint32(buf[TagSize:], f.PacketID)
		copy(buf[ReliableHeaderSize:], f.Payload)
	case PacketReliableReceived:
		binary.LittleEndian.PutUint32(buf[TagSize:], f.PacketID)
	}

	return buf
}

// ParseFrame decodes a datagram. The returned payload is a copy, so the
// caller may reuse data.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < TagSize {
		return nil, fmt.Errorf("empty datagram: %w", ErrTruncated)
	}

	f := &Frame{Type: PacketType(data[0])}
	if !IsValidPacketType(f.Type) {
		return nil, fmt.Errorf("unknown packet type: 0x%02x", data[0])
	}
	body := data[TagSize:]

	switch f.Type {
	case PacketConnection:
		if len(body) >= TimeoutSize {
			f.TimeoutMs = binary.LittleEndian.Uint32(body[:TimeoutSize])
		}
	case PacketData:
		f.Payload = clone(body)
	case PacketDisconnection:
	case PacketReliableSend:
		if len(body) < PacketIDSize {
			return nil, fmt.Errorf("reliable frame too short: expected at least %d bytes, got %d: %w",
				ReliableHeaderSize, len(data), ErrTruncated)
		}
		f.PacketID = binary.LittleEndian.Uint32(body[:PacketIDSize])
		f.Payload = clone(body[PacketIDSize:])
	case PacketReliableReceived:
		if len(body) < PacketIDSize {
			return nil, fmt.Errorf("ack frame too short: expected %d bytes, got %d: %w",
				ReliableHeaderSize, len(data), ErrTruncated)
		}
		f.PacketID = binary.LittleEndian.Uint32(body[:PacketIDSize])
	}

	return f, nil
}

// IsValidPacketType checks if the tag names a known packet type
func IsValidPacketType(t PacketType) bool {
	return t <= PacketReliableReceived
}

// String returns the protocol name of the packet type
func (t PacketType) String() string {
	switch t {
	case PacketConnection:
		return "CONNECTION"
	case PacketData:
		return "PACKET"
	case PacketDisconnection:
		return "DISCONNECTION"
	case PacketReliableSend:
		return "RELIABLE_SEND"
	case PacketReliableReceived:
		return "RELIABLE_RECEIVED"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// String returns a human-readable representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type:%s, PacketID:%d, TimeoutMs:%d, PayloadLen:%d}",
		f.Type, f.PacketID, f.TimeoutMs, len(f.Payload))
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
