package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Envelope structure sizes
const (
	KindSize           = 4
	SentAtSize         = 8
	EnvelopeHeaderSize = KindSize + SentAtSize
)

// The send timestamp uses the DateTime.ToBinary encoding written by the
// peers: 100ns ticks since 0001-01-01 in the low 62 bits, kind in the top 2.
const (
	ticksPerSecond  = 10_000_000
	unixEpochTicks  = 621355968000000000
	ticksMask       = 0x3FFFFFFFFFFFFFFF
	kindShift       = 62
	kindUnspecified = 0
	kindUTC         = 1
)

// Envelope is the application header wrapped around every payload.
// Layout: [Kind:4][SentAt:8][Payload:N]
type Envelope struct {
	Kind    int32
	SentAt  time.Time
	Payload []byte
}

// EncodeEnvelope prefixes payload with the message kind and send time
func EncodeEnvelope(kind int32, sentAt time.Time, payload []byte) []byte {
	buf := make([]byte, EnvelopeHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:KindSize], uint32(kind))
	binary.LittleEndian.PutUint64(buf[KindSize:EnvelopeHeaderSize], uint64(timeToBinary(sentAt)))
	copy(buf[EnvelopeHeaderSize:], payload)
	return buf
}

// ParseEnvelope decodes an application envelope. The payload aliases data.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < EnvelopeHeaderSize {
		return nil, fmt.Errorf("envelope too short: expected at least %d bytes, got %d: %w",
			EnvelopeHeaderSize, len(data), ErrTruncated)
	}

	sentAt, err := timeFromBinary(int64(binary.LittleEndian.Uint64(data[KindSize:EnvelopeHeaderSize])))
	if err != nil {
		return nil, fmt.Errorf("invalid send time: %w", err)
	}

	return &Envelope{
		Kind:    int32(binary.LittleEndian.Uint32(data[0:KindSize])),
		SentAt:  sentAt,
		Payload: data[EnvelopeHeaderSize:],
	}, nil
}

// Latency returns the one-way delay between SentAt and now, never negative
func (e *Envelope) Latency(now time.Time) time.Duration {
	d := now.Sub(e.SentAt)
	if d < 0 {
		return 0
	}
	return d
}

// String returns a human-readable representation of the envelope
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{Kind:%d, SentAt:%s, PayloadLen:%d}",
		e.Kind, e.SentAt.Format(time.RFC3339Nano), len(e.Payload))
}

func timeToBinary(t time.Time) int64 {
	t = t.UTC()
	ticks := t.Unix()*ticksPerSecond + int64(t.Nanosecond())/100 + unixEpochTicks
	return ticks | kindUTC<<kindShift
}

func timeFromBinary(v int64) (time.Time, error) {
	kind := uint64(v) >> kindShift
	if kind != kindUTC && kind != kindUnspecified {
		return time.Time{}, fmt.Errorf("unsupported time kind %d", kind)
	}

	unixTicks := (v & ticksMask) - unixEpochTicks
	sec := unixTicks / ticksPerSecond
	nsec := (unixTicks % ticksPerSecond) * 100
	return time.Unix(sec, nsec).UTC(), nil
}
