package registry

import (
	"fmt"
	"sort"
)

// ReliablePacket tracks a payload sent with delivery guarantees until every
// recipient has acknowledged it or disconnected. Recipient state is guarded
// by the registry's packet table lock.
type ReliablePacket struct {
	ID      uint32
	Payload []byte

	remaining map[string]struct{}
}

func newReliablePacket(id uint32, payload []byte) *ReliablePacket {
	data := make([]byte, len(payload))
	copy(data, payload)

	return &ReliablePacket{
		ID:        id,
		Payload:   data,
		remaining: make(map[string]struct{}),
	}
}

// Remaining returns the ids of recipients that still owe an acknowledgment,
// sorted for deterministic retransmission order
func (p *ReliablePacket) Remaining() []string {
	ids := make([]string, 0, len(p.remaining))
	for id := range p.remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Done reports whether no recipient is left
func (p *ReliablePacket) Done() bool {
	return len(p.remaining) == 0
}

func (p *ReliablePacket) addRecipient(clientID string) {
	p.remaining[clientID] = struct{}{}
}

// received removes clientID and reports whether it was outstanding
func (p *ReliablePacket) received(clientID string) bool {
	if _, ok := p.remaining[clientID]; !ok {
		return false
	}
	delete(p.remaining, clientID)
	return true
}

// String returns a human-readable representation of the packet
func (p *ReliablePacket) String() string {
	return fmt.Sprintf("ReliablePacket{ID:%d, PayloadLen:%d, Remaining:%d}", p.ID, len(p.Payload), len(p.remaining))
}
