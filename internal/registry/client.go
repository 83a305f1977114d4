package registry

import (
	"net"
	"sync"
	"time"
)

// deliveredWindowSize bounds how many inbound reliable ids are remembered per
// client for duplicate suppression
const deliveredWindowSize = 1024

// Client is a peer known to the server, connected or still in handshake.
// Fields must only be accessed inside WithClient or WithAll callbacks.
type Client struct {
	ID             string
	Addr           *net.UDPAddr
	Connected      bool
	CreatedAt      time.Time
	LastPacketTime time.Time

	// Reliable packets sent to this client and not yet acknowledged by it
	Pending map[uint32]*ReliablePacket

	delivered      map[uint32]struct{}
	deliveredOrder []uint32

	mu sync.Mutex
}

// ClientInfo is a value snapshot of a client, safe to use without locks
type ClientInfo struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	Connected      bool      `json:"connected"`
	CreatedAt      time.Time `json:"created_at"`
	LastPacketTime time.Time `json:"last_packet_time"`
	PendingPackets int       `json:"pending_reliable"`

	Addr *net.UDPAddr `json:"-"`
}

func newClient(id string, addr *net.UDPAddr, now time.Time) *Client {
	return &Client{
		ID:             id,
		Addr:           addr,
		CreatedAt:      now,
		LastPacketTime: now,
		Pending:        make(map[uint32]*ReliablePacket),
		delivered:      make(map[uint32]struct{}),
	}
}

// MarkDelivered records an inbound reliable packet id and reports whether it
// is new. A false result means the payload was already handed to the
// application and only the acknowledgment must be repeated.
func (c *Client) MarkDelivered(packetID uint32) bool {
	if _, seen := c.delivered[packetID]; seen {
		return false
	}

	c.delivered[packetID] = struct{}{}
	c.deliveredOrder = append(c.deliveredOrder, packetID)

	if len(c.deliveredOrder) > deliveredWindowSize {
		oldest := c.deliveredOrder[0]
		c.deliveredOrder = c.deliveredOrder[1:]
		delete(c.delivered, oldest)
	}

	return true
}

// Info returns a snapshot of the client
func (c *Client) Info() ClientInfo {
	return ClientInfo{
		ID:             c.ID,
		Address:        c.Addr.String(),
		Connected:      c.Connected,
		CreatedAt:      c.CreatedAt,
		LastPacketTime: c.LastPacketTime,
		PendingPackets: len(c.Pending),
		Addr:           c.Addr,
	}
}
