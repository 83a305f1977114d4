package registry

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Selector picks a client either by network address or by id
type Selector struct {
	addr string
	id   string
}

// ByAddr selects the client registered for addr
func ByAddr(addr *net.UDPAddr) Selector {
	return Selector{addr: addr.String()}
}

// ByID selects the client with the given id
func ByID(id string) Selector {
	return Selector{id: id}
}

// Registry is the table of known clients, indexed by address and by id, plus
// the table of in-flight reliable packets.
//
// Lock order is mu, then a client's mu, then pmu. WithAll holds mu
// exclusively together with pmu, so nothing else runs while it does.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[string]*Client
	byID   map[string]*Client

	pmu          sync.Mutex
	packets      map[uint32]*ReliablePacket
	nextPacketID uint32

	now   func() time.Time
	newID func() string
}

// New creates an empty registry. now supplies timestamps for new clients.
func New(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}

	return &Registry{
		byAddr:  make(map[string]*Client),
		byID:    make(map[string]*Client),
		packets: make(map[uint32]*ReliablePacket),
		now:     now,
		newID:   uuid.NewString,
	}
}

// AddPending registers an unconnected client for addr. If the address is
// already known the existing id is returned with added set to false.
func (r *Registry) AddPending(addr *net.UDPAddr) (id string, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.String()
	if existing, ok := r.byAddr[key]; ok {
		return existing.ID, false
	}

	client := newClient(r.newID(), addr, r.now())
	r.byAddr[key] = client
	r.byID[client.ID] = client

	return client.ID, true
}

// WithClient runs fn with exclusive access to the selected client and
// reports whether it was found. fn must not call back into the registry.
func (r *Registry) WithClient(sel Selector, fn func(c *Client)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client := r.lookup(sel)
	if client == nil {
		return false
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	fn(client)
	return true
}

// WithAll runs fn with exclusive access to every client and to the reliable
// packet table. fn must use the Table, not the Registry.
func (r *Registry) WithAll(fn func(t *Table)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pmu.Lock()
	defer r.pmu.Unlock()

	fn(&Table{r: r})
}

// Remove deletes the selected client from both indices and detaches it from
// every reliable packet it still owed an acknowledgment for.
func (r *Registry) Remove(sel Selector) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pmu.Lock()
	defer r.pmu.Unlock()

	return r.remove(sel)
}

// ForEach calls fn for a snapshot of every client. The registry lock is only
// held while the snapshot is taken.
func (r *Registry) ForEach(fn func(info ClientInfo)) {
	for _, info := range r.Snapshot() {
		fn(info)
	}
}

// Snapshot returns value copies of every client
func (r *Registry) Snapshot() []ClientInfo {
	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.byID))
	for _, client := range r.byID {
		client.mu.Lock()
		infos = append(infos, client.Info())
		client.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Get returns a snapshot of the selected client
func (r *Registry) Get(sel Selector) (ClientInfo, bool) {
	var info ClientInfo
	found := r.WithClient(sel, func(c *Client) {
		info = c.Info()
	})
	return info, found
}

// Touch refreshes the liveness timestamp of the client at addr, if any
func (r *Registry) Touch(addr *net.UDPAddr, t time.Time) {
	r.WithClient(ByAddr(addr), func(c *Client) {
		if t.After(c.LastPacketTime) {
			c.LastPacketTime = t
		}
	})
}

// Acknowledge records that the selected client received packetID. The packet
// is dropped from both tables once its last recipient acknowledged. It
// reports whether the acknowledgment was outstanding.
func (r *Registry) Acknowledge(sel Selector, packetID uint32) bool {
	acked := false

	r.WithClient(sel, func(c *Client) {
		packet, ok := c.Pending[packetID]
		if !ok {
			return
		}
		delete(c.Pending, packetID)

		r.pmu.Lock()
		defer r.pmu.Unlock()

		acked = packet.received(c.ID)
		if packet.Done() {
			delete(r.packets, packet.ID)
		}
	})

	return acked
}

// Counts returns the number of connected and handshaking clients
func (r *Registry) Counts() (connected, pending int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, client := range r.byID {
		client.mu.Lock()
		if client.Connected {
			connected++
		} else {
			pending++
		}
		client.mu.Unlock()
	}
	return connected, pending
}

// Len returns the number of known clients
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ReliableCount returns the number of reliable packets still in flight
func (r *Registry) ReliableCount() int {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	return len(r.packets)
}

// Clear removes every client and reliable packet, returning what was removed
func (r *Registry) Clear() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pmu.Lock()
	defer r.pmu.Unlock()

	infos := make([]ClientInfo, 0, len(r.byID))
	for _, client := range r.byID {
		infos = append(infos, client.Info())
	}

	r.byAddr = make(map[string]*Client)
	r.byID = make(map[string]*Client)
	r.packets = make(map[uint32]*ReliablePacket)

	return infos
}

func (r *Registry) lookup(sel Selector) *Client {
	if sel.id != "" {
		return r.byID[sel.id]
	}
	return r.byAddr[sel.addr]
}

// remove requires mu and pmu held
func (r *Registry) remove(sel Selector) (*Client, bool) {
	client := r.lookup(sel)
	if client == nil {
		return nil, false
	}

	delete(r.byAddr, client.Addr.String())
	delete(r.byID, client.ID)

	for id, packet := range client.Pending {
		packet.received(client.ID)
		if packet.Done() {
			delete(r.packets, packet.ID)
		}
		delete(client.Pending, id)
	}

	return client, true
}

// Table is the exclusive view handed to WithAll callbacks
type Table struct {
	r *Registry
}

// Clients returns every client ordered by creation time
func (t *Table) Clients() []*Client {
	clients := make([]*Client, 0, len(t.r.byID))
	for _, client := range t.r.byID {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		if !clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].CreatedAt.Before(clients[j].CreatedAt)
		}
		return clients[i].ID < clients[j].ID
	})
	return clients
}

// Client returns the selected client or nil
func (t *Table) Client(sel Selector) *Client {
	return t.r.lookup(sel)
}

// Remove deletes a client as Registry.Remove does
func (t *Table) Remove(sel Selector) (*Client, bool) {
	return t.r.remove(sel)
}

// NewPacket allocates a reliable packet with a fresh id and stores it in the
// packet table. It has no recipients until Register is called.
func (t *Table) NewPacket(payload []byte) *ReliablePacket {
	t.r.nextPacketID++
	// After wrapping, skip zero and ids still in flight
	for {
		_, taken := t.r.packets[t.r.nextPacketID]
		if !taken && t.r.nextPacketID != 0 {
			break
		}
		t.r.nextPacketID++
	}
	packet := newReliablePacket(t.r.nextPacketID, payload)
	t.r.packets[packet.ID] = packet
	return packet
}

// Register makes c a recipient of packet
func (t *Table) Register(packet *ReliablePacket, c *Client) {
	packet.addRecipient(c.ID)
	c.Pending[packet.ID] = packet
}

// Packets returns every in-flight packet ordered by id
func (t *Table) Packets() []*ReliablePacket {
	packets := make([]*ReliablePacket, 0, len(t.r.packets))
	for _, packet := range t.r.packets {
		packets = append(packets, packet)
	}
	sort.Slice(packets, func(i, j int) bool {
		return packets[i].ID < packets[j].ID
	})
	return packets
}

// DropPacket removes a packet from the table and from every client still
// waiting on it
func (t *Table) DropPacket(packet *ReliablePacket) {
	for _, id := range packet.Remaining() {
		if client := t.r.byID[id]; client != nil {
			delete(client.Pending, packet.ID)
		}
		packet.received(id)
	}
	delete(t.r.packets, packet.ID)
}

// SetNextPacketID makes the next allocated packet id equal to id
func (t *Table) SetNextPacketID(id uint32) {
	t.r.nextPacketID = id - 1
}
