package registry

import (
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func connect(t *testing.T, r *Registry, port int) string {
	t.Helper()

	id, added := r.AddPending(testAddr(port))
	if !added {
		t.Fatalf("Expected client on port %d to be new", port)
	}
	r.WithClient(ByID(id), func(c *Client) { c.Connected = true })
	return id
}

// sendReliable mirrors what the listener does for a reliable send
func sendReliable(r *Registry, payload []byte, ids ...string) *ReliablePacket {
	var packet *ReliablePacket
	r.WithAll(func(t *Table) {
		packet = t.NewPacket(payload)
		for _, id := range ids {
			if c := t.Client(ByID(id)); c != nil {
				t.Register(packet, c)
			}
		}
		if packet.Done() {
			t.DropPacket(packet)
		}
	})
	return packet
}

func TestAddPending(t *testing.T) {
	clock := newFakeClock()
	r := New(clock.Now)

	id, added := r.AddPending(testAddr(5000))
	if !added || id == "" {
		t.Fatalf("Expected new client, got id=%q added=%v", id, added)
	}

	again, added := r.AddPending(testAddr(5000))
	if added {
		t.Error("Expected duplicate address to be a no-op")
	}
	if again != id {
		t.Errorf("Expected existing id %q, got %q", id, again)
	}

	info, ok := r.Get(ByAddr(testAddr(5000)))
	if !ok {
		t.Fatal("Expected client to be found by address")
	}
	if info.Connected {
		t.Error("Expected new client to be unconnected")
	}
	if !info.CreatedAt.Equal(clock.Now()) || !info.LastPacketTime.Equal(clock.Now()) {
		t.Errorf("Unexpected timestamps %v / %v", info.CreatedAt, info.LastPacketTime)
	}

	byID, ok := r.Get(ByID(id))
	if !ok || byID.Address != testAddr(5000).String() {
		t.Errorf("Expected client to be found by id, got %+v", byID)
	}

	if connected, pending := r.Counts(); connected != 0 || pending != 1 {
		t.Errorf("Expected 0 connected / 1 pending, got %d / %d", connected, pending)
	}
}

func TestWithClientUnknown(t *testing.T) {
	r := New(nil)

	called := false
	if r.WithClient(ByID("missing"), func(c *Client) { called = true }) {
		t.Error("Expected unknown id to report not found")
	}
	if r.WithClient(ByAddr(testAddr(1)), func(c *Client) { called = true }) {
		t.Error("Expected unknown address to report not found")
	}
	if called {
		t.Error("Callback must not run for unknown selectors")
	}

	if _, ok := r.Remove(ByID("missing")); ok {
		t.Error("Expected remove of unknown client to report not found")
	}
	if r.Acknowledge(ByID("missing"), 1) {
		t.Error("Expected acknowledge from unknown client to be ignored")
	}

	// Must not panic
	r.Touch(testAddr(1), time.Now())
}

func TestRemoveKeepsIndicesConsistent(t *testing.T) {
	r := New(nil)
	id := connect(t, r, 5000)

	client, ok := r.Remove(ByAddr(testAddr(5000)))
	if !ok || client.ID != id {
		t.Fatalf("Expected to remove %q, got %+v", id, client)
	}

	if _, ok := r.Get(ByID(id)); ok {
		t.Error("Client still reachable by id after removal by address")
	}
	if _, ok := r.Get(ByAddr(testAddr(5000))); ok {
		t.Error("Client still reachable by address after removal")
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d clients", r.Len())
	}

	// Address may be reused by a new client afterwards
	newID, added := r.AddPending(testAddr(5000))
	if !added || newID == id {
		t.Errorf("Expected a fresh client for a reused address, got %q added=%v", newID, added)
	}
}

func TestTouch(t *testing.T) {
	clock := newFakeClock()
	r := New(clock.Now)
	id := connect(t, r, 5000)

	later := clock.Now().Add(3 * time.Second)
	r.Touch(testAddr(5000), later)

	info, _ := r.Get(ByID(id))
	if !info.LastPacketTime.Equal(later) {
		t.Errorf("Expected last packet time %v, got %v", later, info.LastPacketTime)
	}

	// Older timestamps never move the clock back
	r.Touch(testAddr(5000), clock.Now())
	info, _ = r.Get(ByID(id))
	if !info.LastPacketTime.Equal(later) {
		t.Errorf("Expected last packet time to stay %v, got %v", later, info.LastPacketTime)
	}
}

func TestReliablePacketRemovedAfterAllAcks(t *testing.T) {
	r := New(nil)
	a := connect(t, r, 5000)
	b := connect(t, r, 5001)

	packet := sendReliable(r, []byte("state"), a, b)
	if r.ReliableCount() != 1 {
		t.Fatalf("Expected 1 packet in flight, got %d", r.ReliableCount())
	}

	if !r.Acknowledge(ByID(a), packet.ID) {
		t.Error("Expected first acknowledgment from A to count")
	}
	if r.Acknowledge(ByID(a), packet.ID) {
		t.Error("Expected duplicate acknowledgment from A to be ignored")
	}
	if r.ReliableCount() != 1 {
		t.Errorf("Packet removed before B acknowledged")
	}

	if !r.Acknowledge(ByAddr(testAddr(5001)), packet.ID) {
		t.Error("Expected acknowledgment from B to count")
	}
	if r.ReliableCount() != 0 {
		t.Errorf("Expected packet to be removed after all acks, %d remain", r.ReliableCount())
	}

	info, _ := r.Get(ByID(b))
	if info.PendingPackets != 0 {
		t.Errorf("Expected no pending packets on B, got %d", info.PendingPackets)
	}
}

func TestReliablePacketRemovedOnDisconnect(t *testing.T) {
	r := New(nil)
	a := connect(t, r, 5000)
	b := connect(t, r, 5001)

	packet := sendReliable(r, []byte("state"), a, b)
	r.Acknowledge(ByID(a), packet.ID)

	if _, ok := r.Remove(ByID(b)); !ok {
		t.Fatal("Expected B to be removed")
	}
	if r.ReliableCount() != 0 {
		t.Errorf("Expected packet to be dropped once its last recipient left, %d remain", r.ReliableCount())
	}
}

func TestReliablePacketSurvivesOtherDisconnect(t *testing.T) {
	r := New(nil)
	a := connect(t, r, 5000)
	b := connect(t, r, 5001)

	packet := sendReliable(r, []byte("state"), a, b)
	r.Remove(ByID(a))

	r.WithAll(func(tb *Table) {
		packets := tb.Packets()
		if len(packets) != 1 {
			t.Fatalf("Expected 1 packet, got %d", len(packets))
		}
		remaining := packets[0].Remaining()
		if len(remaining) != 1 || remaining[0] != b {
			t.Errorf("Expected only B to remain, got %v", remaining)
		}
		if packets[0].ID != packet.ID {
			t.Errorf("Unexpected packet id %d", packets[0].ID)
		}
	})
}

func TestReliablePacketWithoutRecipientsIsDropped(t *testing.T) {
	r := New(nil)

	sendReliable(r, []byte("nobody"))
	if r.ReliableCount() != 0 {
		t.Errorf("Expected packet with no recipients to be dropped, %d remain", r.ReliableCount())
	}
}

func TestPacketIDsAreMonotonic(t *testing.T) {
	r := New(nil)
	a := connect(t, r, 5000)

	first := sendReliable(r, []byte{1}, a)
	second := sendReliable(r, []byte{2}, a)
	if second.ID <= first.ID {
		t.Errorf("Expected increasing ids, got %d then %d", first.ID, second.ID)
	}

	var next *ReliablePacket
	r.WithAll(func(tb *Table) {
		tb.SetNextPacketID(7)
		next = tb.NewPacket([]byte{3})
		tb.DropPacket(next)
	})
	if next.ID != 7 {
		t.Errorf("Expected id 7, got %d", next.ID)
	}
}

func TestPacketIDWrapSkipsInFlight(t *testing.T) {
	r := New(nil)
	a := connect(t, r, 5000)

	inFlight := sendReliable(r, []byte{1}, a)
	if inFlight.ID != 1 {
		t.Fatalf("Expected first id 1, got %d", inFlight.ID)
	}

	var last, wrapped *ReliablePacket
	r.WithAll(func(tb *Table) {
		tb.SetNextPacketID(math.MaxUint32)
		last = tb.NewPacket([]byte{2})
		wrapped = tb.NewPacket([]byte{3})
		tb.DropPacket(last)
		tb.DropPacket(wrapped)
	})

	if last.ID != math.MaxUint32 {
		t.Errorf("Expected id %d, got %d", uint32(math.MaxUint32), last.ID)
	}
	if wrapped.ID != 2 {
		t.Errorf("Expected wrapped id to skip 0 and in-flight 1, got %d", wrapped.ID)
	}
	if r.ReliableCount() != 1 {
		t.Errorf("Expected the in-flight packet to survive, %d in flight", r.ReliableCount())
	}
}

func TestPacketPayloadIsCopied(t *testing.T) {
	r := New(nil)
	a := connect(t, r, 5000)

	payload := []byte{1, 2, 3}
	packet := sendReliable(r, payload, a)
	payload[0] = 9

	if packet.Payload[0] != 1 {
		t.Error("Expected packet payload to be independent of the caller's slice")
	}
}

func TestMarkDelivered(t *testing.T) {
	c := newClient("c", testAddr(1), time.Now())

	if !c.MarkDelivered(1) {
		t.Error("Expected first delivery of id 1 to be new")
	}
	if c.MarkDelivered(1) {
		t.Error("Expected repeated id 1 to be a duplicate")
	}

	for id := uint32(2); id <= deliveredWindowSize+1; id++ {
		c.MarkDelivered(id)
	}

	if len(c.delivered) != deliveredWindowSize {
		t.Errorf("Expected window of %d ids, got %d", deliveredWindowSize, len(c.delivered))
	}
	if !c.MarkDelivered(1) {
		t.Error("Expected id 1 to have been evicted from the window")
	}
}

func TestSnapshotAndClear(t *testing.T) {
	clock := newFakeClock()
	r := New(clock.Now)

	for i := 0; i < 3; i++ {
		connect(t, r, 6000+i)
		clock.Advance(time.Millisecond)
	}

	seen := 0
	r.ForEach(func(info ClientInfo) {
		if info.Address != testAddr(6000+seen).String() {
			t.Errorf("Expected snapshot in creation order, got %s at %d", info.Address, seen)
		}
		seen++
	})
	if seen != 3 {
		t.Errorf("Expected 3 clients, got %d", seen)
	}

	removed := r.Clear()
	if len(removed) != 3 || r.Len() != 0 {
		t.Errorf("Expected 3 removed and empty registry, got %d removed and %d left", len(removed), r.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				addr := testAddr(10000 + worker*100 + j)
				id, _ := r.AddPending(addr)
				r.WithClient(ByID(id), func(c *Client) { c.Connected = true })
				r.Touch(addr, time.Now())
				packet := sendReliable(r, []byte(fmt.Sprintf("%d-%d", worker, j)), id)
				r.ForEach(func(ClientInfo) {})
				r.Acknowledge(ByAddr(addr), packet.ID)
				if j%2 == 0 {
					r.Remove(ByID(id))
				}
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 8*25 {
		t.Errorf("Expected %d clients, got %d", 8*25, r.Len())
	}
	if r.ReliableCount() != 0 {
		t.Errorf("Expected every packet acknowledged, %d remain", r.ReliableCount())
	}
}
