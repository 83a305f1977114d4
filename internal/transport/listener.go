package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ShoosGun/SNet/internal/metrics"
	"github.com/ShoosGun/SNet/internal/protocol"
	"github.com/ShoosGun/SNet/internal/registry"
)

// Config contains listener settings
type Config struct {
	BindAddress       string
	Port              int
	AllowAnyAddress   bool // false accepts loopback peers only
	MaxClients        int  // 0 means unlimited
	SweepInterval     time.Duration
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	MaxDatagramSize   int
	ReadBufferSize    int // 0 keeps the OS default
}

// DefaultConfig returns the timings used by the existing clients
func DefaultConfig() Config {
	return Config{
		BindAddress:       "0.0.0.0",
		AllowAnyAddress:   true,
		SweepInterval:     1000 * time.Millisecond,
		ConnectionTimeout: 4000 * time.Millisecond,
		HandshakeTimeout:  2000 * time.Millisecond,
		MaxDatagramSize:   protocol.DefaultMaxDatagramSize,
	}
}

// Listener owns the UDP socket and runs the connection state machine
type Listener struct {
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	handler  Handler
	registry *registry.Registry
	now      func() time.Time

	conn      *net.UDPConn
	listening atomic.Bool

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Counters
	datagramsReceived atomic.Uint64
	parseErrors       atomic.Uint64
	retransmissions   atomic.Uint64
}

// Statistics is a snapshot of listener counters
type Statistics struct {
	Listening         bool   `json:"listening"`
	Address           string `json:"address"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	ParseErrors       uint64 `json:"parse_errors"`
	Retransmissions   uint64 `json:"retransmissions"`
	ConnectedClients  int    `json:"connected_clients"`
	PendingClients    int    `json:"pending_clients"`
	ReliableInFlight  int    `json:"reliable_in_flight"`
}

// NewListener creates a listener. A nil handler discards all events.
func NewListener(cfg Config, logger *slog.Logger, m *metrics.Metrics, handler Handler) *Listener {
	if handler == nil {
		handler = nopHandler{}
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = protocol.DefaultMaxDatagramSize
	}

	l := &Listener{
		config:  cfg,
		logger:  logger,
		metrics: m,
		handler: handler,
		now:     time.Now,
	}
	l.registry = registry.New(func() time.Time { return l.now() })

	return l
}

// Start binds the socket and starts the receive and sweep goroutines.
// A bind failure is the only fatal listener error.
func (l *Listener) Start() error {
	if l.listening.Load() {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(l.config.BindAddress, strconv.Itoa(l.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	l.conn = conn

	if l.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(l.config.ReadBufferSize); err != nil {
			l.logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", l.config.ReadBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.listening.Store(true)

	l.logger.Info("Listener started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Bool("allow_any_address", l.config.AllowAnyAddress),
		slog.Duration("sweep_interval", l.config.SweepInterval),
		slog.Duration("connection_timeout", l.config.ConnectionTimeout),
		slog.Int("max_datagram_size", l.config.MaxDatagramSize),
	)

	l.wg.Add(2)
	go l.receiveLoop()
	go l.sweepLoop()

	return nil
}

// Stop tells every client the server is going away, closes the socket and
// waits for the background goroutines. The sweep finishes its current pass.
func (l *Listener) Stop() error {
	if !l.listening.CompareAndSwap(true, false) {
		return nil
	}

	l.logger.Info("Stopping listener...")

	goodbye := protocol.DisconnectionFrame().Encode()
	l.registry.ForEach(func(info registry.ClientInfo) {
		l.writeDatagram(goodbye, protocol.PacketDisconnection, info.Addr)
	})

	l.cancel()

	if err := l.conn.Close(); err != nil {
		l.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
	}

	l.wg.Wait()

	removed := l.registry.Clear()
	l.updateGauges()

	l.logger.Info("Listener stopped",
		slog.Int("clients_dropped", len(removed)),
		slog.Uint64("datagrams_received", l.datagramsReceived.Load()),
		slog.Uint64("parse_errors", l.parseErrors.Load()),
		slog.Uint64("retransmissions", l.retransmissions.Load()),
	)

	return nil
}

// Listening reports whether the listener is running
func (l *Listener) Listening() bool {
	return l.listening.Load()
}

// Addr returns the bound local address, or nil before Start
func (l *Listener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Clients returns a snapshot of every known client
func (l *Listener) Clients() []registry.ClientInfo {
	return l.registry.Snapshot()
}

// Client returns a snapshot of one client
func (l *Listener) Client(clientID string) (registry.ClientInfo, bool) {
	return l.registry.Get(registry.ByID(clientID))
}

// Statistics returns current listener statistics
func (l *Listener) Statistics() Statistics {
	connected, pending := l.registry.Counts()

	stats := Statistics{
		Listening:         l.listening.Load(),
		DatagramsReceived: l.datagramsReceived.Load(),
		ParseErrors:       l.parseErrors.Load(),
		Retransmissions:   l.retransmissions.Load(),
		ConnectedClients:  connected,
		PendingClients:    pending,
		ReliableInFlight:  l.registry.ReliableCount(),
	}
	if addr := l.Addr(); addr != nil {
		stats.Address = addr.String()
	}
	return stats
}

// receiveLoop reads datagrams and dispatches them one at a time
func (l *Listener) receiveLoop() {
	defer l.wg.Done()

	// One spare byte exposes datagrams the kernel truncated into the buffer
	maxFrame := l.maxFrameSize()
	buffer := make([]byte, maxFrame+1)

	for l.listening.Load() {
		// Set read deadline to check the listening flag periodically
		if err := l.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if !l.listening.Load() {
				return
			}
			l.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
		}

		n, remoteAddr, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			// Errors from the socket closed by Stop are expected
			if !l.listening.Load() {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			l.handleReceiveError(err, remoteAddr)
			continue
		}

		l.datagramsReceived.Add(1)

		if n > maxFrame {
			l.parseErrors.Add(1)
			l.metrics.RecordParseError()
			l.logger.Warn("Dropping oversized datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("max_frame_size", maxFrame),
			)
			continue
		}

		l.handleDatagram(buffer[:n], remoteAddr)
	}

	l.logger.Debug("Receive loop stopped")
}

// handleReceiveError treats a peer reset as an implicit disconnection when
// the socket reports which peer it came from, and logs everything else.
// Unconnected UDP sockets on Linux and Windows usually report neither, so
// silent peers are normally removed by the sweep instead.
func (l *Listener) handleReceiveError(err error, remoteAddr *net.UDPAddr) {
	l.metrics.RecordReceiveError()

	if isPeerReset(err) && remoteAddr != nil {
		l.logger.Warn("Peer reset, disconnecting",
			slog.String("remote_addr", remoteAddr.String()),
			slog.String("error", err.Error()),
		)
		l.disconnect(remoteAddr, ClosedByPeer, false)
		return
	}

	l.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
}

// maxFrameSize is the largest datagram a peer may send: a reliable frame
// whose payload is one byte under the datagram limit
func (l *Listener) maxFrameSize() int {
	return l.config.MaxDatagramSize - 1 + protocol.ReliableHeaderSize
}

func isPeerReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

// handleDatagram runs the protocol state machine for one datagram
func (l *Listener) handleDatagram(data []byte, remoteAddr *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered from panic while handling datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Any("panic", r),
			)
		}
	}()

	if !l.config.AllowAnyAddress && !remoteAddr.IP.IsLoopback() {
		l.logger.Debug("Ignoring datagram from non-loopback peer",
			slog.String("remote_addr", remoteAddr.String()),
		)
		return
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		l.parseErrors.Add(1)
		l.metrics.RecordParseError()
		l.logger.Warn("Failed to parse datagram",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("datagram_size", len(data)),
			slog.String("error", err.Error()),
		)
	} else {
		l.metrics.RecordDatagramReceived(frame.Type.String())

		switch frame.Type {
		case protocol.PacketConnection:
			l.handleConnection(remoteAddr)
		case protocol.PacketData:
			l.handleData(frame, remoteAddr)
		case protocol.PacketReliableSend:
			l.handleReliableSend(frame, remoteAddr)
		case protocol.PacketReliableReceived:
			l.handleAck(frame, remoteAddr)
		case protocol.PacketDisconnection:
			l.disconnect(remoteAddr, ClosedByPeer, true)
		}
	}

	// The sender is still alive; a no-op if it just disconnected
	l.registry.Touch(remoteAddr, l.now())
}

// handleConnection drives the two-datagram handshake:
// client CONNECTION -> server CONNECTION(timeout) -> client CONNECTION
func (l *Listener) handleConnection(remoteAddr *net.UDPAddr) {
	var connectedID string
	known := l.registry.WithClient(registry.ByAddr(remoteAddr), func(c *registry.Client) {
		if !c.Connected {
			c.Connected = true
			connectedID = c.ID
		}
	})

	if known {
		// Repeated handshakes and probe replies are idempotent
		if connectedID == "" {
			return
		}

		l.metrics.RecordConnection()
		l.updateGauges()
		l.logger.Info("Client connected",
			slog.String("client_id", connectedID),
			slog.String("remote_addr", remoteAddr.String()),
		)
		l.handler.OnConnect(connectedID)
		return
	}

	if l.config.MaxClients > 0 && l.registry.Len() >= l.config.MaxClients {
		l.metrics.RecordConnectionRejected()
		l.logger.Warn("Rejecting connection, server full",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("max_clients", l.config.MaxClients),
		)
		l.writeFrame(protocol.DisconnectionFrame(), remoteAddr)
		return
	}

	clientID, added := l.registry.AddPending(remoteAddr)
	if !added {
		return
	}

	timeoutMs := uint32(l.config.ConnectionTimeout / time.Millisecond)
	l.writeFrame(protocol.ConnectionFrame(timeoutMs), remoteAddr)
	l.updateGauges()

	l.logger.Debug("Handshake started",
		slog.String("client_id", clientID),
		slog.String("remote_addr", remoteAddr.String()),
	)
}

// handleData forwards unreliable payloads from connected clients
func (l *Listener) handleData(frame *protocol.Frame, remoteAddr *net.UDPAddr) {
	clientID := l.connectedID(remoteAddr)
	if clientID == "" {
		l.logger.Debug("Dropping data from unconnected peer",
			slog.String("remote_addr", remoteAddr.String()),
		)
		return
	}

	l.handler.OnData(clientID, frame.Payload)
}

// handleReliableSend acknowledges every copy of a reliable packet but
// forwards its payload only once
func (l *Listener) handleReliableSend(frame *protocol.Frame, remoteAddr *net.UDPAddr) {
	var clientID string
	fresh := false
	l.registry.WithClient(registry.ByAddr(remoteAddr), func(c *registry.Client) {
		if !c.Connected {
			return
		}
		clientID = c.ID
		fresh = c.MarkDelivered(frame.PacketID)
	})

	if clientID == "" {
		l.logger.Debug("Dropping reliable data from unconnected peer",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Uint64("packet_id", uint64(frame.PacketID)),
		)
		return
	}

	l.writeFrame(protocol.AckFrame(frame.PacketID), remoteAddr)

	if !fresh {
		l.metrics.RecordDuplicateDelivery()
		l.logger.Debug("Suppressed duplicate reliable packet",
			slog.String("client_id", clientID),
			slog.Uint64("packet_id", uint64(frame.PacketID)),
		)
		return
	}

	l.handler.OnData(clientID, frame.Payload)
}

// handleAck marks a reliable packet as received by the sender
func (l *Listener) handleAck(frame *protocol.Frame, remoteAddr *net.UDPAddr) {
	if !l.registry.Acknowledge(registry.ByAddr(remoteAddr), frame.PacketID) {
		return
	}

	l.metrics.RecordAcknowledgment()
	l.metrics.SetReliableInFlight(l.registry.ReliableCount())
}

// disconnect removes the client at remoteAddr, optionally echoing a
// DISCONNECTION, and notifies the handler
func (l *Listener) disconnect(remoteAddr *net.UDPAddr, reason DisconnectReason, notify bool) {
	client, ok := l.registry.Remove(registry.ByAddr(remoteAddr))
	if !ok {
		return
	}

	if notify {
		l.writeFrame(protocol.DisconnectionFrame(), remoteAddr)
	}

	l.clientGone(client.ID, client.Connected, reason)
}

// clientGone records a removal and notifies the handler, whether or not the
// client finished its handshake. Must be called without registry locks held.
func (l *Listener) clientGone(clientID string, wasConnected bool, reason DisconnectReason) {
	l.metrics.RecordDisconnection(reason.String())
	l.updateGauges()

	l.logger.Info("Client disconnected",
		slog.String("client_id", clientID),
		slog.String("reason", reason.String()),
		slog.Bool("was_connected", wasConnected),
	)

	l.handler.OnDisconnect(clientID, reason)
}

func (l *Listener) connectedID(remoteAddr *net.UDPAddr) string {
	var clientID string
	l.registry.WithClient(registry.ByAddr(remoteAddr), func(c *registry.Client) {
		if c.Connected {
			clientID = c.ID
		}
	})
	return clientID
}

// Send transmits payload to one connected client without delivery guarantee
func (l *Listener) Send(payload []byte, clientID string) error {
	if err := l.checkSend(payload); err != nil {
		return err
	}

	var addr *net.UDPAddr
	l.registry.WithClient(registry.ByID(clientID), func(c *registry.Client) {
		if c.Connected {
			addr = c.Addr
		}
	})
	if addr == nil {
		return fmt.Errorf("send to %s: %w", clientID, ErrUnknownClient)
	}

	return l.writeFrame(protocol.DataFrame(payload), addr)
}

// Broadcast transmits payload to every connected client not listed in exclude
func (l *Listener) Broadcast(payload []byte, exclude ...string) error {
	if err := l.checkSend(payload); err != nil {
		return err
	}

	skip := toSet(exclude)
	data := protocol.DataFrame(payload).Encode()

	l.registry.ForEach(func(info registry.ClientInfo) {
		if !info.Connected || skip[info.ID] {
			return
		}
		l.writeDatagram(data, protocol.PacketData, info.Addr)
	})

	return nil
}

// SendReliable transmits payload to one connected client and keeps resending
// it every sweep until the client acknowledges it or disconnects
func (l *Listener) SendReliable(payload []byte, clientID string) (uint32, error) {
	if err := l.checkSend(payload); err != nil {
		return 0, err
	}

	var packetID uint32
	found := false
	l.registry.WithAll(func(t *registry.Table) {
		c := t.Client(registry.ByID(clientID))
		if c == nil || !c.Connected {
			return
		}
		found = true

		packet := t.NewPacket(payload)
		t.Register(packet, c)
		packetID = packet.ID

		l.writeDatagram(protocol.ReliableFrame(packet.ID, packet.Payload).Encode(), protocol.PacketReliableSend, c.Addr)
	})

	if !found {
		return 0, fmt.Errorf("reliable send to %s: %w", clientID, ErrUnknownClient)
	}

	l.metrics.RecordReliableSent()
	l.metrics.SetReliableInFlight(l.registry.ReliableCount())

	return packetID, nil
}

// BroadcastReliable sends one reliable packet to every connected client not
// listed in exclude. With no recipients the packet is dropped at once.
func (l *Listener) BroadcastReliable(payload []byte, exclude ...string) (uint32, error) {
	if err := l.checkSend(payload); err != nil {
		return 0, err
	}

	skip := toSet(exclude)
	var packetID uint32
	recipients := 0

	l.registry.WithAll(func(t *registry.Table) {
		packet := t.NewPacket(payload)
		packetID = packet.ID
		data := protocol.ReliableFrame(packet.ID, packet.Payload).Encode()

		for _, c := range t.Clients() {
			if !c.Connected || skip[c.ID] {
				continue
			}
			t.Register(packet, c)
			l.writeDatagram(data, protocol.PacketReliableSend, c.Addr)
			recipients++
		}

		if packet.Done() {
			t.DropPacket(packet)
		}
	})

	l.metrics.RecordReliableSent()
	l.metrics.SetReliableInFlight(l.registry.ReliableCount())

	l.logger.Debug("Reliable broadcast sent",
		slog.Uint64("packet_id", uint64(packetID)),
		slog.Int("recipients", recipients),
	)

	return packetID, nil
}

// checkSend validates a payload before anything is transmitted
func (l *Listener) checkSend(payload []byte) error {
	if !l.listening.Load() {
		return ErrNotListening
	}

	if len(payload) >= l.config.MaxDatagramSize {
		l.metrics.RecordOversizedSend()
		return fmt.Errorf("payload of %d bytes, limit %d: %w", len(payload), l.config.MaxDatagramSize, ErrPayloadTooLarge)
	}

	return nil
}

func (l *Listener) writeFrame(frame *protocol.Frame, addr *net.UDPAddr) error {
	return l.writeDatagram(frame.Encode(), frame.Type, addr)
}

func (l *Listener) writeDatagram(data []byte, packetType protocol.PacketType, addr *net.UDPAddr) error {
	if _, err := l.conn.WriteToUDP(data, addr); err != nil {
		if l.listening.Load() {
			l.logger.Warn("Failed to send datagram",
				slog.String("remote_addr", addr.String()),
				slog.String("packet_type", packetType.String()),
				slog.String("error", err.Error()),
			)
		}
		return fmt.Errorf("failed to send %s to %s: %w", packetType, addr, err)
	}

	l.metrics.RecordDatagramSent(packetType.String())
	return nil
}

func (l *Listener) updateGauges() {
	connected, pending := l.registry.Counts()
	l.metrics.SetClients(connected, pending)
	l.metrics.SetReliableInFlight(l.registry.ReliableCount())
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
