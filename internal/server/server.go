package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShoosGun/SNet/internal/metrics"
	"github.com/ShoosGun/SNet/internal/protocol"
	"github.com/ShoosGun/SNet/internal/registry"
	"github.com/ShoosGun/SNet/internal/transport"
)

// Message is a decoded application message handed to a HandlerFunc
type Message struct {
	ClientID string
	Kind     int32
	SentAt   time.Time
	Latency  time.Duration
	Payload  []byte
}

// HandlerFunc processes one message on the tick goroutine
type HandlerFunc func(msg *Message)

// Config contains server settings
type Config struct {
	Listener      transport.Config
	QueueLockWait time.Duration
}

// received is a payload waiting for the next tick
type received struct {
	clientID string
	data     []byte
}

// Server wraps the Listener with the application envelope and buffers
// inbound payloads until the tick loop calls CheckReceivedData
type Server struct {
	listener *transport.Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// queueLock is a one-slot semaphore so the consumer can give up after
	// QueueLockWait
	queueLock chan struct{}
	queue     []received
	lockWait  time.Duration

	hmu            sync.RWMutex
	handlers       map[int32]HandlerFunc
	onConnected    func(clientID string)
	onDisconnected func(clientID string, reason transport.DisconnectReason)

	// Counters
	messagesProcessed atomic.Uint64
	envelopeErrors    atomic.Uint64
	unhandled         atomic.Uint64
	skippedDrains     atomic.Uint64
}

// Statistics is a snapshot of server and listener counters
type Statistics struct {
	transport.Statistics
	QueueLength       int    `json:"queue_length"`
	MessagesProcessed uint64 `json:"messages_processed"`
	EnvelopeErrors    uint64 `json:"envelope_errors"`
	UnhandledMessages uint64 `json:"unhandled_messages"`
	SkippedDrains     uint64 `json:"skipped_drains"`
}

// New creates a server and its listener
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.QueueLockWait <= 0 {
		cfg.QueueLockWait = 10 * time.Millisecond
	}

	s := &Server{
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		queueLock: make(chan struct{}, 1),
		lockWait:  cfg.QueueLockWait,
		handlers:  make(map[int32]HandlerFunc),
	}
	s.listener = transport.NewListener(cfg.Listener, logger.With(slog.String("component", "listener")), m, s)

	return s
}

// Start starts the listener
func (s *Server) Start() error {
	if err := s.listener.Start(); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	return nil
}

// Stop stops the listener. Queued messages are discarded.
func (s *Server) Stop() error {
	if err := s.listener.Stop(); err != nil {
		return err
	}

	s.lockQueue()
	dropped := len(s.queue)
	s.queue = nil
	s.unlockQueue()
	s.metrics.SetQueueSize(0)

	if dropped > 0 {
		s.logger.Info("Discarded queued messages on stop", slog.Int("count", dropped))
	}
	return nil
}

// Addr returns the bound UDP address, or nil before Start
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Clients returns a snapshot of every known client
func (s *Server) Clients() []registry.ClientInfo {
	return s.listener.Clients()
}

// Client returns a snapshot of one client
func (s *Server) Client(clientID string) (registry.ClientInfo, bool) {
	return s.listener.Client(clientID)
}

// Handle registers fn for messages of the given kind. A nil fn removes the
// registration.
func (s *Server) Handle(kind int32, fn HandlerFunc) {
	s.hmu.Lock()
	defer s.hmu.Unlock()

	if fn == nil {
		delete(s.handlers, kind)
		return
	}
	s.handlers[kind] = fn
}

// OnClientConnected sets the callback run when a handshake completes
func (s *Server) OnClientConnected(fn func(clientID string)) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onConnected = fn
}

// OnClientDisconnected sets the callback run when a connected client leaves
func (s *Server) OnClientDisconnected(fn func(clientID string, reason transport.DisconnectReason)) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onDisconnected = fn
}

// OnConnect implements transport.Handler
func (s *Server) OnConnect(clientID string) {
	s.hmu.RLock()
	fn := s.onConnected
	s.hmu.RUnlock()

	if fn != nil {
		fn(clientID)
	}
}

// OnDisconnect implements transport.Handler
func (s *Server) OnDisconnect(clientID string, reason transport.DisconnectReason) {
	s.hmu.RLock()
	fn := s.onDisconnected
	s.hmu.RUnlock()

	if fn != nil {
		fn(clientID, reason)
	}
}

// OnData implements transport.Handler. It only queues the payload; decoding
// happens on the tick goroutine.
func (s *Server) OnData(clientID string, payload []byte) {
	s.lockQueue()
	s.queue = append(s.queue, received{clientID: clientID, data: payload})
	size := len(s.queue)
	s.unlockQueue()

	s.metrics.SetQueueSize(size)
}

// CheckReceivedData drains the receive queue and dispatches every message to
// its handler. If the queue lock cannot be taken within QueueLockWait the
// tick is skipped and the messages stay queued. Returns the number of
// messages drained.
func (s *Server) CheckReceivedData() int {
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()

	select {
	case s.queueLock <- struct{}{}:
	case <-timer.C:
		s.skippedDrains.Add(1)
		s.metrics.RecordQueueDrainSkip()
		s.logger.Debug("Queue busy, skipping drain", slog.Duration("wait", s.lockWait))
		return 0
	}

	items := s.queue
	s.queue = nil
	s.unlockQueue()

	if len(items) == 0 {
		return 0
	}
	s.metrics.SetQueueSize(0)

	now := s.now()
	for _, item := range items {
		s.process(item, now)
	}

	return len(items)
}

// process decodes one queued payload and runs its handler
func (s *Server) process(item received, now time.Time) {
	envelope, err := protocol.ParseEnvelope(item.data)
	if err != nil {
		s.envelopeErrors.Add(1)
		s.metrics.RecordEnvelopeError()
		s.logger.Warn("Failed to parse message envelope",
			slog.String("client_id", item.clientID),
			slog.Int("size", len(item.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	msg := &Message{
		ClientID: item.clientID,
		Kind:     envelope.Kind,
		SentAt:   envelope.SentAt,
		Latency:  envelope.Latency(now),
		Payload:  envelope.Payload,
	}

	s.hmu.RLock()
	handler, ok := s.handlers[msg.Kind]
	s.hmu.RUnlock()

	if !ok {
		s.unhandled.Add(1)
		s.metrics.RecordMessageHandled("unhandled", msg.Latency.Seconds())
		s.logger.Debug("No handler for message kind",
			slog.String("client_id", msg.ClientID),
			slog.Int("kind", int(msg.Kind)),
		)
		return
	}

	result := s.dispatch(handler, msg)
	s.messagesProcessed.Add(1)
	s.metrics.RecordMessageHandled(result, msg.Latency.Seconds())
}

func (s *Server) dispatch(handler HandlerFunc, msg *Message) (result string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in message handler",
				slog.String("client_id", msg.ClientID),
				slog.Int("kind", int(msg.Kind)),
				slog.Any("panic", r),
			)
			result = "panic"
		}
	}()

	handler(msg)
	return "handled"
}

// Send wraps payload in an envelope of the given kind and sends it to one
// client without delivery guarantee
func (s *Server) Send(payload []byte, kind int32, clientID string) error {
	return s.listener.Send(protocol.EncodeEnvelope(kind, s.now(), payload), clientID)
}

// Broadcast wraps payload and sends it to every connected client not in exclude
func (s *Server) Broadcast(payload []byte, kind int32, exclude ...string) error {
	return s.listener.Broadcast(protocol.EncodeEnvelope(kind, s.now(), payload), exclude...)
}

// SendReliable wraps payload and sends it to one client until acknowledged
func (s *Server) SendReliable(payload []byte, kind int32, clientID string) (uint32, error) {
	return s.listener.SendReliable(protocol.EncodeEnvelope(kind, s.now(), payload), clientID)
}

// BroadcastReliable wraps payload and reliably sends it to every connected
// client not in exclude
func (s *Server) BroadcastReliable(payload []byte, kind int32, exclude ...string) (uint32, error) {
	return s.listener.BroadcastReliable(protocol.EncodeEnvelope(kind, s.now(), payload), exclude...)
}

// QueueLength returns the number of messages waiting for the next tick
func (s *Server) QueueLength() int {
	s.lockQueue()
	defer s.unlockQueue()
	return len(s.queue)
}

// Statistics returns current server statistics
func (s *Server) Statistics() Statistics {
	return Statistics{
		Statistics:        s.listener.Statistics(),
		QueueLength:       s.QueueLength(),
		MessagesProcessed: s.messagesProcessed.Load(),
		EnvelopeErrors:    s.envelopeErrors.Load(),
		UnhandledMessages: s.unhandled.Load(),
		SkippedDrains:     s.skippedDrains.Load(),
	}
}

func (s *Server) lockQueue() {
	s.queueLock <- struct{}{}
}

func (s *Server) unlockQueue() {
	<-s.queueLock
}
