package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned for payloads at or above the datagram ceiling
	ErrPayloadTooLarge = errors.New("payload exceeds maximum datagram size")

	// ErrUnknownClient is returned when the recipient is not a connected client
	ErrUnknownClient = errors.New("unknown or unconnected client")

	// ErrNotListening is returned when sending on a stopped listener
	ErrNotListening = errors.New("listener is not running")
)

// DisconnectReason tells why a client left
type DisconnectReason int

const (
	// ClosedByPeer covers graceful DISCONNECTION datagrams and peer resets
	ClosedByPeer DisconnectReason = iota
	// TimedOut covers liveness and handshake expiry found by the sweep
	TimedOut
)

// String returns the metric label of the reason
func (r DisconnectReason) String() string {
	switch r {
	case ClosedByPeer:
		return "closed_by_peer"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Handler observes connection events and application data. Calls arrive on
// the listener's receive or sweep goroutine and never while the client
// registry is locked, so a handler may call back into the Listener.
type Handler interface {
	OnConnect(clientID string)
	OnDisconnect(clientID string, reason DisconnectReason)
	OnData(clientID string, payload []byte)
}

type nopHandler struct{}

func (nopHandler) OnConnect(string) {}
func (nopHandler) OnDisconnect(string, DisconnectReason) {}
func (nopHandler) OnData(string, []byte) {}
