// Package transport implements the connection-oriented UDP listener.
//
// A peer connects with a two-datagram handshake: it sends CONNECTION, the
// listener answers CONNECTION carrying its liveness timeout in milliseconds,
// and the peer confirms with another CONNECTION. Until then the peer is a
// pending client and its data is dropped.
//
// A background sweep runs every SweepInterval. It probes connected clients
// that have been quiet for more than half the connection timeout, evicts
// clients past the timeout or stuck in the handshake, and resends every
// reliable packet that some recipient has not acknowledged yet. There is no
// retry limit: a reliable packet lives until it is acknowledged or all of its
// recipients are gone.
//
// Inbound reliable packets are acknowledged every time they arrive and are
// handed to the Handler once per client and packet id.
package transport
