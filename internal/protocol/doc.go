// Package protocol implements the SNet wire codec.
// It covers the transport frame (packet type tag followed by a type-specific
// body) and the application envelope (message kind and send time) that the
// server wraps around every payload.
package protocol
