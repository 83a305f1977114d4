// Package server wraps the transport listener with the application envelope
// (int32 message kind, int64 send time) and a receive queue drained once per
// simulation tick by CheckReceivedData. It also serves the HTTP monitoring
// API.
package server
