// Package metrics exposes Prometheus collectors for the transport listener,
// the server receive queue and the HTTP API.
package metrics
