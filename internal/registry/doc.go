// Package registry keeps the table of known clients and the reliable packets
// in flight to them. All access goes through WithClient, WithAll and the
// snapshot helpers, which provide the locking.
package registry
