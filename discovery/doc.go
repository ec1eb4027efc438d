// Package discovery provides heartbeat based peer discovery.
//
// This package implements:
//   - Engine: heartbeat broadcast and peer liveness tracking
//   - UDPBroadcaster / UDPReceiver: broadcast datagram transport
//   - MemoryBus: in-process transport for tests and tools
package discovery
