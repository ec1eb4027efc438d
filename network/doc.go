// Package network provides the identity-framed peer transport.
//
// This package implements:
//   - Engine: physical connections and the shared, reference-counted receive loop
//   - ZMQReceiver / ZMQTransmitter: ZeroMQ ROUTER/DEALER transport
//   - MemoryHub: in-process transport for tests and tools
package network
