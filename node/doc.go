// Package node ties discovery and networking together.
//
// This package implements:
//   - Node: owns one discovery engine, one network engine and the namespace registry
//   - Namespace: a named community with connection policy, a bounded message queue
//     and peer waits
//   - MessageQueue: bounded LIFO queue that drops the oldest entry on overflow
package node
