// Package monitoring provides Prometheus instrumentation for scatterbrained.
// This package implements:
// - Discovery metrics (heartbeats, peer churn)
// - Network metrics (frames, physical connections)
// - Namespace queue metrics
package monitoring
