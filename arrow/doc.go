// Package arrow exports peer tables as Apache Arrow data.
// This package implements:
// - The peer table schema
// - Conversion between peer identities and Arrow records
// - The Arrow IPC stream codec served at /peers
package arrow
