// Package peer defines the Identity of a node endpoint inside a namespace.
//
// This package implements:
//   - Identity: the (id, namespace, host, port) endpoint with a mutable position
//   - Key / LocalKey: comparable map keys derived from an Identity
//   - JSON wire codec shared by heartbeats and network frames
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync/atomic"
)

// Common errors for identity decoding
var (
	ErrMissingID        = errors.New("identity id is required")
	ErrMissingNamespace = errors.New("identity namespace is required")
	ErrInvalidPort      = errors.New("identity port is out of range")
	ErrInvalidPosition  = errors.New("identity position must be finite")
)

// ValidatePosition rejects NaN and infinite positions, which cannot be encoded.
func ValidatePosition(pos float64) error {
	if math.IsNaN(pos) || math.IsInf(pos, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, pos)
	}
	return nil
}

// Key identifies an endpoint. Two identities are equal iff their keys are equal.
type Key struct {
	ID        string
	Namespace string
	Host      string
	Port      int
}

// String returns "id@namespace(host:port)".
func (k Key) String() string {
	return fmt.Sprintf("%s@%s(%s)", k.ID, k.Namespace, net.JoinHostPort(k.Host, strconv.Itoa(k.Port)))
}

// LocalKey is the (id, namespace) pair used to recognise identities advertised by this node.
type LocalKey struct {
	ID        string
	Namespace string
}

// Identity represents a node (local or remote) operating in a namespace.
//
// ID, Namespace, Host and Port must not be modified after construction.
// The position is the only mutable field and does not take part in equality.
// Identities are shared by pointer, so every holder observes position updates.
type Identity struct {
	ID        string
	Namespace string
	Host      string
	Port      int

	position atomic.Uint64
}

// New creates a new Identity.
func New(id, namespace, host string, port int, position float64) *Identity {
	i := &Identity{
		ID:        id,
		Namespace: namespace,
		Host:      host,
		Port:      port,
	}
	i.SetPosition(position)
	return i
}

// Key returns the equality key of the identity.
func (i *Identity) Key() Key {
	return Key{ID: i.ID, Namespace: i.Namespace, Host: i.Host, Port: i.Port}
}

// LocalKey returns the (id, namespace) key of the identity.
func (i *Identity) LocalKey() LocalKey {
	return LocalKey{ID: i.ID, Namespace: i.Namespace}
}

// Address returns host:port.
func (i *Identity) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// Position returns the current position.
func (i *Identity) Position() float64 {
	return math.Float64frombits(i.position.Load())
}

// SetPosition updates the position in place. Callers check the value with
// ValidatePosition first.
func (i *Identity) SetPosition(pos float64) {
	i.position.Store(math.Float64bits(pos))
}

// Equal reports whether both identities have the same key. Position is ignored.
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.Key() == other.Key()
}

// Clone returns an independent copy, including the current position.
func (i *Identity) Clone() *Identity {
	return New(i.ID, i.Namespace, i.Host, i.Port, i.Position())
}

func (i *Identity) String() string {
	return i.Key().String()
}

// record is the wire representation of an Identity.
type record struct {
	ID        string  `json:"id"`
	Namespace string  `json:"namespace"`
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	Position  float64 `json:"position"`
}

// MarshalJSON implements json.Marshaler.
func (i *Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		ID:        i.ID,
		Namespace: i.Namespace,
		Host:      i.Host,
		Port:      i.Port,
		Position:  i.Position(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	i.ID = r.ID
	i.Namespace = r.Namespace
	i.Host = r.Host
	i.Port = r.Port
	i.SetPosition(r.Position)
	return nil
}

// Validate checks that the identity carries the fields required on the wire.
func (i *Identity) Validate() error {
	if i.ID == "" {
		return ErrMissingID
	}
	if i.Namespace == "" {
		return ErrMissingNamespace
	}
	if i.Port < 0 || i.Port > math.MaxUint16 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, i.Port)
	}
	return ValidatePosition(i.Position())
}

// Encode serializes the identity to its wire form.
func Encode(i *Identity) ([]byte, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	return data, nil
}

// Decode parses and validates an identity from its wire form.
func Decode(data []byte) (*Identity, error) {
	i := &Identity{}
	if err := json.Unmarshal(data, i); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	if err := i.Validate(); err != nil {
		return nil, err
	}
	return i, nil
}
