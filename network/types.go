package network

import (
	"context"
	"net"
	"strconv"

	"github.com/VanDung-dev/scatterbrained/peer"
)

// Addr is the (host, port) key of a physical connection.
type Addr struct {
	Host string
	Port int
}

// AddrOf returns the physical address of an identity.
func AddrOf(p *peer.Identity) Addr {
	return Addr{Host: p.Host, Port: p.Port}
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Receiver is the single receive endpoint of an engine.
type Receiver interface {
	// Host returns the bound host, or "" when unbound.
	Host() string
	// Port returns the bound port, or 0 when unbound.
	Port() int
	// Bind opens the endpoint. A zero port picks a free one. It returns the bound port.
	Bind(ctx context.Context, host string, port int) (int, error)
	// Recv blocks until a frame arrives and returns the sender id and segments.
	Recv(ctx context.Context) (string, [][]byte, error)
	// Close releases the endpoint.
	Close() error
}

// Transmitter is one physical connection to a remote receiver.
type Transmitter interface {
	Connect(ctx context.Context, host string, port int) error
	Send(ctx context.Context, segments ...[]byte) error
	Close() error
}

// TransmitterFactory creates unconnected transmitters.
type TransmitterFactory func() Transmitter

// RecvHandler receives a well-formed frame: the sender identity and the payload segments.
type RecvHandler func(from *peer.Identity, payload [][]byte)

// MalformedHandler receives a frame whose identity segment failed to parse.
type MalformedHandler func(senderID string, segments [][]byte)

// ErrorHandler receives receive loop failures.
type ErrorHandler func(err error)
