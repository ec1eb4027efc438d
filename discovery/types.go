package discovery

import (
	"context"

	"github.com/VanDung-dev/scatterbrained/peer"
)

// Publisher broadcasts a frame to a set of peers.
type Publisher interface {
	// Open enables the publisher to send.
	Open(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
	// Publish sends one frame to all peers, fire-and-forget.
	Publish(ctx context.Context, data []byte) error
}

// Subscriber delivers frames published by peers.
type Subscriber interface {
	// Open enables the subscriber to receive.
	Open(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
	// Subscribe attaches callbacks for received frames and receive errors.
	Subscribe(onRecv func(data []byte), onError func(err error)) Disposable
}

// Disposable detaches a subscription.
type Disposable interface {
	Dispose()
}

// DisposeFunc adapts a function to Disposable.
type DisposeFunc func()

// Dispose calls f.
func (f DisposeFunc) Dispose() { f() }

// PeerHandler is called when a peer appears or disappears.
// A returned error is forwarded to the ErrorHandler.
type PeerHandler func(ctx context.Context, p *peer.Identity) error

// ErrorHandler receives transport and protocol errors.
type ErrorHandler func(err error)
