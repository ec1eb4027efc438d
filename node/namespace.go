package node

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/discovery"
	"github.com/VanDung-dev/scatterbrained/peer"
)

// Namespace is a named community of peers on a Node. It is created with
// Node.Namespace and becomes visible to other nodes once launched.
type Namespace struct {
	node *Node
	name string
	log  *zap.Logger

	mu         sync.RWMutex
	identity   *peer.Identity
	followHost bool
	followPort bool
	advertised bool
	mode       OperatingMode
	filter     PeerFilter

	queue          *MessageQueue
	messageArrived *signal
	peerArrived    *signal
}

func newNamespace(n *Node, name string, cfg namespaceConfig) (*Namespace, error) {
	if err := peer.ValidatePosition(cfg.position); err != nil {
		return nil, err
	}
	queue, err := NewMessageQueue(cfg.hwm)
	if err != nil {
		return nil, err
	}
	if cfg.filter == nil {
		cfg.filter = AcceptAll
	}

	return &Namespace{
		node:           n,
		name:           name,
		identity:       peer.New(n.id, name, cfg.advertisedHost, cfg.advertisedPort, cfg.position),
		followHost:     cfg.followHost,
		followPort:     cfg.followPort,
		log:            n.log.With(zap.String("namespace", name)),
		mode:           cfg.mode,
		filter:         cfg.filter,
		queue:          queue,
		messageArrived: newSignal(),
		peerArrived:    newSignal(),
	}, nil
}

// Name returns the namespace name.
func (ns *Namespace) Name() string { return ns.name }

// Identity returns the identity this namespace advertises. Its address
// follows the node's bound address unless it was set explicitly.
func (ns *Namespace) Identity() *peer.Identity {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.identity
}

// readvertise moves the defaulted parts of the identity to host:port,
// replacing the advertised identity if the namespace is launched.
func (ns *Namespace) readvertise(host string, port int) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	cur := ns.identity
	next := peer.Key{ID: cur.ID, Namespace: cur.Namespace, Host: cur.Host, Port: cur.Port}
	if ns.followHost {
		next.Host = host
	}
	if ns.followPort {
		next.Port = port
	}
	if next == cur.Key() {
		return
	}

	ns.identity = peer.New(next.ID, next.Namespace, next.Host, next.Port, cur.Position())
	if ns.advertised {
		ns.node.discovery.AddIdentity(ns.identity)
	}
	ns.log.Debug("advertised address changed",
		zap.Stringer("from", cur), zap.Stringer("to", ns.identity))
}

// OperatingMode returns the operating mode.
func (ns *Namespace) OperatingMode() OperatingMode {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.mode
}

// SetOperatingMode changes the operating mode. Existing connections are kept.
func (ns *Namespace) SetOperatingMode(m OperatingMode) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.mode = m
}

// SetPeerFilter replaces the peer filter. A nil filter accepts every peer.
func (ns *Namespace) SetPeerFilter(f PeerFilter) {
	if f == nil {
		f = AcceptAll
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.filter = f
}

// admits reports whether the policy allows connecting to p. Besides the
// operating mode and the filter, p must belong to this namespace: peers of
// other namespaces are connected through their own Namespace so that each
// virtual connection is recorded under the namespace that owns it.
func (ns *Namespace) admits(p *peer.Identity) bool {
	ns.mu.RLock()
	mode, filter := ns.mode, ns.filter
	ns.mu.RUnlock()

	return p.Namespace == ns.name && mode.Connects() && filter(p)
}

// SetPosition updates the position advertised with the next heartbeat.
// NaN and infinite positions are rejected with peer.ErrInvalidPosition.
func (ns *Namespace) SetPosition(pos float64) error {
	if err := peer.ValidatePosition(pos); err != nil {
		return err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	err := ns.node.discovery.UpdateIdentityPosition(ns.identity, pos)
	if errors.Is(err, discovery.ErrUnknownIdentity) {
		ns.identity.SetPosition(pos)
		return nil
	}
	return err
}

// Launch advertises the namespace and connects to every peer of this
// namespace the node already knows. Every connection is attempted; failures
// are returned together once all attempts have finished.
func (ns *Namespace) Launch(ctx context.Context) error {
	ns.mu.Lock()
	ns.advertised = true
	ns.node.discovery.AddIdentity(ns.identity)
	ns.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, p := range ns.node.discovery.Peers() {
		if p.Namespace != ns.name {
			continue
		}
		wg.Add(1)
		go func(p *peer.Identity) {
			defer wg.Done()
			if _, err := ns.node.connect(ctx, ns, p); err != nil {
				ns.log.Error("failed to connect to peer", zap.Stringer("peer", p), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	ns.log.Debug("namespace launched", zap.Int("peers", len(ns.Peers())))
	return errs
}

// Close stops advertising the namespace. Connections are left to the node.
func (ns *Namespace) Close() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.advertised = false
	ns.node.discovery.RemoveIdentity(ns.identity)
	return nil
}

// ConnectTo connects to p unless the operating mode or the peer filter
// rejects it, in which case it returns false and does nothing.
func (ns *Namespace) ConnectTo(ctx context.Context, p *peer.Identity) (bool, error) {
	return ns.node.connect(ctx, ns, p)
}

// DisconnectFrom drops the connection to p. It returns false if p was not connected.
func (ns *Namespace) DisconnectFrom(p *peer.Identity) (bool, error) {
	return ns.node.disconnect(p)
}

// SendTo sends the payload segments to p.
func (ns *Namespace) SendTo(ctx context.Context, p *peer.Identity, payload ...[]byte) error {
	return ns.node.network.SendTo(ctx, ns.Identity(), p, payload...)
}

// Recv returns the most recently received message, waiting for one if the
// queue is empty. When ctx expires the error matches both ErrTimeout and
// context.DeadlineExceeded.
func (ns *Namespace) Recv(ctx context.Context) (*Message, error) {
	var msg *Message
	err := waitUntil(ctx, ns.messageArrived, func() bool {
		var ok bool
		msg, ok = ns.queue.Pop()
		return ok
	})
	if err != nil {
		return nil, err
	}
	ns.node.metrics.UpdateQueueDepth(ns.name, ns.queue.Size())
	return msg, nil
}

// Pending returns the number of queued messages.
func (ns *Namespace) Pending() int {
	return ns.queue.Size()
}

func (ns *Namespace) deliver(msg *Message) {
	dropped := ns.queue.Push(msg)
	ns.node.metrics.RecordDelivery(ns.name, ns.queue.Size(), dropped)
	if dropped {
		ns.log.Debug("queue full, dropped oldest message")
	}
	ns.messageArrived.broadcast()
}

// Peers returns the connected peers of this namespace.
func (ns *Namespace) Peers() []*peer.Identity {
	return ns.node.namespacePeers(ns.name)
}

// PeerCondition is a predicate over the connected peers of a namespace.
type PeerCondition func(peers []*peer.Identity) bool

// AtLeast holds when at least n peers are connected.
func AtLeast(n int) PeerCondition {
	return func(peers []*peer.Identity) bool { return len(peers) >= n }
}

// WithIDs holds when a peer with each of the ids is connected.
func WithIDs(ids ...string) PeerCondition {
	return func(peers []*peer.Identity) bool {
		present := make(map[string]bool, len(peers))
		for _, p := range peers {
			present[p.ID] = true
		}
		for _, id := range ids {
			if !present[id] {
				return false
			}
		}
		return true
	}
}

// Exactly holds when each of the identities is connected, matching every field
// but position. Nil identities are ignored.
func Exactly(ids ...*peer.Identity) PeerCondition {
	return func(peers []*peer.Identity) bool {
		present := make(map[peer.Key]bool, len(peers))
		for _, p := range peers {
			present[p.Key()] = true
		}
		for _, id := range ids {
			if id == nil {
				continue
			}
			if !present[id.Key()] {
				return false
			}
		}
		return true
	}
}

// WaitForPeers blocks until cond holds for the connected peers. When ctx
// expires the error matches both ErrTimeout and context.DeadlineExceeded.
func (ns *Namespace) WaitForPeers(ctx context.Context, cond PeerCondition) error {
	return waitUntil(ctx, ns.peerArrived, func() bool {
		return cond(ns.Peers())
	})
}
