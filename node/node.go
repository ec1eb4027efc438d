package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/discovery"
	"github.com/VanDung-dev/scatterbrained/logging"
	"github.com/VanDung-dev/scatterbrained/monitoring"
	"github.com/VanDung-dev/scatterbrained/network"
	"github.com/VanDung-dev/scatterbrained/peer"
)

// DefaultHost is the host the network engine binds to by default.
const DefaultHost = "0.0.0.0"

// Common errors for node operations
var (
	ErrMissingID    = errors.New("node id is required")
	ErrNotListening = errors.New("node is not listening")
)

// Node is a scatterbrained peer. It owns one discovery engine, one network
// engine and the namespaces created on it, and turns discovery events into
// connections under each namespace's policy.
//
// A physical connection to an address is open iff at least one connected
// peer at that address is recorded in the node.
type Node struct {
	id        string
	host      string
	port      int
	heartbeat time.Duration
	discovery *discovery.Engine
	network   *network.Engine
	log       *zap.Logger
	metrics   *monitoring.Metrics

	// lifecycle serializes Launch and Close.
	lifecycle sync.Mutex
	listening atomic.Bool
	sub       *network.Subscription

	mu               sync.RWMutex
	defaultMode      OperatingMode
	defaultFilter    PeerFilter
	advertisedHost   string
	advertisedPort   int
	defaultAdvHost        string
	defaultAdvPort        int
	namespaces       map[string]*Namespace
	virtualTx        map[network.Addr]map[peer.Key]*peer.Identity
	peersByNamespace map[string]map[peer.Key]*peer.Identity

	// addrLocks serializes connect and disconnect per physical address.
	addrLocks sync.Map
}

// New creates a new Node. Without engine options it uses UDP broadcast
// discovery and the ZeroMQ network transport.
func New(id string, opts ...Option) (*Node, error) {
	if id == "" {
		return nil, ErrMissingID
	}

	n := &Node{
		id:               id,
		host:             DefaultHost,
		defaultMode:      ModePeer,
		defaultFilter:    AcceptAll,
		namespaces:       make(map[string]*Namespace),
		virtualTx:        make(map[network.Addr]map[peer.Key]*peer.Identity),
		peersByNamespace: make(map[string]map[peer.Key]*peer.Identity),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = logging.Logger("node")
	}
	n.log = n.log.With(zap.String("node", id))

	switch {
	case n.discovery != nil && n.heartbeat != 0:
		if err := n.discovery.SetHeartbeat(n.heartbeat); err != nil {
			return nil, err
		}
	case n.heartbeat == 0:
		n.heartbeat = discovery.DefaultHeartbeat
	}

	if n.discovery == nil {
		engine, err := discovery.NewEngine(
			discovery.NewUDPBroadcaster("", 0),
			discovery.NewUDPReceiver("", 0),
			discovery.WithHeartbeat(n.heartbeat),
			discovery.WithMetrics(n.metrics),
		)
		if err != nil {
			return nil, err
		}
		n.discovery = engine
	}
	if n.network == nil {
		n.network = network.NewEngine(
			network.NewZMQReceiver(),
			network.ZMQTransmitterFactory(id),
			network.WithMetrics(n.metrics),
		)
	}
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Discovery returns the discovery engine.
func (n *Node) Discovery() *discovery.Engine { return n.discovery }

// Network returns the network engine.
func (n *Node) Network() *network.Engine { return n.network }

// Listening reports whether the node has been launched and not closed.
func (n *Node) Listening() bool {
	return n.listening.Load()
}

// Launch binds the network engine, subscribes to it and starts discovery.
// Launching a listening node is a no-op.
func (n *Node) Launch(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	if n.listening.Load() {
		return nil
	}

	port, err := n.network.Bind(ctx, n.host, n.port)
	if err != nil {
		return fmt.Errorf("failed to bind network engine: %w", err)
	}
	sub, err := n.network.Subscribe(n.onRecv, n.onMalformed, n.onNetworkError)
	if err != nil {
		_ = n.network.Unbind()
		return fmt.Errorf("failed to subscribe to network engine: %w", err)
	}
	n.sub = sub

	// Unset advertised values follow the bound address, which may change
	// between launches when the port is picked by the transport.
	n.mu.Lock()
	n.defaultAdvHost, n.defaultAdvPort = n.advertisedHost, n.advertisedPort
	if n.defaultAdvHost == "" {
		n.defaultAdvHost = n.host
	}
	if n.defaultAdvPort == 0 {
		n.defaultAdvPort = port
	}
	for _, ns := range n.namespaces {
		ns.readvertise(n.defaultAdvHost, n.defaultAdvPort)
	}
	n.mu.Unlock()
	n.listening.Store(true)

	if err := n.discovery.Start(ctx, n.onAppear, n.onDisappear, n.onDiscoveryError); err != nil {
		n.listening.Store(false)
		n.sub.Dispose()
		n.sub = nil
		_ = n.network.Unbind()
		return fmt.Errorf("failed to start discovery engine: %w", err)
	}

	n.log.Info("node launched",
		zap.String("addr", network.Addr{Host: n.host, Port: port}.String()),
		zap.Duration("heartbeat", n.discovery.Heartbeat()))
	return nil
}

// Close stops discovery, closes every connection and unbinds.
// Closing a node that is not listening is a no-op.
func (n *Node) Close() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	if !n.listening.Load() {
		return nil
	}
	n.listening.Store(false)

	err := n.discovery.Stop()
	n.sub.Dispose()
	n.sub = nil
	err = multierr.Append(err, n.network.Close())

	n.mu.Lock()
	n.virtualTx = make(map[network.Addr]map[peer.Key]*peer.Identity)
	n.peersByNamespace = make(map[string]map[peer.Key]*peer.Identity)
	for name := range n.namespaces {
		n.metrics.UpdateVirtualConnections(name, 0)
	}
	n.mu.Unlock()

	n.log.Info("node closed")
	return err
}

// Namespace returns the namespace called name, creating it if needed.
// Options only apply when the namespace is created.
func (n *Node) Namespace(name string, opts ...NamespaceOption) (*Namespace, error) {
	if !n.Listening() {
		return nil, ErrNotListening
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if ns, ok := n.namespaces[name]; ok {
		return ns, nil
	}

	cfg := namespaceConfig{
		mode:   n.defaultMode,
		filter: n.defaultFilter,
		hwm:    DefaultHWM,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.followHost = cfg.advertisedHost == ""
	cfg.followPort = cfg.advertisedPort == 0
	if cfg.followHost {
		cfg.advertisedHost = n.defaultAdvHost
	}
	if cfg.followPort {
		cfg.advertisedPort = n.defaultAdvPort
	}

	ns, err := newNamespace(n, name, cfg)
	if err != nil {
		return nil, err
	}
	n.namespaces[name] = ns
	return ns, nil
}

func (n *Node) lookupNamespace(name string) *Namespace {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.namespaces[name]
}

// Peers returns every connected peer across all namespaces.
func (n *Node) Peers() []*peer.Identity {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var peers []*peer.Identity
	for _, set := range n.peersByNamespace {
		for _, p := range set {
			peers = append(peers, p)
		}
	}
	return peers
}

// LastSeen returns when the peer last sent a heartbeat.
func (n *Node) LastSeen(key peer.Key) (time.Time, bool) {
	return n.discovery.LastSeen(key)
}

func (n *Node) namespacePeers(name string) []*peer.Identity {
	n.mu.RLock()
	defer n.mu.RUnlock()

	set := n.peersByNamespace[name]
	peers := make([]*peer.Identity, 0, len(set))
	for _, p := range set {
		peers = append(peers, p)
	}
	return peers
}

// lockAddr serializes connection bookkeeping for one physical address.
func (n *Node) lockAddr(addr network.Addr) func() {
	v, _ := n.addrLocks.LoadOrStore(addr, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// connect applies the namespace policy, opens the physical connection and
// records the peer. It reports whether the peer is now connected.
func (n *Node) connect(ctx context.Context, ns *Namespace, p *peer.Identity) (bool, error) {
	if !ns.admits(p) {
		return false, nil
	}

	addr := network.AddrOf(p)
	unlock := n.lockAddr(addr)
	defer unlock()

	if err := n.network.ConnectTo(ctx, p.Host, p.Port); err != nil {
		return false, err
	}

	n.mu.Lock()
	set, ok := n.virtualTx[addr]
	if !ok {
		set = make(map[peer.Key]*peer.Identity)
		n.virtualTx[addr] = set
	}
	set[p.Key()] = p
	members, ok := n.peersByNamespace[p.Namespace]
	if !ok {
		members = make(map[peer.Key]*peer.Identity)
		n.peersByNamespace[p.Namespace] = members
	}
	members[p.Key()] = p
	count := len(members)
	n.mu.Unlock()

	n.metrics.UpdateVirtualConnections(p.Namespace, count)
	n.log.Debug("connected to peer", zap.Stringer("peer", p))
	ns.peerArrived.broadcast()
	return true, nil
}

// disconnect forgets the peer and closes the physical connection when no
// other peer relies on it. It reports whether the peer was connected.
func (n *Node) disconnect(p *peer.Identity) (bool, error) {
	addr := network.AddrOf(p)
	unlock := n.lockAddr(addr)
	defer unlock()

	key := p.Key()

	n.mu.Lock()
	set := n.virtualTx[addr]
	if _, ok := set[key]; !ok {
		n.mu.Unlock()
		n.log.Warn("disconnecting from a peer that was never connected", zap.Stringer("peer", p))
		return false, nil
	}
	delete(set, key)
	last := len(set) == 0
	if last {
		delete(n.virtualTx, addr)
	}
	delete(n.peersByNamespace[p.Namespace], key)
	count := len(n.peersByNamespace[p.Namespace])
	n.mu.Unlock()

	n.metrics.UpdateVirtualConnections(p.Namespace, count)
	n.log.Debug("disconnected from peer", zap.Stringer("peer", p))

	if last {
		if err := n.network.DisconnectFrom(addr.Host, addr.Port); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (n *Node) onAppear(ctx context.Context, p *peer.Identity) error {
	n.log.Debug("peer is online", zap.Stringer("peer", p))

	ns := n.lookupNamespace(p.Namespace)
	if ns == nil {
		return nil
	}
	if _, err := n.connect(ctx, ns, p); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p, err)
	}
	return nil
}

func (n *Node) onDisappear(_ context.Context, p *peer.Identity) error {
	n.log.Debug("peer is offline", zap.Stringer("peer", p))

	if _, err := n.disconnect(p); err != nil {
		return fmt.Errorf("failed to disconnect from %s: %w", p, err)
	}
	return nil
}

func (n *Node) onRecv(from *peer.Identity, payload [][]byte) {
	ns := n.lookupNamespace(from.Namespace)
	if ns == nil {
		n.log.Debug("dropping message for unknown namespace", zap.Stringer("peer", from))
		return
	}
	ns.deliver(&Message{From: from, Payload: payload})
}

func (n *Node) onMalformed(senderID string, segments [][]byte) {
	n.log.Warn("malformed message",
		zap.String("sender", senderID),
		zap.Int("segments", len(segments)))
}

func (n *Node) onNetworkError(err error) {
	n.log.Error("network engine encountered an error", zap.Error(err))
}

func (n *Node) onDiscoveryError(err error) {
	if errors.Is(err, discovery.ErrMalformedHeartbeat) {
		n.log.Warn("discovery engine received a malformed heartbeat", zap.Error(err))
		return
	}
	n.log.Error("discovery engine encountered an error", zap.Error(err))
}

// NodeStats contains node statistics.
type NodeStats struct {
	ID                  string                `json:"id"`
	Listening           bool                  `json:"listening"`
	Address             string                `json:"address,omitempty"`
	Heartbeat           time.Duration         `json:"heartbeat"`
	KnownPeers          int                   `json:"known_peers"`
	PhysicalConnections int                   `json:"physical_connections"`
	VirtualConnections  int                   `json:"virtual_connections"`
	Namespaces          map[string]QueueStats `json:"namespaces"`
}

// Stats returns current node statistics.
func (n *Node) Stats() NodeStats {
	stats := NodeStats{
		ID:                  n.id,
		Listening:           n.Listening(),
		Heartbeat:           n.discovery.Heartbeat(),
		KnownPeers:          len(n.discovery.Peers()),
		PhysicalConnections: len(n.network.Connections()),
		Namespaces:          make(map[string]QueueStats),
	}
	if addr, ok := n.network.BoundAddress(); ok {
		stats.Address = addr.String()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, set := range n.virtualTx {
		stats.VirtualConnections += len(set)
	}
	for name, ns := range n.namespaces {
		stats.Namespaces[name] = ns.queue.Stats()
	}
	return stats
}
