package node

import (
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/discovery"
	"github.com/VanDung-dev/scatterbrained/monitoring"
	"github.com/VanDung-dev/scatterbrained/network"
	"github.com/VanDung-dev/scatterbrained/peer"
)

// PeerFilter decides whether a namespace may connect to a peer.
type PeerFilter func(p *peer.Identity) bool

// AcceptAll is the default PeerFilter.
func AcceptAll(*peer.Identity) bool { return true }

// Option configures a Node.
type Option func(*Node)

// WithHost sets the host the network engine binds to. Defaults to 0.0.0.0.
func WithHost(host string) Option {
	return func(n *Node) { n.host = host }
}

// WithPort sets the port the network engine binds to. Zero picks a free port.
func WithPort(port int) Option {
	return func(n *Node) { n.port = port }
}

// WithDiscoveryEngine replaces the default UDP broadcast discovery engine.
func WithDiscoveryEngine(e *discovery.Engine) Option {
	return func(n *Node) { n.discovery = e }
}

// WithNetworkEngine replaces the default ZeroMQ network engine.
func WithNetworkEngine(e *network.Engine) Option {
	return func(n *Node) { n.network = e }
}

// WithHeartbeat sets the discovery heartbeat. It also applies to an engine
// passed with WithDiscoveryEngine.
func WithHeartbeat(d time.Duration) Option {
	return func(n *Node) { n.heartbeat = d }
}

// WithDefaultOperatingMode sets the mode of namespaces created without one.
func WithDefaultOperatingMode(m OperatingMode) Option {
	return func(n *Node) { n.defaultMode = m }
}

// WithDefaultPeerFilter sets the filter of namespaces created without one.
func WithDefaultPeerFilter(f PeerFilter) Option {
	return func(n *Node) { n.defaultFilter = f }
}

// WithDefaultAdvertisedHost sets the host advertised by namespaces.
// Defaults to the bound host.
func WithDefaultAdvertisedHost(host string) Option {
	return func(n *Node) { n.advertisedHost = host }
}

// WithDefaultAdvertisedPort sets the port advertised by namespaces.
// Defaults to the bound port.
func WithDefaultAdvertisedPort(port int) Option {
	return func(n *Node) { n.advertisedPort = port }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithMetrics sets the metrics sink, also used by default engines.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

type namespaceConfig struct {
	mode           OperatingMode
	filter         PeerFilter
	advertisedHost string
	advertisedPort int
	hwm            int
	position       float64

	// followHost and followPort are set when the advertised value tracks the
	// node's bound address.
	followHost bool
	followPort bool
}

// NamespaceOption configures a Namespace on creation.
type NamespaceOption func(*namespaceConfig)

// WithOperatingMode sets the operating mode.
func WithOperatingMode(m OperatingMode) NamespaceOption {
	return func(c *namespaceConfig) { c.mode = m }
}

// WithPeerFilter sets the peer filter.
func WithPeerFilter(f PeerFilter) NamespaceOption {
	return func(c *namespaceConfig) { c.filter = f }
}

// WithAdvertisedHost overrides the advertised host.
func WithAdvertisedHost(host string) NamespaceOption {
	return func(c *namespaceConfig) { c.advertisedHost = host }
}

// WithAdvertisedPort overrides the advertised port.
func WithAdvertisedPort(port int) NamespaceOption {
	return func(c *namespaceConfig) { c.advertisedPort = port }
}

// WithHWM sets the queue capacity. Defaults to DefaultHWM.
func WithHWM(hwm int) NamespaceOption {
	return func(c *namespaceConfig) { c.hwm = hwm }
}

// WithPosition sets the initial position of the namespace identity.
func WithPosition(pos float64) NamespaceOption {
	return func(c *namespaceConfig) { c.position = pos }
}
