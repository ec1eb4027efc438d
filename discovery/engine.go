package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/logging"
	"github.com/VanDung-dev/scatterbrained/monitoring"
	"github.com/VanDung-dev/scatterbrained/peer"
)

const (
	// DefaultHeartbeat is the default heartbeat interval.
	DefaultHeartbeat = 5 * time.Second
	// MinHeartbeat is the smallest accepted heartbeat interval.
	MinHeartbeat = time.Second
	// LivenessTick is how often the liveness monitor scans for expired peers.
	LivenessTick = 100 * time.Millisecond
	// TimeoutFactor multiplies the heartbeat to obtain the liveness timeout.
	TimeoutFactor = 5
)

// Common errors for discovery operations
var (
	ErrInvalidHeartbeat   = errors.New("heartbeat must be 1s or more")
	ErrUnknownIdentity    = errors.New("identity is not advertised by this node")
	ErrMalformedHeartbeat = errors.New("malformed heartbeat")
)

// Option configures an Engine.
type Option func(*Engine)

// WithHeartbeat sets the heartbeat interval. It is validated by NewEngine.
func WithHeartbeat(d time.Duration) Option {
	return func(e *Engine) { e.heartbeat = d }
}

// WithIdentities seeds the set of identities advertised by this node.
func WithIdentities(ids ...*peer.Identity) Option {
	return func(e *Engine) {
		for _, id := range ids {
			e.identities[id.LocalKey()] = id
		}
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine advertises local identities with periodic heartbeats and tracks
// which peers are alive.
//
// Identities of this node are managed with AddIdentity and RemoveIdentity.
// Peers are learned from heartbeats and evicted once they have been silent
// for TimeoutFactor heartbeats.
type Engine struct {
	publisher  Publisher
	subscriber Subscriber
	clock      clock.Clock
	log        *zap.Logger
	metrics    *monitoring.Metrics

	mu         sync.RWMutex
	heartbeat  time.Duration
	identities map[peer.LocalKey]*peer.Identity
	peers      map[peer.Key]*peer.Identity
	lastSeen   map[peer.Key]time.Time

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	sub       Disposable
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewEngine creates a new Engine with a publisher and subscriber.
func NewEngine(publisher Publisher, subscriber Subscriber, opts ...Option) (*Engine, error) {
	e := &Engine{
		publisher:  publisher,
		subscriber: subscriber,
		clock:      clock.New(),
		heartbeat:  DefaultHeartbeat,
		identities: make(map[peer.LocalKey]*peer.Identity),
		peers:      make(map[peer.Key]*peer.Identity),
		lastSeen:   make(map[peer.Key]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.heartbeat < MinHeartbeat {
		return nil, fmt.Errorf("%w (value=%s)", ErrInvalidHeartbeat, e.heartbeat)
	}
	if e.log == nil {
		e.log = logging.Logger("discovery")
	}
	return e, nil
}

// Heartbeat returns the heartbeat interval.
func (e *Engine) Heartbeat() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.heartbeat
}

// SetHeartbeat sets the heartbeat interval. It takes effect from the next tick.
func (e *Engine) SetHeartbeat(d time.Duration) error {
	if d < MinHeartbeat {
		return fmt.Errorf("%w (value=%s)", ErrInvalidHeartbeat, d)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heartbeat = d
	return nil
}

// AddIdentity adds an identity to the set advertised by this node.
func (e *Engine) AddIdentity(id *peer.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identities[id.LocalKey()] = id
}

// RemoveIdentity stops advertising the identity with the same (id, namespace).
func (e *Engine) RemoveIdentity(id *peer.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.identities, id.LocalKey())
}

// UpdateIdentityPosition updates the position of an advertised identity in place.
func (e *Engine) UpdateIdentityPosition(id *peer.Identity, pos float64) error {
	if err := peer.ValidatePosition(pos); err != nil {
		return err
	}
	e.mu.RLock()
	local, ok := e.identities[id.LocalKey()]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	local.SetPosition(pos)
	return nil
}

// Identities returns the identities advertised by this node.
func (e *Engine) Identities() []*peer.Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]*peer.Identity, 0, len(e.identities))
	for _, id := range e.identities {
		ids = append(ids, id)
	}
	return ids
}

// Peers returns a copy of the set of live peers.
func (e *Engine) Peers() []*peer.Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()

	peers := make([]*peer.Identity, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	return peers
}

// LastSeen returns when a heartbeat was last received from a peer.
func (e *Engine) LastSeen(key peer.Key) (time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.lastSeen[key]
	return t, ok
}

// Running reports whether Start has been called without a matching Stop.
func (e *Engine) Running() bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.sub != nil
}

// Start opens the transports and launches the heartbeat and liveness loops.
// Calling Start on a running engine is a no-op.
//
// Callbacks run on engine goroutines and must not call Stop.
func (e *Engine) Start(ctx context.Context, onAppear, onDisappear PeerHandler, onError ErrorHandler) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.sub != nil {
		return nil
	}
	if onError == nil {
		onError = func(err error) {
			e.log.Error("discovery error", zap.Error(err))
		}
	}

	if err := e.publisher.Open(ctx); err != nil {
		return fmt.Errorf("failed to open publisher: %w", err)
	}
	if err := e.subscriber.Open(ctx); err != nil {
		_ = e.publisher.Close()
		return fmt.Errorf("failed to open subscriber: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.sub = e.subscriber.Subscribe(func(data []byte) {
		e.handleHeartbeat(runCtx, data, onAppear, onError)
	}, onError)

	e.wg.Add(2)
	go e.heartbeatLoop(runCtx, onError)
	go e.livenessLoop(runCtx, onDisappear, onError)

	e.log.Debug("discovery engine started", zap.Duration("heartbeat", e.Heartbeat()))
	return nil
}

// Stop disposes the subscription, waits for both loops to exit, closes the
// transports and forgets every peer. Calling Stop on a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.sub == nil {
		return nil
	}

	e.sub.Dispose()
	e.sub = nil

	e.cancel()
	e.wg.Wait()
	e.cancel = nil

	err := multierr.Combine(e.publisher.Close(), e.subscriber.Close())

	e.mu.Lock()
	e.peers = make(map[peer.Key]*peer.Identity)
	e.lastSeen = make(map[peer.Key]time.Time)
	e.mu.Unlock()
	e.metrics.RecordPeersDisappeared(0, 0)

	e.log.Debug("discovery engine stopped")
	return err
}

// handleHeartbeat processes a heartbeat received from the network.
func (e *Engine) handleHeartbeat(ctx context.Context, data []byte, onAppear PeerHandler, onError ErrorHandler) {
	p, err := peer.Decode(data)
	if err != nil {
		e.metrics.RecordHeartbeatReceived(false)
		onError(fmt.Errorf("%w: %v", ErrMalformedHeartbeat, err))
		return
	}

	now := e.clock.Now()
	key := p.Key()

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	// TODO: compare the datagram source against local interfaces instead of
	// matching on (id, namespace).
	if _, local := e.identities[p.LocalKey()]; local {
		e.mu.Unlock()
		return
	}
	if known, ok := e.peers[key]; ok {
		e.lastSeen[key] = now
		known.SetPosition(p.Position())
		e.mu.Unlock()
		e.metrics.RecordHeartbeatReceived(true)
		return
	}
	e.peers[key] = p
	e.lastSeen[key] = now
	count := len(e.peers)
	e.mu.Unlock()

	e.metrics.RecordHeartbeatReceived(true)
	e.metrics.RecordPeerAppeared(count)
	e.log.Debug("peer appeared", zap.Stringer("peer", key))

	if onAppear != nil {
		if err := onAppear(ctx, p); err != nil {
			onError(err)
		}
	}
}

// heartbeatLoop publishes every local identity once per heartbeat.
func (e *Engine) heartbeatLoop(ctx context.Context, onError ErrorHandler) {
	defer e.wg.Done()

	for {
		e.publishIdentities(ctx, onError)

		timer := e.clock.Timer(e.Heartbeat())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *Engine) publishIdentities(ctx context.Context, onError ErrorHandler) {
	for _, id := range e.Identities() {
		data, err := peer.Encode(id)
		if err == nil {
			err = e.publisher.Publish(ctx, data)
		}
		if ctx.Err() != nil {
			return
		}
		e.metrics.RecordHeartbeatSent(err)
		if err != nil {
			onError(fmt.Errorf("failed to publish heartbeat for %s: %w", id, err))
		}
	}
}

// livenessLoop evicts peers that have been silent for TimeoutFactor heartbeats.
func (e *Engine) livenessLoop(ctx context.Context, onDisappear PeerHandler, onError ErrorHandler) {
	defer e.wg.Done()

	ticker := e.clock.Ticker(LivenessTick)
	defer ticker.Stop()

	for {
		if evicted := e.evictExpired(); len(evicted) > 0 && onDisappear != nil {
			var wg sync.WaitGroup
			for _, p := range evicted {
				wg.Add(1)
				go func(p *peer.Identity) {
					defer wg.Done()
					if err := onDisappear(ctx, p); err != nil {
						onError(err)
					}
				}(p)
			}
			wg.Wait()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// evictExpired removes expired peers from peers and lastSeen in one pass,
// so a peer is reported at most once.
func (e *Engine) evictExpired() []*peer.Identity {
	now := e.clock.Now()

	e.mu.Lock()
	timeout := TimeoutFactor * e.heartbeat
	var evicted []*peer.Identity
	for key, seen := range e.lastSeen {
		if now.Sub(seen) >= timeout {
			evicted = append(evicted, e.peers[key])
			delete(e.peers, key)
			delete(e.lastSeen, key)
		}
	}
	count := len(e.peers)
	e.mu.Unlock()

	if len(evicted) > 0 {
		e.metrics.RecordPeersDisappeared(len(evicted), count)
		for _, p := range evicted {
			e.log.Debug("peer disappeared", zap.Stringer("peer", p.Key()))
		}
	}
	return evicted
}
