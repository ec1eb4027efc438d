package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/VanDung-dev/scatterbrained/logging"
	"github.com/VanDung-dev/scatterbrained/monitoring"
	"github.com/VanDung-dev/scatterbrained/peer"
)

// Common errors for network operations
var (
	ErrNotBound     = errors.New("network engine is not bound")
	ErrNotConnected = errors.New("not connected to peer")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// recvLoop is the handle of the shared receive loop.
type recvLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the physical transmitters of a node and its single receive
// endpoint. Received frames are fanned out to every subscriber by one shared
// loop, which runs while at least one subscription is alive.
type Engine struct {
	rx      Receiver
	newTX   TransmitterFactory
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu    sync.RWMutex
	txs   map[Addr]Transmitter
	dials singleflight.Group

	subMu  sync.Mutex
	bound  bool
	subs   map[uint64]*Subscription
	nextID uint64
	loop   *recvLoop
}

// NewEngine creates a new Engine.
func NewEngine(rx Receiver, newTX TransmitterFactory, opts ...Option) *Engine {
	e := &Engine{
		rx:    rx,
		newTX: newTX,
		txs:   make(map[Addr]Transmitter),
		subs:  make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Logger("network")
	}
	return e
}

// Bind opens the receive endpoint and returns the bound port.
// A zero port picks a free one. Binding a bound engine returns the current port.
func (e *Engine) Bind(ctx context.Context, host string, port int) (int, error) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.bound {
		return e.rx.Port(), nil
	}

	p, err := e.rx.Bind(ctx, host, port)
	if err != nil {
		return 0, err
	}
	e.bound = true

	e.log.Info("network engine bound", zap.String("addr", Addr{Host: host, Port: p}.String()))
	return p, nil
}

// BoundAddress returns the bound address and whether the engine is bound.
func (e *Engine) BoundAddress() (Addr, bool) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if !e.bound {
		return Addr{}, false
	}
	return Addr{Host: e.rx.Host(), Port: e.rx.Port()}, true
}

// Unbind stops the receive loop, drops every subscription and closes the endpoint.
func (e *Engine) Unbind() error {
	e.subMu.Lock()
	if !e.bound {
		e.subMu.Unlock()
		return nil
	}
	loop := e.loop
	e.loop = nil
	e.subs = make(map[uint64]*Subscription)
	e.bound = false
	e.subMu.Unlock()

	if loop != nil {
		loop.cancel()
		<-loop.done
	}
	e.metrics.UpdateSubscribers(0)

	return e.rx.Close()
}

// Close closes every transmitter and unbinds.
func (e *Engine) Close() error {
	e.mu.Lock()
	txs := e.txs
	e.txs = make(map[Addr]Transmitter)
	e.mu.Unlock()

	var err error
	for addr, tx := range txs {
		if cerr := tx.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close transmitter to %s: %w", addr, cerr))
		}
	}
	e.metrics.UpdatePhysicalConnections(0)

	return multierr.Append(err, e.Unbind())
}

// ConnectTo opens a physical transmitter to host:port. Connecting to an
// address that already has one is a no-op, and concurrent calls for the same
// address share one dial.
func (e *Engine) ConnectTo(ctx context.Context, host string, port int) error {
	addr := Addr{Host: host, Port: port}

	_, err, _ := e.dials.Do(addr.String(), func() (interface{}, error) {
		if e.Connected(host, port) {
			return nil, nil
		}

		tx := e.newTX()
		if err := tx.Connect(ctx, host, port); err != nil {
			_ = tx.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}

		e.mu.Lock()
		e.txs[addr] = tx
		n := len(e.txs)
		e.mu.Unlock()

		e.metrics.UpdatePhysicalConnections(n)
		e.log.Debug("connected", zap.String("addr", addr.String()))
		return nil, nil
	})
	return err
}

// DisconnectFrom closes and forgets the transmitter to host:port, if any.
func (e *Engine) DisconnectFrom(host string, port int) error {
	addr := Addr{Host: host, Port: port}

	e.mu.Lock()
	tx, ok := e.txs[addr]
	delete(e.txs, addr)
	n := len(e.txs)
	e.mu.Unlock()

	if !ok {
		return nil
	}
	e.metrics.UpdatePhysicalConnections(n)
	e.log.Debug("disconnected", zap.String("addr", addr.String()))

	if err := tx.Close(); err != nil {
		return fmt.Errorf("failed to close transmitter to %s: %w", addr, err)
	}
	return nil
}

// Connected reports whether a transmitter to host:port exists.
func (e *Engine) Connected(host string, port int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.txs[Addr{Host: host, Port: port}]
	return ok
}

// Connections returns the addresses of all open transmitters.
func (e *Engine) Connections() []Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()

	addrs := make([]Addr, 0, len(e.txs))
	for addr := range e.txs {
		addrs = append(addrs, addr)
	}
	return addrs
}

// SendTo sends the payload to target, tagged with the sender identity self.
func (e *Engine) SendTo(ctx context.Context, self, target *peer.Identity, payload ...[]byte) error {
	addr := AddrOf(target)

	e.mu.RLock()
	tx, ok := e.txs[addr]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, target)
	}

	header, err := peer.Encode(self)
	if err != nil {
		return err
	}

	segments := make([][]byte, 0, len(payload)+1)
	segments = append(segments, header)
	segments = append(segments, payload...)

	start := time.Now()
	err = tx.Send(ctx, segments...)
	e.metrics.RecordSend(err, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", target, err)
	}
	return nil
}

// Subscription is a handle on the shared receive loop.
type Subscription struct {
	engine      *Engine
	id          uint64
	onRecv      RecvHandler
	onMalformed MalformedHandler
	onError     ErrorHandler
	once        sync.Once
}

// Dispose detaches the subscription. The last dispose stops the receive loop
// and waits for it, so it must not be called from a handler.
func (s *Subscription) Dispose() {
	s.once.Do(func() { s.engine.unsubscribe(s.id) })
}

// Subscribe attaches handlers to the receive loop, starting it if needed.
func (e *Engine) Subscribe(onRecv RecvHandler, onMalformed MalformedHandler, onError ErrorHandler) (*Subscription, error) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if !e.bound {
		return nil, ErrNotBound
	}

	s := &Subscription{
		engine:      e,
		id:          e.nextID,
		onRecv:      onRecv,
		onMalformed: onMalformed,
		onError:     onError,
	}
	e.nextID++
	e.subs[s.id] = s

	if e.loop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		loop := &recvLoop{cancel: cancel, done: make(chan struct{})}
		e.loop = loop
		go e.receive(ctx, loop)
		e.log.Debug("receive loop started")
	}

	e.metrics.UpdateSubscribers(len(e.subs))
	return s, nil
}

// Subscribers returns the number of live subscriptions.
func (e *Engine) Subscribers() int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return len(e.subs)
}

// Receiving reports whether the receive loop is running.
func (e *Engine) Receiving() bool {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.loop != nil
}

func (e *Engine) unsubscribe(id uint64) {
	e.subMu.Lock()
	if _, ok := e.subs[id]; !ok {
		e.subMu.Unlock()
		return
	}
	delete(e.subs, id)
	n := len(e.subs)

	// Clear the handle before cancelling so a concurrent Subscribe starts a
	// fresh loop instead of joining this one.
	var loop *recvLoop
	if n == 0 {
		loop = e.loop
		e.loop = nil
	}
	e.subMu.Unlock()

	e.metrics.UpdateSubscribers(n)
	if loop != nil {
		loop.cancel()
		<-loop.done
		e.log.Debug("receive loop stopped")
	}
}

// snapshot returns the current subscriptions in subscribe order.
func (e *Engine) snapshot() []*Subscription {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

// receive reads frames one at a time and dispatches them in order.
func (e *Engine) receive(ctx context.Context, loop *recvLoop) {
	defer close(loop.done)

	for {
		senderID, segments, err := e.rx.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.fail(loop, err)
			return
		}
		e.dispatch(senderID, segments)
	}
}

func (e *Engine) dispatch(senderID string, segments [][]byte) {
	var from *peer.Identity
	if len(segments) > 0 {
		from, _ = peer.Decode(segments[0])
	}
	e.metrics.RecordFrame(from == nil)

	if from == nil {
		e.log.Debug("malformed frame", zap.String("sender", senderID), zap.Int("segments", len(segments)))
		for _, s := range e.snapshot() {
			if s.onMalformed != nil {
				s.onMalformed(senderID, segments)
			}
		}
		return
	}

	payload := segments[1:]
	for _, s := range e.snapshot() {
		if s.onRecv != nil {
			s.onRecv(from, payload)
		}
	}
}

// fail reports a loop error to every subscriber. The loop terminates and the
// next Subscribe starts a new one.
func (e *Engine) fail(loop *recvLoop, err error) {
	e.subMu.Lock()
	if e.loop == loop {
		e.loop = nil
	}
	e.subMu.Unlock()
	loop.cancel()

	e.log.Error("receive loop failed", zap.Error(err))
	err = fmt.Errorf("receive loop failed: %w", err)
	for _, s := range e.snapshot() {
		if s.onError != nil {
			s.onError(err)
		}
	}
}
