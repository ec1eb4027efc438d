package discovery

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/peer"
)

type recorder struct {
	mu          sync.Mutex
	appeared    []*peer.Identity
	disappeared []*peer.Identity
	errs        []error
}

func (r *recorder) onAppear(_ context.Context, p *peer.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appeared = append(r.appeared, p)
	return nil
}

func (r *recorder) onDisappear(_ context.Context, p *peer.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disappeared = append(r.disappeared, p)
	return nil
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.appeared), len(r.disappeared), len(r.errs)
}

func newTestEngine(t *testing.T, bus *MemoryBus, mock *clock.Mock, ids ...*peer.Identity) *Engine {
	t.Helper()
	e, err := NewEngine(bus.Publisher(), bus.Subscriber(),
		WithHeartbeat(time.Second),
		WithIdentities(ids...),
		WithClock(mock),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

// advanceUntil moves the mock clock forward in steps until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(step)
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNewEngineRejectsShortHeartbeat(t *testing.T) {
	bus := NewMemoryBus()
	_, err := NewEngine(bus.Publisher(), bus.Subscriber(), WithHeartbeat(500*time.Millisecond))
	assert.True(t, errors.Is(err, ErrInvalidHeartbeat), "got %v", err)

	e, err := NewEngine(bus.Publisher(), bus.Subscriber())
	require.NoError(t, err)
	assert.Equal(t, DefaultHeartbeat, e.Heartbeat())

	assert.True(t, errors.Is(e.SetHeartbeat(999*time.Millisecond), ErrInvalidHeartbeat))
	assert.Equal(t, DefaultHeartbeat, e.Heartbeat())

	require.NoError(t, e.SetHeartbeat(2*time.Second))
	assert.Equal(t, 2*time.Second, e.Heartbeat())
}

func TestEnginesDiscoverEachOther(t *testing.T) {
	bus := NewMemoryBus()
	mock := clock.NewMock()

	idA := peer.New("a", "ns", "127.0.0.1", 9002, 0)
	idB := peer.New("b", "ns", "127.0.0.1", 9003, 0)
	a := newTestEngine(t, bus, mock, idA)
	b := newTestEngine(t, bus, mock, idB)

	var recA, recB recorder
	ctx := context.Background()
	require.NoError(t, a.Start(ctx, recA.onAppear, recA.onDisappear, recA.onError))
	require.NoError(t, b.Start(ctx, recB.onAppear, recB.onDisappear, recB.onError))

	advanceUntil(t, mock, time.Second, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	})

	assert.True(t, a.Peers()[0].Equal(idB))
	assert.True(t, b.Peers()[0].Equal(idA))

	// More heartbeats refresh the peers without reporting them again.
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
	}
	appeared, disappeared, errs := recA.counts()
	assert.Equal(t, 1, appeared)
	assert.Zero(t, disappeared)
	assert.Zero(t, errs)
}

func TestEngineIgnoresOwnHeartbeats(t *testing.T) {
	bus := NewMemoryBus()
	mock := clock.NewMock()

	e := newTestEngine(t, bus, mock, peer.New("a", "ns", "127.0.0.1", 9002, 0))

	// Same id in another namespace is a different identity.
	other := newTestEngine(t, bus, mock, peer.New("a", "other", "127.0.0.1", 9002, 0))

	var rec recorder
	require.NoError(t, e.Start(context.Background(), rec.onAppear, rec.onDisappear, rec.onError))
	require.NoError(t, other.Start(context.Background(), nil, nil, nil))

	advanceUntil(t, mock, time.Second, func() bool { return len(e.Peers()) == 1 })
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
	}

	peers := e.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "other", peers[0].Namespace)

	appeared, _, _ := rec.counts()
	assert.Equal(t, 1, appeared)
}

func TestEngineEvictsSilentPeer(t *testing.T) {
	bus := NewMemoryBus()
	mock := clock.NewMock()

	idB := peer.New("b", "ns", "127.0.0.1", 9003, 0)
	a := newTestEngine(t, bus, mock, peer.New("a", "ns", "127.0.0.1", 9002, 0))
	b := newTestEngine(t, bus, mock, idB)

	var rec recorder
	require.NoError(t, a.Start(context.Background(), rec.onAppear, rec.onDisappear, rec.onError))
	require.NoError(t, b.Start(context.Background(), nil, nil, nil))

	advanceUntil(t, mock, time.Second, func() bool { return len(a.Peers()) == 1 })
	require.NoError(t, b.Stop())
	// Let heartbeats already on the bus land.
	time.Sleep(50 * time.Millisecond)

	seen, ok := a.LastSeen(idB.Key())
	require.True(t, ok)

	// Still alive just before the timeout.
	mock.Set(seen.Add(TimeoutFactor*time.Second - LivenessTick))
	assert.Len(t, a.Peers(), 1)
	_, disappeared, _ := rec.counts()
	assert.Zero(t, disappeared)

	// Gone within two liveness ticks of the timeout.
	mock.Add(LivenessTick)
	mock.Add(LivenessTick)
	require.Eventually(t, func() bool {
		_, disappeared, _ := rec.counts()
		return disappeared == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, a.Peers())
	_, ok = a.LastSeen(idB.Key())
	assert.False(t, ok)

	rec.mu.Lock()
	assert.True(t, rec.disappeared[0].Equal(idB))
	rec.mu.Unlock()

	// Eviction is reported once.
	for i := 0; i < 10; i++ {
		mock.Add(LivenessTick)
	}
	_, disappeared, _ = rec.counts()
	assert.Equal(t, 1, disappeared)
}

func TestEngineRefreshesPeerPosition(t *testing.T) {
	bus := NewMemoryBus()
	mock := clock.NewMock()

	idB := peer.New("b", "ns", "127.0.0.1", 9003, 0)
	a := newTestEngine(t, bus, mock, peer.New("a", "ns", "127.0.0.1", 9002, 0))
	b := newTestEngine(t, bus, mock, idB)

	require.NoError(t, a.Start(context.Background(), nil, nil, nil))
	require.NoError(t, b.Start(context.Background(), nil, nil, nil))
	advanceUntil(t, mock, time.Second, func() bool { return len(a.Peers()) == 1 })

	require.NoError(t, b.UpdateIdentityPosition(idB, 7.5))
	assert.Equal(t, 7.5, idB.Position())

	advanceUntil(t, mock, time.Second, func() bool {
		peers := a.Peers()
		return len(peers) == 1 && peers[0].Position() == 7.5
	})

	err := b.UpdateIdentityPosition(peer.New("nope", "ns", "h", 1, 0), 1)
	assert.True(t, errors.Is(err, ErrUnknownIdentity))
}

func TestEngineReportsMalformedHeartbeat(t *testing.T) {
	bus := NewMemoryBus()
	mock := clock.NewMock()
	e := newTestEngine(t, bus, mock, peer.New("a", "ns", "127.0.0.1", 9002, 0))

	var rec recorder
	require.NoError(t, e.Start(context.Background(), rec.onAppear, rec.onDisappear, rec.onError))

	pub := bus.Publisher()
	require.NoError(t, pub.Open(context.Background()))
	require.NoError(t, pub.Publish(context.Background(), []byte("not a heartbeat")))

	require.Eventually(t, func() bool {
		_, _, errs := rec.counts()
		return errs == 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	assert.True(t, errors.Is(rec.errs[0], ErrMalformedHeartbeat))
	rec.mu.Unlock()
	assert.Empty(t, e.Peers())
}

func TestEngineCallbackErrorsReachErrorHandler(t *testing.T) {
	bus := NewMemoryBus()
	mock := clock.NewMock()
	a := newTestEngine(t, bus, mock, peer.New("a", "ns", "127.0.0.1", 9002, 0))
	b := newTestEngine(t, bus, mock, peer.New("b", "ns", "127.0.0.1", 9003, 0))

	boom := errors.New("boom")
	var rec recorder
	onAppear := func(context.Context, *peer.Identity) error { return boom }
	require.NoError(t, a.Start(context.Background(), onAppear, nil, rec.onError))
	require.NoError(t, b.Start(context.Background(), nil, nil, nil))

	advanceUntil(t, mock, time.Second, func() bool {
		_, _, errs := rec.counts()
		return errs > 0
	})
	rec.mu.Lock()
	assert.ErrorIs(t, rec.errs[0], boom)
	rec.mu.Unlock()
}

func TestEngineStartStopIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	mock := clock.NewMock()
	a := newTestEngine(t, bus, mock, peer.New("a", "ns", "127.0.0.1", 9002, 0))
	b := newTestEngine(t, bus, mock, peer.New("b", "ns", "127.0.0.1", 9003, 0))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx, nil, nil, nil))
	require.NoError(t, a.Start(ctx, nil, nil, nil))
	assert.True(t, a.Running())
	require.NoError(t, b.Start(ctx, nil, nil, nil))

	advanceUntil(t, mock, time.Second, func() bool { return len(a.Peers()) == 1 })

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.False(t, a.Running())
	assert.Empty(t, a.Peers())

	// A stopped engine can be started again.
	require.NoError(t, a.Start(ctx, nil, nil, nil))
	advanceUntil(t, mock, time.Second, func() bool { return len(a.Peers()) == 1 })
}

func TestEngineIdentities(t *testing.T) {
	bus := NewMemoryBus()
	e, err := NewEngine(bus.Publisher(), bus.Subscriber(), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	id := peer.New("a", "ns", "h", 1, 0)
	e.AddIdentity(id)
	e.AddIdentity(peer.New("a", "ns2", "h", 1, 0))
	assert.Len(t, e.Identities(), 2)

	// Removal matches on (id, namespace) only.
	e.RemoveIdentity(peer.New("a", "ns", "other", 2, 0))
	require.Len(t, e.Identities(), 1)
	assert.Equal(t, "ns2", e.Identities()[0].Namespace)
}

func TestUpdateIdentityPositionRejectsNonFinite(t *testing.T) {
	e := newTestEngine(t, NewMemoryBus(), clock.NewMock())
	id := peer.New("a", "ns", "127.0.0.1", 1, 1)
	e.AddIdentity(id)

	assert.ErrorIs(t, e.UpdateIdentityPosition(id, math.NaN()), peer.ErrInvalidPosition)
	assert.ErrorIs(t, e.UpdateIdentityPosition(id, math.Inf(-1)), peer.ErrInvalidPosition)
	assert.Equal(t, 1.0, id.Position())

	require.NoError(t, e.UpdateIdentityPosition(id, 4))
	assert.Equal(t, 4.0, id.Position())
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestUDPTransport(t *testing.T) {
	port := freeUDPPort(t)
	ctx := context.Background()

	rx := NewUDPReceiver("127.0.0.1", port)
	if err := rx.Open(ctx); err != nil {
		t.Skipf("UDP unavailable: %v", err)
	}
	defer rx.Close()

	tx := NewUDPBroadcaster("127.0.0.1", port)
	require.NoError(t, tx.Open(ctx))
	defer tx.Close()

	got := make(chan []byte, 1)
	sub := rx.Subscribe(func(data []byte) {
		select {
		case got <- data:
		default:
		}
	}, nil)
	defer sub.Dispose()

	require.NoError(t, tx.Publish(ctx, []byte("hello")))

	select {
	case data := <-got:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("datagram was not received")
	}
}

func TestUDPPublishBeforeOpen(t *testing.T) {
	tx := NewUDPBroadcaster("", 0)
	assert.Equal(t, DefaultBroadcastAddr, tx.BroadcastAddr)
	assert.Equal(t, DefaultDiscoveryPort, tx.Port)
	assert.ErrorIs(t, tx.Publish(context.Background(), []byte("x")), ErrNotOpen)
	assert.NoError(t, tx.Close())
}

// failingConn fails every read until it is closed.
type failingConn struct {
	closed atomic.Bool
}

func (c *failingConn) ReadFrom([]byte) (int, net.Addr, error) {
	if c.closed.Load() {
		return 0, nil, net.ErrClosed
	}
	return 0, nil, errors.New("connection reset")
}

func (c *failingConn) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }
func (c *failingConn) Close() error                              { c.closed.Store(true); return nil }
func (c *failingConn) LocalAddr() net.Addr                       { return &net.UDPAddr{} }
func (c *failingConn) SetDeadline(time.Time) error               { return nil }
func (c *failingConn) SetReadDeadline(time.Time) error           { return nil }
func (c *failingConn) SetWriteDeadline(time.Time) error          { return nil }

func TestUDPReceiverBacksOffOnReadErrors(t *testing.T) {
	rx := NewUDPReceiver("127.0.0.1", 1)

	var reported atomic.Int32
	sub := rx.Subscribe(nil, func(error) { reported.Add(1) })
	defer sub.Dispose()

	rx.mu.Lock()
	rx.start(&failingConn{})
	rx.mu.Unlock()

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, rx.Close())

	n := reported.Load()
	assert.GreaterOrEqual(t, n, int32(1))
	assert.LessOrEqual(t, n, int32(4), "read errors should be paced")
}

// FuzzHandleHeartbeat checks that arbitrary datagrams never panic the engine.
// Run with: go test -fuzz=FuzzHandleHeartbeat -fuzztime=30s ./discovery/
func FuzzHandleHeartbeat(f *testing.F) {
	f.Add([]byte(`{"id":"1","namespace":"foo","host":"127.0.0.1","port":9002,"position":0}`))
	f.Add([]byte(`{"id":"","namespace":"foo"}`))
	f.Add([]byte{0xff, 0x00})

	bus := NewMemoryBus()
	e, err := NewEngine(bus.Publisher(), bus.Subscriber(), WithLogger(zap.NewNop()))
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		e.handleHeartbeat(context.Background(), data, nil, func(error) {})
	})
}
