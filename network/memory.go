package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const memoryInboxSize = 1024

// Common errors for the in-memory transport
var (
	ErrAddrInUse         = errors.New("address already in use")
	ErrConnectionRefused = errors.New("connection refused")
)

type memoryFrame struct {
	sender   string
	segments [][]byte
}

// MemoryHub connects in-process receivers and transmitters by (host, port).
type MemoryHub struct {
	mu        sync.Mutex
	receivers map[Addr]*MemoryReceiver
	nextPort  int
	dials     atomic.Int64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		receivers: make(map[Addr]*MemoryReceiver),
		nextPort:  20000,
	}
}

// NewReceiver creates an unbound receiver on the hub.
func (h *MemoryHub) NewReceiver() *MemoryReceiver {
	return &MemoryReceiver{hub: h}
}

// NewTransmitter creates an unconnected transmitter that identifies itself as id.
func (h *MemoryHub) NewTransmitter(id string) *MemoryTransmitter {
	return &MemoryTransmitter{hub: h, id: id}
}

// TransmitterFactory returns a factory of transmitters identifying as id.
func (h *MemoryHub) TransmitterFactory(id string) TransmitterFactory {
	return func() Transmitter { return h.NewTransmitter(id) }
}

// Dials returns the number of successful Connect calls on the hub.
func (h *MemoryHub) Dials() int {
	return int(h.dials.Load())
}

func (h *MemoryHub) lookup(addr Addr) *MemoryReceiver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.receivers[addr]
}

// MemoryReceiver is an in-process Receiver.
type MemoryReceiver struct {
	hub *MemoryHub

	mu     sync.RWMutex
	host   string
	port   int
	inbox  chan memoryFrame
	faults chan error
	closed chan struct{}
}

// Host returns the bound host.
func (r *MemoryReceiver) Host() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// Port returns the bound port.
func (r *MemoryReceiver) Port() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.port
}

// Bind registers the receiver on the hub. A zero port picks the next free one.
func (r *MemoryReceiver) Bind(_ context.Context, host string, port int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inbox != nil {
		return r.port, nil
	}

	h := r.hub
	h.mu.Lock()
	if port == 0 {
		for {
			h.nextPort++
			if _, used := h.receivers[Addr{Host: host, Port: h.nextPort}]; !used {
				port = h.nextPort
				break
			}
		}
	}
	addr := Addr{Host: host, Port: port}
	if _, used := h.receivers[addr]; used {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	h.receivers[addr] = r
	h.mu.Unlock()

	r.host = host
	r.port = port
	r.inbox = make(chan memoryFrame, memoryInboxSize)
	r.faults = make(chan error, 1)
	r.closed = make(chan struct{})
	return port, nil
}

// Recv returns the next frame.
func (r *MemoryReceiver) Recv(ctx context.Context) (string, [][]byte, error) {
	r.mu.RLock()
	inbox, faults, closed := r.inbox, r.faults, r.closed
	r.mu.RUnlock()

	if inbox == nil {
		return "", nil, ErrSocketUnbound
	}

	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-closed:
		return "", nil, ErrSocketUnbound
	case err := <-faults:
		return "", nil, err
	case f := <-inbox:
		return f.sender, f.segments, nil
	}
}

// Fail makes a pending or the next Recv return err.
func (r *MemoryReceiver) Fail(err error) {
	r.mu.RLock()
	faults := r.faults
	r.mu.RUnlock()

	if faults == nil {
		return
	}
	select {
	case faults <- err:
	default:
	}
}

// Close unregisters the receiver from the hub.
func (r *MemoryReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inbox == nil {
		return nil
	}

	r.hub.mu.Lock()
	delete(r.hub.receivers, Addr{Host: r.host, Port: r.port})
	r.hub.mu.Unlock()

	close(r.closed)
	r.inbox = nil
	r.faults = nil
	r.host = ""
	r.port = 0
	return nil
}

func (r *MemoryReceiver) deliver(ctx context.Context, f memoryFrame) error {
	r.mu.RLock()
	inbox, closed := r.inbox, r.closed
	r.mu.RUnlock()

	if inbox == nil {
		return ErrConnectionRefused
	}
	select {
	case inbox <- f:
		return nil
	case <-closed:
		return ErrConnectionRefused
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemoryTransmitter is an in-process Transmitter.
type MemoryTransmitter struct {
	hub *MemoryHub
	id  string

	mu   sync.Mutex
	addr *Addr
}

// Connect fails with ErrConnectionRefused when nothing is bound at host:port.
func (t *MemoryTransmitter) Connect(_ context.Context, host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.addr != nil {
		return nil
	}
	addr := Addr{Host: host, Port: port}
	if t.hub.lookup(addr) == nil {
		return fmt.Errorf("%w: %s", ErrConnectionRefused, addr)
	}
	t.addr = &addr
	t.hub.dials.Add(1)
	return nil
}

// Send copies the segments into the remote receiver's inbox.
func (t *MemoryTransmitter) Send(ctx context.Context, segments ...[]byte) error {
	t.mu.Lock()
	addr := t.addr
	t.mu.Unlock()

	if addr == nil {
		return ErrSocketNotConnected
	}
	r := t.hub.lookup(*addr)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrConnectionRefused, *addr)
	}

	copied := make([][]byte, len(segments))
	for i, s := range segments {
		copied[i] = append([]byte(nil), s...)
	}
	return r.deliver(ctx, memoryFrame{sender: t.id, segments: copied})
}

// Close disconnects the transmitter.
func (t *MemoryTransmitter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addr = nil
	return nil
}
