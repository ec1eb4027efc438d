package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/logging"
)

const (
	// DefaultBroadcastAddr is the limited broadcast address used for heartbeats.
	DefaultBroadcastAddr = "255.255.255.255"
	// DefaultListenAddr binds the receiver on every interface.
	DefaultListenAddr = "0.0.0.0"
	// DefaultDiscoveryPort is the UDP port heartbeats are exchanged on.
	DefaultDiscoveryPort = 9001

	maxDatagramSize = 65535

	// readErrorBackoff is the pause after a failed read before retrying.
	readErrorBackoff = 100 * time.Millisecond
)

// Common errors for the UDP transport
var (
	ErrNotOpen = errors.New("transport is not open")
)

// UDPBroadcaster publishes heartbeats as UDP broadcast datagrams.
type UDPBroadcaster struct {
	BroadcastAddr string
	Port          int

	mu     sync.RWMutex
	conn   net.PacketConn
	remote *net.UDPAddr
}

// NewUDPBroadcaster creates a broadcaster for addr:port. Empty values use the defaults.
func NewUDPBroadcaster(addr string, port int) *UDPBroadcaster {
	if addr == "" {
		addr = DefaultBroadcastAddr
	}
	if port == 0 {
		port = DefaultDiscoveryPort
	}
	return &UDPBroadcaster{BroadcastAddr: addr, Port: port}
}

// Open creates the sending socket with broadcast permission.
func (b *UDPBroadcaster) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	remote, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(b.BroadcastAddr, strconv.Itoa(b.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve broadcast address: %w", err)
	}

	lc := net.ListenConfig{Control: broadcastControl}
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return fmt.Errorf("failed to open broadcast socket: %w", err)
	}

	b.conn = conn
	b.remote = remote
	return nil
}

// Close closes the socket.
func (b *UDPBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Publish sends one datagram to the broadcast address.
func (b *UDPBroadcaster) Publish(ctx context.Context, data []byte) error {
	b.mu.RLock()
	conn, remote := b.conn, b.remote
	b.mu.RUnlock()

	if conn == nil {
		return ErrNotOpen
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	_, err := conn.WriteTo(data, remote)
	return err
}

type udpSubscription struct {
	onRecv  func([]byte)
	onError func(error)
}

// UDPReceiver receives heartbeat datagrams and fans them out to subscribers.
type UDPReceiver struct {
	ListenAddr string
	Port       int

	log *zap.Logger

	mu     sync.Mutex
	conn   net.PacketConn
	done   chan struct{}
	subs   map[uint64]udpSubscription
	nextID uint64
	wg     sync.WaitGroup
}

// NewUDPReceiver creates a receiver bound to addr:port. Empty values use the defaults.
func NewUDPReceiver(addr string, port int) *UDPReceiver {
	if addr == "" {
		addr = DefaultListenAddr
	}
	if port == 0 {
		port = DefaultDiscoveryPort
	}
	return &UDPReceiver{
		ListenAddr: addr,
		Port:       port,
		log:        logging.Logger("discovery/udp"),
		subs:       make(map[uint64]udpSubscription),
	}
}

// Open binds the socket with address reuse and starts reading.
func (r *UDPReceiver) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(r.ListenAddr, strconv.Itoa(r.Port)))
	if err != nil {
		return fmt.Errorf("failed to bind discovery socket: %w", err)
	}
	r.start(conn)

	r.log.Debug("discovery receiver listening", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

// start runs the read loop on conn. The caller holds r.mu.
func (r *UDPReceiver) start(conn net.PacketConn) {
	r.conn = conn
	r.done = make(chan struct{})

	r.wg.Add(1)
	go r.readLoop(conn, r.done)
}

// Close closes the socket and waits for the read loop to exit.
func (r *UDPReceiver) Close() error {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.conn, r.done = nil, nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)
	err := conn.Close()
	r.wg.Wait()
	return err
}

// Subscribe attaches callbacks until the returned Disposable is disposed.
func (r *UDPReceiver) Subscribe(onRecv func([]byte), onError func(error)) Disposable {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.subs[id] = udpSubscription{onRecv: onRecv, onError: onError}

	return DisposeFunc(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	})
}

func (r *UDPReceiver) snapshot() []udpSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]udpSubscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	return subs
}

func (r *UDPReceiver) readLoop(conn net.PacketConn, done <-chan struct{}) {
	defer r.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			for _, s := range r.snapshot() {
				if s.onError != nil {
					s.onError(fmt.Errorf("failed to read datagram: %w", err))
				}
			}
			select {
			case <-done:
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		for _, s := range r.snapshot() {
			if s.onRecv != nil {
				s.onRecv(data)
			}
		}
	}
}
