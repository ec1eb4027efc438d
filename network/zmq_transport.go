package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// MaxFrameSize bounds the total size of a received frame.
const MaxFrameSize = 10 * 1024 * 1024

// Common errors for the ZeroMQ transport
var (
	ErrSocketUnbound      = errors.New("socket is unbound")
	ErrSocketNotConnected = errors.New("socket is not connected")
)

type zmqFrame struct {
	sender   string
	segments [][]byte
	err      error
}

// ZMQReceiver is a ROUTER socket. Every received frame carries the socket
// identity of the DEALER that sent it.
type ZMQReceiver struct {
	mu     sync.RWMutex
	socket zmq4.Socket
	cancel context.CancelFunc
	frames chan zmqFrame
	host   string
	port   int
	wg     sync.WaitGroup
}

// NewZMQReceiver creates an unbound receiver.
func NewZMQReceiver() *ZMQReceiver {
	return &ZMQReceiver{}
}

// Host returns the bound host.
func (r *ZMQReceiver) Host() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// Port returns the bound port.
func (r *ZMQReceiver) Port() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.port
}

// Bind listens on tcp://host:port. A zero port binds to a random free port.
// Binding an already bound receiver returns the current port.
func (r *ZMQReceiver) Bind(_ context.Context, host string, port int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.socket != nil {
		return r.port, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket := zmq4.NewRouter(ctx)

	endpoint := fmt.Sprintf("tcp://%s:%d", host, port)
	if err := socket.Listen(endpoint); err != nil {
		cancel()
		_ = socket.Close()
		return 0, fmt.Errorf("failed to bind router on %s: %w", endpoint, err)
	}

	if port == 0 {
		tcpAddr, ok := socket.Addr().(*net.TCPAddr)
		if !ok {
			cancel()
			_ = socket.Close()
			return 0, fmt.Errorf("failed to resolve bound port on %s", endpoint)
		}
		port = tcpAddr.Port
	}

	r.socket = socket
	r.cancel = cancel
	r.frames = make(chan zmqFrame)
	r.host = host
	r.port = port

	r.wg.Add(1)
	go r.pump(ctx, socket, r.frames)

	return port, nil
}

// pump moves frames from the socket to the frames channel so Recv can honour
// its context. The channel is unbuffered, so at most one frame is held
// while no one is receiving.
func (r *ZMQReceiver) pump(ctx context.Context, socket zmq4.Socket, frames chan<- zmqFrame) {
	defer r.wg.Done()
	defer close(frames)

	for {
		msg, err := socket.Recv()
		var f zmqFrame
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.err = fmt.Errorf("failed to receive frame: %w", err)
		} else {
			f = parseRouterFrame(msg.Frames)
		}

		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// parseRouterFrame splits [sender, "", segments...] into its parts.
// Oversized frames keep the sender but lose their segments, so they are
// reported as malformed.
func parseRouterFrame(frames [][]byte) zmqFrame {
	if len(frames) == 0 {
		return zmqFrame{}
	}

	sender := string(frames[0])
	size := 0
	for _, f := range frames {
		size += len(f)
	}
	if size > MaxFrameSize {
		return zmqFrame{sender: sender}
	}

	rest := frames[1:]
	if len(rest) > 0 && len(rest[0]) == 0 {
		rest = rest[1:]
	}
	return zmqFrame{sender: sender, segments: rest}
}

// Recv returns the next frame.
func (r *ZMQReceiver) Recv(ctx context.Context) (string, [][]byte, error) {
	r.mu.RLock()
	frames := r.frames
	r.mu.RUnlock()

	if frames == nil {
		return "", nil, ErrSocketUnbound
	}

	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case f, ok := <-frames:
		if !ok {
			return "", nil, ErrSocketUnbound
		}
		return f.sender, f.segments, f.err
	}
}

// Close closes the socket and waits for the pump to exit.
func (r *ZMQReceiver) Close() error {
	r.mu.Lock()
	socket, cancel := r.socket, r.cancel
	r.socket = nil
	r.cancel = nil
	r.frames = nil
	r.host = ""
	r.port = 0
	r.mu.Unlock()

	if socket == nil {
		return nil
	}

	cancel()
	err := socket.Close()
	r.wg.Wait()
	return err
}

// ZMQTransmitter is a DEALER socket whose identity is the node id.
type ZMQTransmitter struct {
	id string

	mu     sync.Mutex
	socket zmq4.Socket
	cancel context.CancelFunc
	host   string
	port   int
}

// NewZMQTransmitter creates an unconnected transmitter with the given socket identity.
func NewZMQTransmitter(id string) *ZMQTransmitter {
	return &ZMQTransmitter{id: id}
}

// ZMQTransmitterFactory returns a factory of transmitters sharing the node id.
func ZMQTransmitterFactory(id string) TransmitterFactory {
	return func() Transmitter { return NewZMQTransmitter(id) }
}

// Connect dials tcp://host:port. Connecting a connected transmitter is a no-op.
func (t *ZMQTransmitter) Connect(_ context.Context, host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.socket != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(t.id)))

	endpoint := fmt.Sprintf("tcp://%s:%d", host, port)
	if err := socket.Dial(endpoint); err != nil {
		cancel()
		_ = socket.Close()
		return fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	t.socket = socket
	t.cancel = cancel
	t.host = host
	t.port = port
	return nil
}

// Send sends the segments behind an empty delimiter frame.
func (t *ZMQTransmitter) Send(_ context.Context, segments ...[]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.socket == nil {
		return ErrSocketNotConnected
	}

	frames := make([][]byte, 0, len(segments)+1)
	frames = append(frames, []byte{})
	frames = append(frames, segments...)
	return t.socket.SendMulti(zmq4.NewMsgFrom(frames...))
}

// Close closes the socket.
func (t *ZMQTransmitter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.socket == nil {
		return nil
	}

	t.cancel()
	err := t.socket.Close()
	t.socket = nil
	t.cancel = nil
	t.host = ""
	t.port = 0
	return err
}
