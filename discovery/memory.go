package discovery

import (
	"context"
	"sync"
)

const memoryBacklog = 256

// MemoryBus is an in-process broadcast domain. Every frame published on the bus
// is delivered to every open subscriber, including the publisher's own node.
// Delivery is asynchronous and frames are dropped when a subscriber falls behind.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*MemorySubscriber]struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*MemorySubscriber]struct{})}
}

// Publisher returns a new publisher attached to the bus.
func (b *MemoryBus) Publisher() *MemoryPublisher {
	return &MemoryPublisher{bus: b}
}

// Subscriber returns a new subscriber attached to the bus.
func (b *MemoryBus) Subscriber() *MemorySubscriber {
	return &MemorySubscriber{bus: b}
}

func (b *MemoryBus) publish(data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		frame := make([]byte, len(data))
		copy(frame, data)
		select {
		case s.inbox <- frame:
		default:
		}
	}
}

// MemoryPublisher publishes onto a MemoryBus.
type MemoryPublisher struct {
	bus *MemoryBus

	mu   sync.RWMutex
	open bool
}

// Open enables publishing.
func (p *MemoryPublisher) Open(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	return nil
}

// Close disables publishing.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	return nil
}

// Publish delivers data to every open subscriber on the bus.
func (p *MemoryPublisher) Publish(ctx context.Context, data []byte) error {
	p.mu.RLock()
	open := p.open
	p.mu.RUnlock()

	if !open {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.bus.publish(data)
	return nil
}

// MemorySubscriber receives frames from a MemoryBus.
type MemorySubscriber struct {
	bus   *MemoryBus
	inbox chan []byte

	mu       sync.Mutex
	handlers map[uint64]func([]byte)
	nextID   uint64
	done     chan struct{}
	wg       sync.WaitGroup
}

// Open attaches the subscriber to the bus and starts delivery.
func (s *MemorySubscriber) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return nil
	}
	if s.handlers == nil {
		s.handlers = make(map[uint64]func([]byte))
	}
	s.inbox = make(chan []byte, memoryBacklog)
	s.done = make(chan struct{})

	s.bus.mu.Lock()
	s.bus.subs[s] = struct{}{}
	s.bus.mu.Unlock()

	s.wg.Add(1)
	go s.deliver(s.inbox, s.done)
	return nil
}

// Close detaches the subscriber from the bus and waits for delivery to stop.
func (s *MemorySubscriber) Close() error {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	close(done)
	s.wg.Wait()
	return nil
}

// Subscribe attaches a handler. The bus never reports errors, so onError is unused.
func (s *MemorySubscriber) Subscribe(onRecv func([]byte), _ func(error)) Disposable {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[uint64]func([]byte))
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = onRecv

	return DisposeFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	})
}

func (s *MemorySubscriber) deliver(inbox <-chan []byte, done <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-done:
			return
		case data := <-inbox:
			s.mu.Lock()
			handlers := make([]func([]byte), 0, len(s.handlers))
			for _, h := range s.handlers {
				handlers = append(handlers, h)
			}
			s.mu.Unlock()

			for _, h := range handlers {
				h(data)
			}
		}
	}
}
