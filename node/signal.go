package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTimeout is returned when a wait does not complete before its deadline.
// It is always wrapped together with context.DeadlineExceeded.
var ErrTimeout = errors.New("timed out")

// signal wakes every waiter at once. Each broadcast closes the current channel
// and installs a fresh one.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// wait returns a channel that is closed by the next broadcast.
func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

// waitUntil blocks until check succeeds or ctx is done. The wake channel is
// taken before every check so no broadcast is missed.
func waitUntil(ctx context.Context, s *signal, check func() bool) error {
	for {
		woken := s.wait()
		if check() {
			return nil
		}
		select {
		case <-woken:
		case <-ctx.Done():
			return ctxError(ctx)
		}
	}
}

func ctxError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
