package node

import (
	"errors"
	"sync"

	"github.com/VanDung-dev/scatterbrained/peer"
)

// DefaultHWM is the default capacity of a namespace message queue.
const DefaultHWM = 10_000

// Common errors for queue operations
var (
	ErrInvalidHWM = errors.New("queue capacity must be positive")
)

// Message is a payload received from a peer.
type Message struct {
	From    *peer.Identity
	Payload [][]byte
}

// MessageQueue is a bounded queue of messages. Pop returns the most recently
// pushed message. Pushing onto a full queue discards the oldest message.
type MessageQueue struct {
	buf     []*Message
	head    int // index of the oldest message
	size    int
	dropped uint64
	mu      sync.Mutex
}

// NewMessageQueue creates a new MessageQueue holding at most hwm messages.
func NewMessageQueue(hwm int) (*MessageQueue, error) {
	if hwm <= 0 {
		return nil, ErrInvalidHWM
	}
	return &MessageQueue{buf: make([]*Message, hwm)}, nil
}

// Push appends a message and reports whether the oldest one was discarded to make room.
func (q *MessageQueue) Push(msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = msg
		q.head = (q.head + 1) % capacity
		q.dropped++
		return true
	}

	q.buf[(q.head+q.size)%capacity] = msg
	q.size++
	return false
}

// Pop removes and returns the most recently pushed message.
func (q *MessageQueue) Pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false
	}

	i := (q.head + q.size - 1) % len(q.buf)
	msg := q.buf[i]
	q.buf[i] = nil // avoid memory leak
	q.size--
	return msg, true
}

// Size returns the current number of messages.
func (q *MessageQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Clear removes all messages.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.buf {
		q.buf[i] = nil
	}
	q.head = 0
	q.size = 0
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Size    int    `json:"size"`
	HWM     int    `json:"hwm"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns queue statistics.
func (q *MessageQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Size:    q.size,
		HWM:     len(q.buf),
		Dropped: q.dropped,
	}
}
