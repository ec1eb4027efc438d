package node

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/scatterbrained/peer"
)

func message(i int) *Message {
	return &Message{
		From:    peer.New("sender", "ns", "127.0.0.1", 1, 0),
		Payload: [][]byte{[]byte(fmt.Sprintf("msg-%d", i))},
	}
}

func payloadOf(t *testing.T, msg *Message) string {
	t.Helper()
	require.NotNil(t, msg)
	require.Len(t, msg.Payload, 1)
	return string(msg.Payload[0])
}

func TestNewMessageQueue(t *testing.T) {
	_, err := NewMessageQueue(0)
	assert.ErrorIs(t, err, ErrInvalidHWM)

	q, err := NewMessageQueue(4)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, QueueStats{Size: 0, HWM: 4}, q.Stats())
}

func TestMessageQueuePopIsLIFO(t *testing.T) {
	q, err := NewMessageQueue(10)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.False(t, q.Push(message(i)))
	}

	for _, want := range []string{"msg-2", "msg-1", "msg-0"} {
		msg, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, payloadOf(t, msg))
	}

	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestMessageQueueDropsOldest(t *testing.T) {
	const hwm = 5
	q, err := NewMessageQueue(hwm)
	require.NoError(t, err)

	for i := 0; i < hwm; i++ {
		assert.False(t, q.Push(message(i)))
	}
	assert.True(t, q.Push(message(hwm)))

	assert.Equal(t, hwm, q.Size())
	assert.Equal(t, uint64(1), q.Stats().Dropped)

	var got []string
	for {
		msg, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, payloadOf(t, msg))
	}
	assert.Equal(t, []string{"msg-5", "msg-4", "msg-3", "msg-2", "msg-1"}, got)
}

func TestMessageQueueWrapsAround(t *testing.T) {
	q, err := NewMessageQueue(3)
	require.NoError(t, err)

	// Interleave pushes and pops so the ring wraps several times.
	for i := 0; i < 10; i++ {
		q.Push(message(i))
		if i%2 == 1 {
			msg, ok := q.Pop()
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("msg-%d", i), payloadOf(t, msg))
		}
	}
	require.Equal(t, 2, q.Size())
	msg, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "msg-8", payloadOf(t, msg))

	q.Clear()
	assert.Equal(t, 0, q.Size())
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestMessageQueueConcurrentPush(t *testing.T) {
	q, err := NewMessageQueue(100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Push(message(w*50 + i))
			}
		}(w)
	}
	wg.Wait()

	stats := q.Stats()
	assert.Equal(t, 100, stats.Size)
	assert.Equal(t, uint64(400), stats.Dropped)
}

func TestOperatingMode(t *testing.T) {
	for _, m := range []OperatingMode{ModePeer, ModeLeeching, ModeOffline, ModeSeeding} {
		parsed, err := ParseOperatingMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	assert.True(t, ModePeer.Connects())
	assert.True(t, ModeSeeding.Connects())
	assert.False(t, ModeLeeching.Connects())
	assert.False(t, ModeOffline.Connects())

	_, err := ParseOperatingMode("lurking")
	assert.Error(t, err)

	var m OperatingMode
	require.NoError(t, m.UnmarshalText([]byte("SEEDING")))
	assert.Equal(t, ModeSeeding, m)
}
