package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_FIFO(t *testing.T) {
	q := NewCommandQueue()
	q.Enqueue(PendingCommand{Target: "eui-b", Body: []byte("p1"), EnqueuedAt: t0})
	q.Enqueue(PendingCommand{Target: "eui-b", Body: []byte("p2"), EnqueuedAt: t0})

	first, ok := q.DequeueOne("eui-b")
	require.True(t, ok)
	assert.Equal(t, []byte("p1"), first.Body)

	second, ok := q.DequeueOne("eui-b")
	require.True(t, ok)
	assert.Equal(t, []byte("p2"), second.Body)

	_, ok = q.DequeueOne("eui-b")
	assert.False(t, ok)
	assert.Empty(t, q.Pending(), "drained queues are removed")
}

func TestCommandQueue_PerTargetIsolation(t *testing.T) {
	q := NewCommandQueue()
	q.Enqueue(PendingCommand{Target: "eui-a", Body: []byte("x")})
	q.Enqueue(PendingCommand{Target: "eui-b", Body: []byte("y")})
	q.Enqueue(PendingCommand{Target: "eui-b", Body: []byte("z")})

	assert.Equal(t, 1, q.Depth("eui-a"))
	assert.Equal(t, 2, q.Depth("eui-b"))
	assert.Equal(t, 3, q.Total())
	assert.Equal(t, map[string]int{"eui-a": 1, "eui-b": 2}, q.Pending())

	peek := q.Peek("eui-b")
	require.Len(t, peek, 2)
	assert.Equal(t, []byte("y"), peek[0].Body)
	assert.Equal(t, 2, q.Depth("eui-b"), "peek does not consume")

	_, ok := q.DequeueOne("eui-c")
	assert.False(t, ok)
}

func TestCommandQueue_ExpireBefore(t *testing.T) {
	q := NewCommandQueue()
	q.Enqueue(PendingCommand{Target: "eui-a", Body: []byte("old-a"), EnqueuedAt: t0.Add(time.Minute)})
	q.Enqueue(PendingCommand{Target: "eui-b", Body: []byte("old-b"), EnqueuedAt: t0})
	q.Enqueue(PendingCommand{Target: "eui-b", Body: []byte("new-b"), EnqueuedAt: t0.Add(2 * time.Hour)})

	expired := q.ExpireBefore(t0.Add(time.Hour))
	require.Len(t, expired, 2)
	assert.Equal(t, []byte("old-b"), expired[0].Body)
	assert.Equal(t, []byte("old-a"), expired[1].Body)

	assert.Equal(t, 0, q.Depth("eui-a"))
	cmd, ok := q.DequeueOne("eui-b")
	require.True(t, ok)
	assert.Equal(t, []byte("new-b"), cmd.Body)
}

func TestCommandQueue_ConcurrentProducers(t *testing.T) {
	q := NewCommandQueue()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Enqueue(PendingCommand{Target: "eui-b"})
			}
		}()
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := q.DequeueOne("eui-b"); !ok {
			break
		}
		n++
	}
	assert.Equal(t, 800, n)
}
