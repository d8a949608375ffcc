package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PreservesOrderWithoutConsumer(t *testing.T) {
	q := New[int]()

	// Nobody reads yet; Push must never block.
	for i := 0; i < 1000; i++ {
		require.True(t, q.Push(i))
	}

	for i := 0; i < 1000; i++ {
		select {
		case v := <-q.Out():
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for value %d", i)
		}
	}
}

func TestQueue_CloseDrainsPending(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")
	q.Close()

	assert.False(t, q.Push("c"), "push after close is rejected")

	var got []string
	for v := range q.Out() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestQueue_Len(t *testing.T) {
	q := New[int]()
	defer q.Close()

	q.Push(1)
	q.Push(2)
	q.Push(3)

	// The pump may already hold one value ready for Out.
	assert.GreaterOrEqual(t, q.Len(), 2)

	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, <-q.Out())
	}
	assert.Zero(t, q.Len())
}
