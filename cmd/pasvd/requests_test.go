package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueue_FIFO(t *testing.T) {
	q := NewRequestQueue()

	for i := 0; i < 100; i++ {
		require.NoError(t, q.Push(ChangeVolume{Change: Absolute{Value: float64(i)}}))
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		cmd, err := q.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, float64(i), cmd.(ChangeVolume).Change.(Absolute).Value)
	}
	assert.Equal(t, 0, q.Len())
}

func TestRequestQueue_TryRecvEmpty(t *testing.T) {
	q := NewRequestQueue()

	cmd, ok := q.TryRecv()
	assert.False(t, ok)
	assert.Nil(t, cmd)

	require.NoError(t, q.Push(QueryVolume{}))
	cmd, ok = q.TryRecv()
	assert.True(t, ok)
	assert.IsType(t, QueryVolume{}, cmd)
}

func TestRequestQueue_RecvBlocksUntilPush(t *testing.T) {
	q := NewRequestQueue()

	got := make(chan Command, 1)
	go func() {
		cmd, err := q.Recv(context.Background())
		if err == nil {
			got <- cmd
		}
	}()

	select {
	case <-got:
		t.Fatal("Recv returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push(ChangeVolume{Change: Increase{Delta: 0.1}}))

	select {
	case cmd := <-got:
		assert.IsType(t, ChangeVolume{}, cmd)
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake up after Push")
	}
}

func TestRequestQueue_RecvCanceled(t *testing.T) {
	q := NewRequestQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestQueue_Close(t *testing.T) {
	q := NewRequestQueue()
	require.NoError(t, q.Push(QueryVolume{}))
	q.Close()

	assert.ErrorIs(t, q.Push(QueryVolume{}), ErrQueueClosed)

	// Pending items drain before the closed error surfaces.
	_, err := q.Recv(context.Background())
	require.NoError(t, err)
	_, err = q.Recv(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRequestQueue_ConcurrentProducer(t *testing.T) {
	q := NewRequestQueue()
	const n = 500

	go func() {
		for i := 0; i < n; i++ {
			_ = q.Push(ChangeVolume{Change: Absolute{Value: float64(i)}})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		cmd, err := q.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, float64(i), cmd.(ChangeVolume).Change.(Absolute).Value)
	}
}
