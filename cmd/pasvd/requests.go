package main

import (
	"context"
	"errors"
	"sync"

	list "github.com/bahlo/generic-list-go"
)

// ErrQueueClosed is returned once the queue is closed and drained.
var ErrQueueClosed = errors.New("request queue closed")

// RequestQueue is the unbounded FIFO between the listener and the controller.
//
// Push never blocks, so a burst of requests cannot stall the accept loop.
// It supports exactly one consumer: Recv blocks, TryRecv polls.
type RequestQueue struct {
	mu     sync.Mutex
	items  *list.List[Command]
	closed bool

	// ready holds at most one wakeup for the consumer.
	ready chan struct{}
}

// NewRequestQueue returns an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		items: list.New[Command](),
		ready: make(chan struct{}, 1),
	}
}

// Push appends cmd to the queue.
func (q *RequestQueue) Push(cmd Command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items.PushBack(cmd)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Recv blocks until a command is available, the queue is closed and drained,
// or ctx is canceled.
func (q *RequestQueue) Recv(ctx context.Context) (Command, error) {
	for {
		cmd, ok, closed := q.pop()
		if ok {
			return cmd, nil
		}
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// TryRecv returns the oldest pending command without blocking.
func (q *RequestQueue) TryRecv() (Command, bool) {
	cmd, ok, _ := q.pop()
	return cmd, ok
}

// Len reports the number of pending commands.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting new commands. Pending commands can still be received.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *RequestQueue) pop() (Command, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return nil, false, q.closed
	}
	return q.items.Remove(front), true, q.closed
}

func (q *RequestQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
