package task

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Post after Close.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is a bounded multi-producer queue drained by one owner.
// The channel is never closed, so late senders cannot panic.
type Mailbox[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewMailbox returns a mailbox holding up to size pending messages.
func NewMailbox[T any](size int) *Mailbox[T] {
	if size < 0 {
		size = 0
	}
	return &Mailbox[T]{
		ch:   make(chan T, size),
		done: make(chan struct{}),
	}
}

// Post enqueues v, waiting for room until ctx is done or the mailbox closes.
func (m *Mailbox[T]) Post(ctx context.Context, v T) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- v:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost enqueues v only if there is room right now.
func (m *Mailbox[T]) TryPost(v T) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.ch <- v:
		return true
	default:
		return false
	}
}

// Receive returns the channel the owner reads from.
func (m *Mailbox[T]) Receive() <-chan T {
	return m.ch
}

// Done is closed by Close.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	return len(m.ch)
}

// Close stops accepting messages. Queued messages stay readable.
func (m *Mailbox[T]) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}
