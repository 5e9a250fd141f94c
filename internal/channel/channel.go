// Package channel provides the message-passing abstraction between execution
// contexts: an in-process pipe, a websocket, and a WebRTC data channel. Every
// implementation delivers envelopes FIFO to a single handler.
package channel

import (
	"sync"

	"github.com/1ureka/interlink/internal/protocol"
)

// DefaultBuffer is the inbound queue capacity of a channel end.
const DefaultBuffer = 256

// Channel carries envelopes to the other side of a connection.
type Channel interface {
	// Send delivers env to the other side. It blocks while the other side's
	// inbound queue is full and fails once the channel is closed.
	Send(env *protocol.Envelope) error
	// OnMessage sets the inbound handler. Messages received before a handler
	// is set are queued. The handler runs on the channel's delivery
	// goroutine, one message at a time.
	OnMessage(fn func(*protocol.Envelope))
	// Done is closed when the channel is severed from either side.
	Done() <-chan struct{}
	Close() error
}

// inbox serializes delivery of inbound envelopes to the current handler.
type inbox struct {
	ch chan *protocol.Envelope

	mu        sync.Mutex
	handler   func(*protocol.Envelope)
	ready     chan struct{}
	readyOnce sync.Once
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &inbox{
		ch:    make(chan *protocol.Envelope, size),
		ready: make(chan struct{}),
	}
}

func (b *inbox) setHandler(fn func(*protocol.Envelope)) {
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
	if fn != nil {
		b.readyOnce.Do(func() { close(b.ready) })
	}
}

// push enqueues env, blocking while the queue is full. It reports false when
// done closed first.
func (b *inbox) push(env *protocol.Envelope, done <-chan struct{}) bool {
	select {
	case b.ch <- env:
		return true
	case <-done:
		return false
	}
}

// run delivers queued envelopes until done is closed. Envelopes still queued
// at that point are discarded.
func (b *inbox) run(done <-chan struct{}) {
	select {
	case <-b.ready:
	case <-done:
		return
	}

	for {
		select {
		case env := <-b.ch:
			b.mu.Lock()
			fn := b.handler
			b.mu.Unlock()
			if fn != nil {
				fn(env)
			}
		case <-done:
			return
		}
	}
}
