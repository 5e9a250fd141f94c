// Package sequelizer runs asynchronous critical sections one at a time in
// submission order.
package sequelizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/time/rate"
)

// Sequelizer is a FIFO async mutex. At most one task body executes at a
// time; a task starts only after every earlier task has settled, and a
// failing task does not stop the ones behind it.
type Sequelizer struct {
	mu      sync.Mutex
	pending *queue.Queue
	running bool

	limiter *rate.Limiter
}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Option configures a Sequelizer.
type Option func(*Sequelizer)

// WithMinInterval spaces task starts at least d apart.
func WithMinInterval(d time.Duration) Option {
	return func(s *Sequelizer) {
		if d > 0 {
			s.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// New creates an idle Sequelizer.
func New(opts ...Option) *Sequelizer {
	s := &Sequelizer{pending: queue.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends fn to the queue and returns a channel that receives its
// result once it has run. A task whose ctx is done before it reaches the
// head of the queue is skipped and settles with ctx.Err().
func (s *Sequelizer) Enqueue(ctx context.Context, fn func(context.Context) error) <-chan error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	s.pending.Add(t)
	start := !s.running
	s.running = true
	s.mu.Unlock()

	if start {
		go s.drain()
	}
	return t.done
}

// Do enqueues fn and waits for it to settle.
func (s *Sequelizer) Do(ctx context.Context, fn func(context.Context) error) error {
	return <-s.Enqueue(ctx, fn)
}

// Run is Do for tasks that produce a value.
func Run[T any](ctx context.Context, s *Sequelizer, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// Len returns the number of tasks waiting to start.
func (s *Sequelizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Length()
}

func (s *Sequelizer) drain() {
	for {
		s.mu.Lock()
		if s.pending.Length() == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		t := s.pending.Remove().(*task)
		s.mu.Unlock()

		t.done <- s.run(t)
	}
}

func (s *Sequelizer) run(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sequelized task panicked: %v", r)
		}
	}()

	if s.limiter != nil {
		if err := s.limiter.Wait(t.ctx); err != nil {
			return err
		}
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.fn(t.ctx)
}
