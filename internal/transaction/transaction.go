// Package transaction correlates one asynchronous reply with one outstanding
// request under a mandatory timeout.
package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// DefaultTimeout applies when Create is called with a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// Transaction is a single-settlement future. It ends in exactly one of
// completed, failed or timed out.
type Transaction struct {
	id   string
	done chan struct{}

	timer *time.Timer

	// written once before done is closed
	data json.RawMessage
	err  error
}

// ID returns the id to put on the request envelope.
func (t *Transaction) ID() string { return t.id }

// Done is closed once the transaction has settled.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// Wait blocks until the transaction settles or ctx is done. Abandoning the
// wait does not cancel the transaction; it still settles on reply or timeout.
func (t *Transaction) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-t.done:
		return t.data, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Controller tracks pending transactions by id.
type Controller struct {
	mu      sync.Mutex
	pending map[string]*Transaction
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{pending: make(map[string]*Transaction)}
}

// Create registers a new transaction for op and arms its timeout.
func (c *Controller) Create(op string, timeout time.Duration) *Transaction {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t := &Transaction{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[t.id] = t
	t.timer = time.AfterFunc(timeout, func() {
		if c.settle(t.id, nil, fmt.Errorf("%s (%s) after %v: %w", op, t.id, timeout, protocol.ErrTransactionTimeout)) {
			util.LogDebug("transaction %s (%s) timed out", t.id, op)
		}
	})
	c.mu.Unlock()

	return t
}

// Complete resolves the transaction with data. Unknown or already settled
// ids are ignored; the return value reports whether anything was settled.
func (c *Controller) Complete(id string, data json.RawMessage) bool {
	return c.settle(id, data, nil)
}

// Fail rejects the transaction with reason. Unknown or already settled ids
// are ignored.
func (c *Controller) Fail(id string, reason error) bool {
	if reason == nil {
		reason = fmt.Errorf("transaction %s failed", id)
	}
	return c.settle(id, nil, reason)
}

// Pending returns the number of unsettled transactions.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Controller) settle(id string, data json.RawMessage, err error) bool {
	c.mu.Lock()
	t, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	t.timer.Stop()
	t.data = data
	t.err = err
	close(t.done)
	return true
}
