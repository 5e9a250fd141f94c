package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/transaction"
	"github.com/1ureka/interlink/internal/util"
)

// Sender is the outbound side of whatever carries the client's traffic.
type Sender interface {
	Send(env *protocol.Envelope) error
}

// Handler serves one registered method.
type Handler func(ctx context.Context, caller string, data json.RawMessage) (json.RawMessage, error)

// Client is the peer-side end of the bus. Inbound bus envelopes are fed to
// it through Handle.
type Client struct {
	out         Sender
	tc          *transaction.Controller
	callTimeout time.Duration

	mu      sync.Mutex
	topics  map[string]*util.Observers[protocol.Delivery]
	methods map[string]Handler
}

func NewClient(out Sender, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Client{
		out:         out,
		tc:          transaction.NewController(),
		callTimeout: callTimeout,
		topics:      make(map[string]*util.Observers[protocol.Delivery]),
		methods:     make(map[string]Handler),
	}
}

// Subscribe calls fn for every message published on topic by someone else.
func (c *Client) Subscribe(topic string, fn func(protocol.Delivery)) (unsubscribe func(), err error) {
	c.mu.Lock()
	obs, ok := c.topics[topic]
	if !ok {
		obs = &util.Observers[protocol.Delivery]{}
		c.topics[topic] = obs
	}
	off := obs.Add(fn)
	c.mu.Unlock()

	if !ok {
		if err := c.out.Send(protocol.MustEncode(protocol.Subscribe{Topic: topic})); err != nil {
			off()
			c.mu.Lock()
			delete(c.topics, topic)
			c.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { c.release(topic, obs, off) }) }, nil
}

func (c *Client) release(topic string, obs *util.Observers[protocol.Delivery], off func()) {
	off()

	c.mu.Lock()
	last := obs.Len() == 0 && c.topics[topic] == obs
	if last {
		delete(c.topics, topic)
	}
	c.mu.Unlock()

	if last {
		_ = c.out.Send(protocol.MustEncode(protocol.Unsubscribe{Topic: topic}))
	}
}

// Publish sends v, JSON encoded, to every other subscriber of topic.
func (c *Client) Publish(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return c.out.Send(protocol.MustEncode(protocol.Publish{Topic: topic, Data: data}))
}

// Register serves method with h.
func (c *Client) Register(method string, h Handler) error {
	c.mu.Lock()
	c.methods[method] = h
	c.mu.Unlock()
	return c.out.Send(protocol.MustEncode(protocol.Register{Method: method}))
}

func (c *Client) Unregister(method string) error {
	c.mu.Lock()
	delete(c.methods, method)
	c.mu.Unlock()
	return c.out.Send(protocol.MustEncode(protocol.Unregister{Method: method}))
}

// Invoke calls method with v, JSON encoded, and waits for its result.
func (c *Client) Invoke(ctx context.Context, method string, v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", method, err)
	}

	tx := c.tc.Create("invoke "+method, c.callTimeout)
	env := protocol.MustEncode(protocol.Invoke{TransactionID: tx.ID(), Method: method, Data: data})
	if err := c.out.Send(env); err != nil {
		c.tc.Fail(tx.ID(), err)
	}

	res, err := tx.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", method, err)
	}
	return res, nil
}

// Resync re-announces every subscription and registration, for use after
// the client's transport changed.
func (c *Client) Resync() error {
	c.mu.Lock()
	envs := make([]*protocol.Envelope, 0, len(c.topics)+len(c.methods))
	for topic := range c.topics {
		envs = append(envs, protocol.MustEncode(protocol.Subscribe{Topic: topic}))
	}
	for method := range c.methods {
		envs = append(envs, protocol.MustEncode(protocol.Register{Method: method}))
	}
	c.mu.Unlock()

	var errs []error
	for _, env := range envs {
		errs = append(errs, c.out.Send(env))
	}
	return errors.Join(errs...)
}

// Handle consumes an inbound bus envelope. It reports false for envelopes
// that are not bus traffic.
func (c *Client) Handle(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeMessage, protocol.TypeInvoke, protocol.TypeInvokeResult:
	default:
		return false
	}

	msg, err := protocol.Decode(env)
	if err != nil {
		util.LogWarning("dropping %s: %v", env.Type, err)
		return true
	}

	switch m := msg.(type) {
	case protocol.Delivery:
		c.mu.Lock()
		obs := c.topics[m.Topic]
		c.mu.Unlock()
		if obs != nil {
			obs.Notify(m)
		}

	case protocol.Invoke:
		go c.serve(m)

	case protocol.InvokeResult:
		if m.Success {
			c.tc.Complete(m.TransactionID, m.Data)
		} else {
			c.tc.Fail(m.TransactionID, fmt.Errorf("%s", m.Error))
		}
	}
	return true
}

func (c *Client) serve(m protocol.Invoke) {
	c.mu.Lock()
	h := c.methods[m.Method]
	c.mu.Unlock()

	res := protocol.InvokeResult{TransactionID: m.TransactionID}
	if h == nil {
		res.Error = fmt.Sprintf("%s is not registered here", m.Method)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
		data, err := h(ctx, m.Caller, m.Data)
		cancel()
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Success, res.Data = true, data
		}
	}

	if err := c.out.Send(protocol.MustEncode(res)); err != nil {
		util.LogDebug("failed to answer %s: %v", m.Method, err)
	}
}
