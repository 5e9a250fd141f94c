// Package bus carries ordinary RPC and pub/sub traffic over the gateway.
// Fan-out is N point-to-point routes; delivery is at most once.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/interlink/internal/gateway"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/transaction"
	"github.com/1ureka/interlink/internal/util"
)

// DefaultCallTimeout bounds a relayed invoke.
const DefaultCallTimeout = 30 * time.Second

// Options configures a Bus.
type Options struct {
	CallTimeout time.Duration
}

// Bus tracks topic subscriptions and method owners by gateway handle id.
type Bus struct {
	gw          *gateway.Gateway
	tc          *transaction.Controller
	callTimeout time.Duration

	mu      sync.Mutex
	topics  map[string]map[string]struct{} // topic → handle ids
	methods map[string]string              // method → owner handle id

	offMessage    func()
	offDisconnect func()
}

// New attaches a bus to gw. Every envelope the gateway does not route
// elsewhere passes through it.
func New(gw *gateway.Gateway, opts Options) *Bus {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	b := &Bus{
		gw:          gw,
		tc:          transaction.NewController(),
		callTimeout: opts.CallTimeout,
		topics:      make(map[string]map[string]struct{}),
		methods:     make(map[string]string),
	}
	b.offMessage = gw.OnMessage(b.handle)
	b.offDisconnect = gw.OnDisconnect(b.drop)
	return b
}

// Close detaches the bus from the gateway.
func (b *Bus) Close() {
	b.offMessage()
	b.offDisconnect()
}

// Subscribers returns the number of handles subscribed to topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Owner returns the handle id serving method.
func (b *Bus) Owner(method string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.methods[method]
	return id, ok
}

func (b *Bus) handle(in gateway.Inbound) {
	from := in.Handle.ID()

	msg, err := protocol.Decode(in.Envelope)
	if err != nil {
		util.LogWarning("[%08x] dropping %s: %v", util.Tag(from), in.Envelope.Type, err)
		util.Stats.AddDropped()
		return
	}

	switch m := msg.(type) {
	case protocol.Subscribe:
		b.mu.Lock()
		subs, ok := b.topics[m.Topic]
		if !ok {
			subs = make(map[string]struct{})
			b.topics[m.Topic] = subs
		}
		subs[from] = struct{}{}
		b.mu.Unlock()

	case protocol.Unsubscribe:
		b.mu.Lock()
		b.unsubscribe(m.Topic, from)
		b.mu.Unlock()

	case protocol.Publish:
		b.publish(from, m)

	case protocol.Register:
		b.mu.Lock()
		prev, taken := b.methods[m.Method]
		b.methods[m.Method] = from
		b.mu.Unlock()
		if taken && prev != from {
			util.LogWarning("method %s moved from [%08x] to [%08x]", m.Method, util.Tag(prev), util.Tag(from))
		}

	case protocol.Unregister:
		b.mu.Lock()
		if b.methods[m.Method] == from {
			delete(b.methods, m.Method)
		}
		b.mu.Unlock()

	case protocol.Invoke:
		go b.relay(in.Handle, m)

	case protocol.InvokeResult:
		if m.Success {
			b.tc.Complete(m.TransactionID, m.Data)
		} else {
			b.tc.Fail(m.TransactionID, fmt.Errorf("%s", m.Error))
		}

	default:
		util.LogWarning("[%08x] unexpected %s on the bus", util.Tag(from), in.Envelope.Type)
	}
}

// unsubscribe must be called with b.mu held.
func (b *Bus) unsubscribe(topic, id string) {
	subs := b.topics[topic]
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

func (b *Bus) publish(from string, m protocol.Publish) {
	b.mu.Lock()
	targets := make([]string, 0, len(b.topics[m.Topic]))
	for id := range b.topics[m.Topic] {
		if id != from {
			targets = append(targets, id)
		}
	}
	b.mu.Unlock()

	env := protocol.MustEncode(protocol.Delivery{Topic: m.Topic, From: from, Data: m.Data})
	for _, id := range targets {
		b.gw.Route(id, env)
	}
}

// relay forwards an invoke to the method owner under a new transaction and
// answers the caller on its own transaction id.
func (b *Bus) relay(caller *gateway.Handle, m protocol.Invoke) {
	reply := func(data []byte, err error) {
		res := protocol.InvokeResult{TransactionID: m.TransactionID, Success: err == nil, Data: data}
		if err != nil {
			res.Error = err.Error()
		}
		caller.Send(protocol.MustEncode(res))
	}

	owner, ok := b.Owner(m.Method)
	if !ok {
		reply(nil, fmt.Errorf("no handler registered for %s", m.Method))
		return
	}

	tx := b.tc.Create("invoke "+m.Method, b.callTimeout)
	fwd := protocol.Invoke{TransactionID: tx.ID(), Method: m.Method, Caller: caller.ID(), Data: m.Data}
	if !b.gw.Route(owner, protocol.MustEncode(fwd)) {
		b.tc.Fail(tx.ID(), fmt.Errorf("owner of %s unreachable", m.Method))
	}

	data, err := tx.Wait(context.Background())
	reply(data, err)
}

// drop forgets everything a departed handle had registered.
func (b *Bus) drop(h *gateway.Handle) {
	id := h.ID()

	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range b.topics {
		b.unsubscribe(topic, id)
	}
	for method, owner := range b.methods {
		if owner == id {
			delete(b.methods, method)
		}
	}
}
