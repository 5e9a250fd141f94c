// Package gateway is the in-process message router. It accepts channels,
// hands back routing handles and relays envelopes point to point. It has no
// fan-out logic; broadcast is N calls to Route.
package gateway

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// ErrNotStarted is returned by Connect before Start.
var ErrNotStarted = errors.New("gateway not started")

const defaultOutboundBuffer = 64

// Config only affects logging and buffer limits.
type Config struct {
	MaxConnections int  // 0 means unlimited
	OutboundBuffer int  // per-handle outbound queue capacity
	Debug          bool // log every relayed envelope
}

// Inbound is an envelope received on a handle that has no handler of its
// own, or that was forwarded explicitly.
type Inbound struct {
	Handle   *Handle
	Envelope *protocol.Envelope
}

// Gateway owns the handle-id → handle routing table.
type Gateway struct {
	mu      sync.Mutex
	started bool
	cfg     Config
	handles map[string]*Handle

	messages    util.Observers[Inbound]
	disconnects util.Observers[*Handle]
}

func New() *Gateway {
	return &Gateway{handles: make(map[string]*Handle)}
}

// Start enables Connect. Calls after the first are no-ops.
func (g *Gateway) Start(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}
	g.cfg = cfg
	g.started = true
	util.LogDebug("gateway started (max connections %d, outbound buffer %d)", cfg.MaxConnections, cfg.OutboundBuffer)
}

// Connect registers ch and returns its routing handle. The handle is removed
// automatically when ch closes.
func (g *Gateway) Connect(ch channel.Channel) (*Handle, error) {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil, ErrNotStarted
	}
	if g.cfg.MaxConnections > 0 && len(g.handles) >= g.cfg.MaxConnections {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %d connections", protocol.ErrResourceExhausted, g.cfg.MaxConnections)
	}

	h := &Handle{
		id:   uuid.NewString(),
		ch:   ch,
		gw:   g,
		out:  make(chan *protocol.Envelope, g.cfg.OutboundBuffer),
		done: make(chan struct{}),
	}
	g.handles[h.id] = h
	g.mu.Unlock()

	ch.OnMessage(h.deliver)
	go h.writeLoop()
	go func() {
		select {
		case <-ch.Done():
			g.Disconnect(h)
		case <-h.done:
		}
	}()

	util.LogDebug("[%08x] handle connected", util.Tag(h.id))
	return h, nil
}

// Disconnect removes the routing entry for h. Later sends to h are dropped.
// The underlying channel is left to its owner. Repeated calls are no-ops.
func (g *Gateway) Disconnect(h *Handle) {
	g.mu.Lock()
	cur, ok := g.handles[h.id]
	if ok && cur == h {
		delete(g.handles, h.id)
	}
	g.mu.Unlock()

	if !ok || cur != h {
		return
	}
	h.once.Do(func() { close(h.done) })

	util.LogDebug("[%08x] handle disconnected", util.Tag(h.id))
	g.disconnects.Notify(h)
}

// Route sends env to the handle with the given id. It reports false when the
// id is unknown or the envelope was dropped.
func (g *Gateway) Route(id string, env *protocol.Envelope) bool {
	h, ok := g.Handle(id)
	if !ok {
		util.Stats.AddDropped()
		if g.debug() {
			util.LogDebug("[%08x] no route for %s", util.Tag(id), env.Type)
		}
		return false
	}
	return h.Send(env)
}

// Handle looks up a connected handle.
func (g *Gateway) Handle(id string) (*Handle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handles[id]
	return h, ok
}

// Len returns the number of connected handles.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// OnMessage observes envelopes from handles without their own handler.
func (g *Gateway) OnMessage(fn func(Inbound)) (unsubscribe func()) {
	return g.messages.Add(fn)
}

// OnDisconnect observes handle removal.
func (g *Gateway) OnDisconnect(fn func(*Handle)) (unsubscribe func()) {
	return g.disconnects.Add(fn)
}

func (g *Gateway) debug() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Debug
}
