package gateway

import (
	"sync"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// Handle is the routing entry of one connected channel.
type Handle struct {
	id string
	ch channel.Channel
	gw *Gateway

	out  chan *protocol.Envelope
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	handler func(*protocol.Envelope)
}

func (h *Handle) ID() string { return h.id }

// Done is closed once the handle has been disconnected.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Send queues env for the channel. A full queue or a disconnected handle
// drops the envelope and reports false.
func (h *Handle) Send(env *protocol.Envelope) bool {
	select {
	case <-h.done:
		util.Stats.AddDropped()
		return false
	default:
	}

	select {
	case h.out <- env:
		return true
	default:
		util.Stats.AddDropped()
		util.LogWarning("[%08x] outbound queue full, dropping %s", util.Tag(h.id), env.Type)
		return false
	}
}

// OnMessage sets a handler for this handle's inbound envelopes. Without one
// they go to the gateway's OnMessage observers.
func (h *Handle) OnMessage(fn func(*protocol.Envelope)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// Forward hands env to the gateway's OnMessage observers as if h had no
// handler of its own.
func (h *Handle) Forward(env *protocol.Envelope) {
	h.gw.messages.Notify(Inbound{Handle: h, Envelope: env})
}

func (h *Handle) deliver(env *protocol.Envelope) {
	select {
	case <-h.done:
		return
	default:
	}

	if h.gw.debug() {
		util.LogDebug("[%08x] <- %s", util.Tag(h.id), env.Type)
	}

	h.mu.Lock()
	fn := h.handler
	h.mu.Unlock()

	if fn != nil {
		fn(env)
		return
	}
	h.Forward(env)
}

// writeLoop is the handle's single writer. It exits when the handle is
// disconnected or the channel rejects a write.
func (h *Handle) writeLoop() {
	for {
		select {
		case env := <-h.out:
			if err := h.ch.Send(env); err != nil {
				util.Stats.AddDropped()
				util.LogDebug("[%08x] failed to send %s: %v", util.Tag(h.id), env.Type, err)
				h.gw.Disconnect(h)
				return
			}
			util.Stats.AddRelayed()
			if h.gw.debug() {
				util.LogDebug("[%08x] -> %s", util.Tag(h.id), env.Type)
			}
		case <-h.done:
			return
		}
	}
}
