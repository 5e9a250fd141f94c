package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// serve returns the inbound handler of a channel to the bridge.
func (p *Peer) serve(ch channel.Channel) func(*protocol.Envelope) {
	return func(env *protocol.Envelope) { p.demux(ch, env) }
}

// demux handles every envelope arriving on ch. Control messages are answered
// on ch; anything else is data traffic for the default transport.
func (p *Peer) demux(ch channel.Channel, env *protocol.Envelope) {
	if env.Type == protocol.TypeConnectionAccepted {
		msg, err := protocol.Decode(env)
		if err != nil {
			util.LogWarning("[%08x] malformed connectionAccepted: %v", util.Tag(p.opts.ClientID), err)
			return
		}
		select {
		case p.handshake <- msg.(protocol.ConnectionAccepted):
		default:
		}
		return
	}

	select {
	case <-p.ready:
	case <-p.ctx.Done():
		return
	}

	if !env.Type.IsControl() {
		var fn func(*protocol.Envelope)
		p.mu.Lock()
		if p.sink != nil && p.sink.ch == ch {
			fn = p.sink.fn
		}
		p.mu.Unlock()
		if fn == nil {
			util.LogDebug("[%08x] no default transport reader, dropping %s", util.Tag(p.opts.ClientID), env.Type)
			return
		}
		fn(env)
		return
	}

	msg, err := protocol.Decode(env)
	if err != nil {
		util.LogWarning("[%08x] dropping %s: %v", util.Tag(p.opts.ClientID), env.Type, err)
		return
	}

	switch m := msg.(type) {
	case protocol.TransportSwitchRequest:
		p.switches.Enqueue(p.ctx, func(ctx context.Context) error {
			p.handleSwitch(ctx, ch, m)
			return nil
		})

	case protocol.CheckPreferredLogic:
		p.reply(ch, protocol.CheckPreferredLogicResponse{TransactionID: m.TransactionID, Success: !p.opts.DisableSwitching})

	case protocol.CheckPreferredConnection:
		go p.handleProbe(ch, m)

	case protocol.GetCurrentTransportResponse:
		raw, err := json.Marshal(m.State)
		if err != nil {
			p.tc.Fail(m.TransactionID, err)
			return
		}
		p.tc.Complete(m.TransactionID, raw)

	case protocol.PlatformUnload:
		if p.reconnecting.CompareAndSwap(false, true) {
			p.switches.Enqueue(p.ctx, func(context.Context) error {
				p.reconnect()
				return nil
			})
		}

	default:
		util.LogDebug("[%08x] ignoring %s", util.Tag(p.opts.ClientID), env.Type)
	}
}

func (p *Peer) reply(ch channel.Channel, msg protocol.Message) {
	if err := ch.Send(protocol.MustEncode(msg)); err != nil {
		util.LogDebug("[%08x] failed to send %s: %v", util.Tag(p.opts.ClientID), msg.MessageType(), err)
	}
}

func (p *Peer) handleSwitch(ctx context.Context, ch channel.Channel, m protocol.TransportSwitchRequest) {
	if p.opts.DisableSwitching {
		p.reply(ch, protocol.TransportSwitchResponse{TransactionID: m.TransactionID, Error: "switching disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.SwitchTimeout)
	defer cancel()

	res := protocol.TransportSwitchResponse{TransactionID: m.TransactionID, Success: true}
	if err := p.data.Switch(ctx, m.Settings); err != nil {
		util.LogWarning("[%08x] transport switch failed: %v", util.Tag(p.opts.ClientID), err)
		res.Success, res.Error = false, err.Error()
	}
	p.reply(ch, res)
}

func (p *Peer) handleProbe(ch channel.Channel, m protocol.CheckPreferredConnection) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ProbeTimeout)
	defer cancel()

	res := protocol.CheckPreferredConnectionResponse{TransactionID: m.TransactionID, Success: true}
	if err := p.opts.Probe(ctx, m.URL, m.Auth); err != nil {
		res.Success, res.Error = false, err.Error()
	}
	p.reply(ch, res)
}

// watchControl finishes the peer when ch closes, unless a reconnect owns
// that decision or ch was already replaced.
func (p *Peer) watchControl(ch channel.Channel) {
	select {
	case <-ch.Done():
	case <-p.done:
		return
	}
	if p.reconnecting.Load() || p.control() != ch {
		return
	}
	util.LogWarning("[%08x] host closed the connection", util.Tag(p.opts.ClientID))
	p.finish()
}

// reconnect moves data traffic back to the default transport after the host
// announced it is unloading. A host that goes away is redialed and the
// handshake repeated, up to ReconnectAttempts times. A peer already on the
// default transport has nothing to do.
func (p *Peer) reconnect() {
	defer func() {
		p.reconnecting.Store(false)
		if isClosed(p.control().Done()) {
			p.finish()
		}
	}()
	if p.data.State().Kind != protocol.TransportSecondary {
		return
	}

	// an unloading host usually closes right after the announcement
	select {
	case <-p.control().Done():
	case <-time.After(p.opts.ReconnectInterval):
	case <-p.ctx.Done():
		return
	}

	tag := util.Tag(p.opts.ClientID)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.ReconnectInterval), uint64(p.opts.ReconnectAttempts-1)),
		p.ctx,
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.SwitchTimeout)
		defer cancel()

		if isClosed(p.control().Done()) {
			if p.opts.Redial == nil {
				return backoff.Permanent(fmt.Errorf("host is gone and cannot be redialed: %w", protocol.ErrClosed))
			}
			if err := p.rejoin(ctx); err != nil {
				util.LogDebug("[%08x] reconnect attempt %d: %v", tag, attempt, err)
				return err
			}
		}

		err := p.data.Switch(ctx, protocol.DefaultSettings())
		if err != nil {
			util.LogDebug("[%08x] reconnect attempt %d failed: %v", tag, attempt, err)
		}
		return err
	}, b)

	if err != nil {
		util.LogWarning("[%08x] could not return to default transport after %d attempts: %v", tag, attempt, err)
		return
	}
	util.LogInfo("[%08x] returned to default transport", tag)
}

// rejoin opens a new channel to the host and repeats the handshake on it.
func (p *Peer) rejoin(ctx context.Context) error {
	ch, err := p.opts.Redial(ctx)
	if err != nil {
		return fmt.Errorf("redial: %w", err)
	}
	ch.OnMessage(p.serve(ch))

	accepted, err := p.shake(ctx, ch)
	if err != nil {
		ch.Close()
		return err
	}

	p.mu.Lock()
	p.ctrl = ch
	p.accepted = accepted
	p.mu.Unlock()
	go p.watchControl(ch)

	util.LogInfo("[%08x] rejoined host (port %s)", util.Tag(p.opts.ClientID), accepted.Port)
	if accepted.IsPreferredActivated {
		// queued behind the running reconnect
		go func() {
			if err := p.SyncTransport(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
				util.LogWarning("[%08x] transport sync after rejoin failed: %v", util.Tag(p.opts.ClientID), err)
			}
		}()
	}
	return nil
}

// dialControl opens a data view over the current channel to the bridge. It
// is the default transport's dialer.
func (p *Peer) dialControl(context.Context, protocol.SwitchSettings) (channel.Channel, error) {
	ch := p.control()
	if isClosed(ch.Done()) {
		return nil, protocol.ErrClosed
	}

	v := &controlView{p: p, ch: ch, closed: make(chan struct{}), done: make(chan struct{})}
	go func() {
		select {
		case <-ch.Done():
		case <-v.closed:
		}
		close(v.done)
	}()
	return v, nil
}

func isClosed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// controlView shares a channel to the bridge with the control protocol.
// Closing a view only detaches it.
type controlView struct {
	p  *Peer
	ch channel.Channel
	fn func(*protocol.Envelope)

	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (v *controlView) Send(env *protocol.Envelope) error {
	select {
	case <-v.closed:
		return protocol.ErrClosed
	case <-v.done:
		return protocol.ErrClosed
	default:
	}
	return v.ch.Send(env)
}

func (v *controlView) OnMessage(fn func(*protocol.Envelope)) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.fn = fn
	select {
	case <-v.closed:
	default:
		v.p.sink = v
	}
}

func (v *controlView) Done() <-chan struct{} { return v.done }

func (v *controlView) Close() error {
	v.closeOnce.Do(func() {
		v.p.mu.Lock()
		if v.p.sink == v {
			v.p.sink = nil
		}
		v.p.mu.Unlock()
		close(v.closed)
	})
	return nil
}
