// Package peer is the client-side mirror of the bridge protocol. A Peer
// performs the handshake, answers switch and preflight requests, follows the
// host's transport and carries bus traffic for its owner.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/interlink/internal/bus"
	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/connection"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/sequelizer"
	"github.com/1ureka/interlink/internal/signaling"
	"github.com/1ureka/interlink/internal/transaction"
	"github.com/1ureka/interlink/internal/util"
)

// Options configures a Peer. Zero values select the defaults.
type Options struct {
	ClientID         string
	Kind             protocol.PeerKind // defaults to internal
	BridgeInstanceID string

	HandshakeTimeout time.Duration // 5s
	SwitchTimeout    time.Duration // 10s
	ProbeTimeout     time.Duration // 5s
	CallTimeout      time.Duration // 30s

	// Reconnection to the default transport after platformUnload.
	ReconnectAttempts int           // 3
	ReconnectInterval time.Duration // 1s
	// Redial reopens a dedicated channel to the host once the old one is
	// gone. DialRemote and DialRTC fill it in; without it a peer whose host
	// closed cannot reconnect.
	Redial func(ctx context.Context) (channel.Channel, error)

	// DisableSwitching makes the peer decline checkPreferredLogic.
	DisableSwitching bool

	Codec     protocol.Codec    // secondary websocket framing
	Secondary connection.Dialer // defaults to a websocket dialer
	Probe     func(ctx context.Context, url string, auth *protocol.Auth) error
}

func (o *Options) setDefaults() {
	if o.Kind == "" {
		o.Kind = protocol.PeerInternal
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.SwitchTimeout <= 0 {
		o.SwitchTimeout = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = transaction.DefaultTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 3
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = time.Second
	}
	if o.Probe == nil {
		codec := o.Codec
		o.Probe = func(ctx context.Context, url string, auth *protocol.Auth) error {
			return connection.Probe(ctx, url, auth, codec)
		}
	}
}

// Peer is one connected execution context.
type Peer struct {
	opts Options

	data     *connection.Connection
	bus      *bus.Client
	tc       *transaction.Controller
	switches *sequelizer.Sequelizer // every data transport change, in arrival order

	mu       sync.Mutex
	ctrl     channel.Channel // dedicated channel to the bridge, replaced on rejoin
	accepted protocol.ConnectionAccepted
	sink     *controlView // data view currently reading from ctrl
	onData   func(*protocol.Envelope)

	handshake    chan protocol.ConnectionAccepted
	ready        chan struct{} // closed once data and bus are set up
	reconnecting atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	closed   sync.Once
}

// Internal is implemented by a bridge serving in-process peers.
type Internal interface {
	ConnectInternal(ctx context.Context) channel.Channel
}

// ConnectInternal joins an in-process bridge.
func ConnectInternal(ctx context.Context, b Internal, opts Options) (*Peer, error) {
	return Dial(ctx, b.ConnectInternal(ctx), opts)
}

// DialRemote joins a bridge served over a websocket.
func DialRemote(ctx context.Context, url string, auth *protocol.Auth, opts Options) (*Peer, error) {
	ws, err := channel.DialWebSocket(ctx, url, auth, opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.Kind == "" {
		opts.Kind = protocol.PeerRemote
	}
	if opts.Redial == nil {
		codec := opts.Codec
		opts.Redial = func(ctx context.Context) (channel.Channel, error) {
			ws, err := channel.DialWebSocket(ctx, url, auth, codec)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}
	}
	return Dial(ctx, ws, opts)
}

// DialRTC joins a bridge over a WebRTC data channel negotiated through the
// signaling endpoint at url.
func DialRTC(ctx context.Context, url string, auth *protocol.Auth, rtc channel.RTCOptions, opts Options) (*Peer, error) {
	ch, err := signaling.Dial(ctx, url, auth, rtc)
	if err != nil {
		return nil, err
	}
	if opts.Kind == "" {
		opts.Kind = protocol.PeerExtension
	}
	if opts.Redial == nil {
		opts.Redial = func(ctx context.Context) (channel.Channel, error) {
			ch, err := signaling.Dial(ctx, url, auth, rtc)
			if err != nil {
				return nil, err
			}
			return ch, nil
		}
	}
	return Dial(ctx, ch, opts)
}

// Dial performs the handshake on ch, which becomes the peer's dedicated
// channel to the bridge. ch is closed when the handshake fails.
func Dial(ctx context.Context, ch channel.Channel, opts Options) (*Peer, error) {
	opts.setDefaults()
	if opts.ClientID == "" {
		ch.Close()
		return nil, &protocol.HandshakeError{Reason: "empty clientId"}
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		opts:      opts,
		ctrl:      ch,
		tc:        transaction.NewController(),
		switches:  sequelizer.New(),
		handshake: make(chan protocol.ConnectionAccepted, 1),
		ready:     make(chan struct{}),
		ctx:       pctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	ch.OnMessage(p.serve(ch))

	accepted, err := p.shake(ctx, ch)
	if err != nil {
		cancel()
		ch.Close()
		return nil, err
	}
	p.accepted = accepted
	go p.watchControl(ch)

	p.data = connection.New(connection.Options{
		Name:      "peer " + opts.ClientID,
		Default:   p.dialControl,
		Secondary: opts.Secondary,
		Codec:     opts.Codec,
	})
	p.bus = bus.NewClient(p.data, opts.CallTimeout)
	p.data.OnMessage(p.deliver)

	err = p.data.Switch(ctx, protocol.DefaultSettings())
	close(p.ready)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.data.OnSwitched(func(protocol.TransportState) {
		if err := p.bus.Resync(); err != nil {
			util.LogWarning("[%08x] bus resync failed: %v", util.Tag(opts.ClientID), err)
		}
	})

	if accepted.IsPreferredActivated {
		go func() {
			if err := p.SyncTransport(p.ctx); err != nil {
				util.LogWarning("[%08x] initial transport sync failed: %v", util.Tag(opts.ClientID), err)
			}
		}()
	}

	util.LogDebug("[%08x] connected as %s (port %s)", util.Tag(opts.ClientID), opts.Kind, accepted.Port)
	return p, nil
}

// shake sends connectionRequest on ch and waits for connectionAccepted.
func (p *Peer) shake(ctx context.Context, ch channel.Channel) (protocol.ConnectionAccepted, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	defer cancel()

	select {
	case <-p.handshake:
	default:
	}

	req := protocol.ConnectionRequest{
		ClientID:         p.opts.ClientID,
		ClientType:       p.opts.Kind,
		BridgeInstanceID: p.opts.BridgeInstanceID,
	}
	if err := ch.Send(protocol.MustEncode(req)); err != nil {
		return protocol.ConnectionAccepted{}, &protocol.HandshakeError{ClientID: req.ClientID, Reason: "send connectionRequest", Err: err}
	}

	select {
	case accepted := <-p.handshake:
		return accepted, nil
	case <-ch.Done():
		return protocol.ConnectionAccepted{}, &protocol.HandshakeError{ClientID: req.ClientID, Reason: "rejected by bridge", Err: protocol.ErrClosed}
	case <-ctx.Done():
		return protocol.ConnectionAccepted{}, &protocol.HandshakeError{ClientID: req.ClientID, Reason: "no connectionAccepted", Err: ctx.Err()}
	}
}

func (p *Peer) ID() string { return p.opts.ClientID }

// Accepted returns the latest connectionAccepted, from the first handshake
// or the last rejoin.
func (p *Peer) Accepted() protocol.ConnectionAccepted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// State returns the transport carrying the peer's data traffic.
func (p *Peer) State() protocol.TransportState { return p.data.State() }

// Done is closed when the peer is closed or has lost its host for good.
func (p *Peer) Done() <-chan struct{} { return p.done }

// OnData sets a handler for data traffic that is not bus traffic.
func (p *Peer) OnData(fn func(*protocol.Envelope)) {
	p.mu.Lock()
	p.onData = fn
	p.mu.Unlock()
}

// OnSwitched registers cb for every completed transport switch.
func (p *Peer) OnSwitched(cb func(protocol.TransportState)) (unsubscribe func()) {
	return p.data.OnSwitched(cb)
}

// Send writes env on the current data transport.
func (p *Peer) Send(env *protocol.Envelope) error { return p.data.Send(env) }

func (p *Peer) Subscribe(topic string, fn func(protocol.Delivery)) (func(), error) {
	return p.bus.Subscribe(topic, fn)
}

func (p *Peer) Publish(topic string, v any) error { return p.bus.Publish(topic, v) }

func (p *Peer) Register(method string, h bus.Handler) error { return p.bus.Register(method, h) }

func (p *Peer) Invoke(ctx context.Context, method string, v any) (json.RawMessage, error) {
	return p.bus.Invoke(ctx, method, v)
}

// SyncTransport asks the bridge for the system transport and switches to it
// when the peer is elsewhere. It runs in line with switch requests, so a
// rollback that arrives meanwhile is applied after it.
func (p *Peer) SyncTransport(ctx context.Context) error {
	return p.switches.Do(ctx, func(ctx context.Context) error {
		state, err := p.currentTransport(ctx)
		if err != nil {
			return err
		}
		if state.Same(p.data.State()) {
			return nil
		}

		util.LogInfo("[%08x] following host to %s transport", util.Tag(p.opts.ClientID), state.Kind)
		sctx, cancel := context.WithTimeout(ctx, p.opts.SwitchTimeout)
		defer cancel()
		return p.data.Switch(sctx, state.Settings())
	})
}

func (p *Peer) currentTransport(ctx context.Context) (protocol.TransportState, error) {
	var state protocol.TransportState

	tx := p.tc.Create("getCurrentTransport", p.opts.CallTimeout)
	if err := p.control().Send(protocol.MustEncode(protocol.GetCurrentTransport{TransactionID: tx.ID()})); err != nil {
		p.tc.Fail(tx.ID(), err)
	}

	raw, err := tx.Wait(ctx)
	if err != nil {
		return state, fmt.Errorf("getCurrentTransport: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("getCurrentTransport: %w", err)
	}
	return state, nil
}

// Close announces the departure and closes every channel.
func (p *Peer) Close() error {
	p.closed.Do(func() {
		p.cancel()
		ctrl := p.control()
		_ = ctrl.Send(protocol.MustEncode(protocol.ClientUnload{ClientID: p.opts.ClientID}))
		if p.data != nil {
			p.data.Close()
		}
		ctrl.Close()
		p.finish()
	})
	return nil
}

func (p *Peer) control() channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctrl
}

// finish marks the peer as done for good.
func (p *Peer) finish() {
	p.doneOnce.Do(func() {
		p.cancel()
		close(p.done)
	})
}

// deliver receives data traffic from whichever transport is active.
func (p *Peer) deliver(env *protocol.Envelope) {
	if p.bus.Handle(env) {
		return
	}
	p.mu.Lock()
	fn := p.onData
	p.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}
