// Package bridge owns the peer registry. It runs the connection handshake,
// demultiplexes control traffic from peers and exposes the parallel
// broadcast-and-collect operations used to migrate peers between transports.
package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/gateway"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/transaction"
	"github.com/1ureka/interlink/internal/util"
)

// Default bounds of the bridge's transactions.
const (
	DefaultSwitchTimeout              = 10 * time.Second
	DefaultPreferredLogicTimeout      = 2 * time.Second
	DefaultPreferredConnectionTimeout = 5 * time.Second
	DefaultHandshakeTimeout           = 5 * time.Second
)

// Options configures a Bridge. Zero durations select the defaults.
type Options struct {
	InstanceID     string // bridgeInstanceId; generated when empty
	AppName        string
	ParentWindowID string

	SwitchTimeout              time.Duration
	PreferredLogicTimeout      time.Duration
	PreferredConnectionTimeout time.Duration
	HandshakeTimeout           time.Duration

	// State reports the system-level transport answered to getCurrentTransport.
	State func() protocol.TransportState
}

func (o *Options) setDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.SwitchTimeout <= 0 {
		o.SwitchTimeout = DefaultSwitchTimeout
	}
	if o.PreferredLogicTimeout <= 0 {
		o.PreferredLogicTimeout = DefaultPreferredLogicTimeout
	}
	if o.PreferredConnectionTimeout <= 0 {
		o.PreferredConnectionTimeout = DefaultPreferredConnectionTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.State == nil {
		o.State = protocol.DefaultSettings().State
	}
}

// Peer is a connected execution context.
type Peer struct {
	ID              string
	Kind            protocol.PeerKind
	CommunicationID string

	ch     channel.Channel
	handle *gateway.Handle
}

// Port names the gateway handle serving the peer.
func (p *Peer) Port() string { return p.handle.ID() }

// Connected reports whether the peer is still routed.
func (p *Peer) Connected() bool {
	select {
	case <-p.handle.Done():
		return false
	default:
		return true
	}
}

// Send queues env for the peer.
func (p *Peer) Send(env *protocol.Envelope) bool { return p.handle.Send(env) }

// Bridge is the peer registry. The id → peer map is owned here and changed
// only by the handshake and by unload.
type Bridge struct {
	gw   *gateway.Gateway
	tc   *transaction.Controller
	opts Options

	mu        sync.Mutex
	peers     map[string]*Peer
	preferred bool

	unloaded   util.Observers[*Peer]
	offGateway func()
}

func New(gw *gateway.Gateway, opts Options) *Bridge {
	opts.setDefaults()
	b := &Bridge{
		gw:    gw,
		tc:    transaction.NewController(),
		opts:  opts,
		peers: make(map[string]*Peer),
	}
	b.offGateway = gw.OnDisconnect(b.handleDisconnect)
	return b
}

// InstanceID returns the bridgeInstanceId peers may present.
func (b *Bridge) InstanceID() string { return b.opts.InstanceID }

// Peer looks up a connected peer.
func (b *Bridge) Peer(id string) (*Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	return p, ok
}

// Peers returns a snapshot of the connected peers.
func (b *Bridge) Peers() []*Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p)
	}
	return out
}

// Send routes env to the peer with the given id.
func (b *Bridge) Send(peerID string, env *protocol.Envelope) bool {
	p, ok := b.Peer(peerID)
	if !ok {
		util.Stats.AddDropped()
		return false
	}
	return p.Send(env)
}

// OnClientUnloaded fires after a peer leaves the registry, by clientUnload
// or by channel severance.
func (b *Bridge) OnClientUnloaded(cb func(*Peer)) (unsubscribe func()) {
	return b.unloaded.Add(cb)
}

// GetCurrentTransportState returns the system-level transport.
func (b *Bridge) GetCurrentTransportState() protocol.TransportState {
	return b.opts.State()
}

// SetPreferredActivated sets isPreferredActivated for later handshakes.
func (b *Bridge) SetPreferredActivated(v bool) {
	b.mu.Lock()
	b.preferred = v
	b.mu.Unlock()
}

// PreferredActivated reports the value given to new peers.
func (b *Bridge) PreferredActivated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preferred
}

// Shutdown tells every peer the platform is going away and returns how many
// were notified. Peers stay mapped until their channels close.
func (b *Bridge) Shutdown() int {
	env := protocol.MustEncode(protocol.PlatformUnload{})
	peers := b.Peers()
	sent := 0
	for _, p := range peers {
		if p.Send(env) {
			sent++
		}
	}
	util.LogInfo("platformUnload sent to %d of %d peer(s)", sent, len(peers))
	return sent
}

// Close detaches the bridge from the gateway and disconnects every peer.
func (b *Bridge) Close() {
	b.offGateway()
	for _, p := range b.Peers() {
		b.remove(p, "bridge closed")
	}
}

// remove drops p from the registry. Only the first call for a given peer has
// any effect.
func (b *Bridge) remove(p *Peer, reason string) {
	b.mu.Lock()
	cur, ok := b.peers[p.ID]
	if ok && cur == p {
		delete(b.peers, p.ID)
	}
	b.mu.Unlock()

	if !ok || cur != p {
		return
	}

	b.gw.Disconnect(p.handle)
	p.ch.Close()

	util.Stats.RemovePeer()
	util.LogInfo("[%08x] peer %s removed (%s)", util.Tag(p.ID), p.ID, reason)
	b.unloaded.Notify(p)
}

func (b *Bridge) handleDisconnect(h *gateway.Handle) {
	b.mu.Lock()
	var found *Peer
	for _, p := range b.peers {
		if p.handle == h {
			found = p
			break
		}
	}
	b.mu.Unlock()

	if found != nil {
		b.remove(found, "channel closed")
	}
}

// dispatch handles one envelope from an established peer. Control messages
// are answered here; everything else goes to the gateway observers.
func (b *Bridge) dispatch(p *Peer, env *protocol.Envelope) {
	if !env.Type.IsControl() {
		p.handle.Forward(env)
		return
	}

	msg, err := protocol.Decode(env)
	if err != nil {
		util.LogWarning("[%08x] dropping %s from %s: %v", util.Tag(p.ID), env.Type, p.ID, err)
		return
	}

	switch m := msg.(type) {
	case protocol.ClientUnload:
		b.remove(p, "client unload")

	case protocol.TransportSwitchResponse:
		b.settle(p, "transportSwitch", m.TransactionID, m.Success, m.Error)

	case protocol.CheckPreferredLogicResponse:
		b.settle(p, "checkPreferredLogic", m.TransactionID, m.Success, "")

	case protocol.CheckPreferredConnectionResponse:
		b.settle(p, "checkPreferredConnection", m.TransactionID, m.Success, m.Error)

	case protocol.GetCurrentTransport:
		p.Send(protocol.MustEncode(protocol.GetCurrentTransportResponse{
			TransactionID: m.TransactionID,
			State:         b.GetCurrentTransportState(),
		}))

	default:
		util.LogWarning("[%08x] unexpected %s from %s", util.Tag(p.ID), env.Type, p.ID)
	}
}

func (b *Bridge) settle(p *Peer, op, txID string, ok bool, reason string) {
	if ok {
		b.tc.Complete(txID, nil)
		return
	}
	b.tc.Fail(txID, &protocol.PeerRejectedError{PeerID: p.ID, Op: op, Reason: reason})
}
