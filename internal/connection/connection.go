// Package connection implements a logical connection whose physical
// transport can be swapped at runtime between the default gateway and the
// preferred endpoint.
package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// Dialer opens the physical channel described by settings.
type Dialer func(ctx context.Context, settings protocol.SwitchSettings) (channel.Channel, error)

// WebSocketDialer dials settings.TransportConfig.URL, passing its auth
// through unchanged.
func WebSocketDialer(codec protocol.Codec) Dialer {
	return func(ctx context.Context, s protocol.SwitchSettings) (channel.Channel, error) {
		if s.TransportConfig == nil {
			return nil, fmt.Errorf("missing transport config")
		}
		ws, err := channel.DialWebSocket(ctx, s.TransportConfig.URL, s.TransportConfig.Auth, codec)
		if err != nil {
			return nil, &protocol.TransportUnreachableError{URL: s.TransportConfig.URL, Err: err}
		}
		return ws, nil
	}
}

// Probe opens and immediately closes a websocket to url. Any failure is a
// *protocol.TransportUnreachableError.
func Probe(ctx context.Context, url string, auth *protocol.Auth, codec protocol.Codec) error {
	ws, err := channel.DialWebSocket(ctx, url, auth, codec)
	if err != nil {
		return &protocol.TransportUnreachableError{URL: url, Err: err}
	}
	return ws.Close()
}

// Options configures a Connection.
type Options struct {
	Name      string // used in logs and errors
	Default   Dialer // required
	Secondary Dialer // defaults to WebSocketDialer(Codec)
	Codec     protocol.Codec
}

// Connection is a switchable logical connection. Outbound envelopes go to
// the active channel; the inbound handler follows every switch.
type Connection struct {
	name          string
	dialDefault   Dialer
	dialSecondary Dialer

	mu      sync.Mutex
	ch      channel.Channel
	state   protocol.TransportState
	handler func(*protocol.Envelope)
	closed  bool

	disconnected util.Observers[protocol.TransportState]
	switched     util.Observers[protocol.TransportState]
}

// New creates a connection with no active channel. Call Switch to open one.
func New(opts Options) *Connection {
	if opts.Name == "" {
		opts.Name = "connection"
	}
	if opts.Secondary == nil {
		opts.Secondary = WebSocketDialer(opts.Codec)
	}
	return &Connection{
		name:          opts.Name,
		dialDefault:   opts.Default,
		dialSecondary: opts.Secondary,
		state:         protocol.DefaultSettings().State(),
	}
}

// Switch dials the transport described by s and makes it active, closing the
// previous channel. When the dial fails the previous transport stays active.
func (c *Connection) Switch(ctx context.Context, s protocol.SwitchSettings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}

	dial := c.dialDefault
	if s.Type == protocol.TransportSecondary {
		dial = c.dialSecondary
	}
	if dial == nil {
		return fmt.Errorf("%s: no dialer for %s transport", c.name, s.Type)
	}

	ch, err := dial(ctx, s)
	if err != nil {
		return fmt.Errorf("%s: switch to %s transport: %w", c.name, s.Type, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch.Close()
		return fmt.Errorf("%s: %w", c.name, protocol.ErrClosed)
	}
	old := c.ch
	c.ch = ch
	c.state = s.State()
	state := c.state
	if c.handler != nil {
		ch.OnMessage(c.handler)
	}
	c.mu.Unlock()

	go c.watch(ch)
	if old != nil {
		old.Close()
	}

	util.LogDebug("%s: switched to %s", c.name, describe(state))
	c.switched.Notify(state)
	return nil
}

// watch reports a disconnect when ch closes while it is still active.
func (c *Connection) watch(ch channel.Channel) {
	<-ch.Done()

	c.mu.Lock()
	if c.ch != ch {
		c.mu.Unlock()
		return
	}
	c.ch = nil
	state := c.state
	c.mu.Unlock()

	util.LogWarning("%s: %s transport disconnected", c.name, describe(state))
	c.disconnected.Notify(state)
}

// State returns the transport the connection currently uses.
func (c *Connection) State() protocol.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a channel is active.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

func (c *Connection) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("%s: %w", c.name, protocol.ErrClosed)
	}
	return ch.Send(env)
}

// OnMessage sets the inbound handler for the current and every later channel.
func (c *Connection) OnMessage(fn func(*protocol.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
	if c.ch != nil {
		c.ch.OnMessage(fn)
	}
}

// OnDisconnected registers cb for an active channel closing without a switch.
func (c *Connection) OnDisconnected(cb func(protocol.TransportState)) (unsubscribe func()) {
	return c.disconnected.Add(cb)
}

// OnSwitched registers cb for every completed switch.
func (c *Connection) OnSwitched(cb func(protocol.TransportState)) (unsubscribe func()) {
	return c.switched.Add(cb)
}

// Close closes the active channel. Later switches fail.
func (c *Connection) Close() error {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.closed = true
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}

func describe(s protocol.TransportState) string {
	if u := s.URL(); u != "" {
		return fmt.Sprintf("%s (%s)", s.TransportName, u)
	}
	return s.TransportName
}
