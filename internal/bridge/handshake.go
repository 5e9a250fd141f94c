package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// Accept runs the handshake on ch. On success the peer is registered, ch
// becomes its dedicated channel and connectionAccepted is sent. On failure
// ch is closed and the error is a *protocol.HandshakeError.
func (b *Bridge) Accept(ctx context.Context, ch channel.Channel) (*Peer, error) {
	p, err := b.accept(ctx, ch)
	if err != nil {
		ch.Close()
		util.LogWarning("%v", err)
		return nil, err
	}
	return p, nil
}

// ConnectInternal serves an in-process peer: it creates a channel pair, runs
// Accept on one end in the background and returns the other end, on which
// the caller sends its connectionRequest.
func (b *Bridge) ConnectInternal(ctx context.Context) channel.Channel {
	near, far := channel.Pipe(channel.DefaultBuffer)
	go b.Accept(ctx, near)
	return far
}

func (b *Bridge) accept(ctx context.Context, ch channel.Channel) (*Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.HandshakeTimeout)
	defer cancel()

	// The handshake handler holds the delivery goroutine until the peer is
	// wired to the gateway, so nothing after the request is seen here.
	first := make(chan *protocol.Envelope, 1)
	release := make(chan struct{})
	defer close(release)
	ch.OnMessage(func(env *protocol.Envelope) {
		select {
		case first <- env:
			<-release
		default:
		}
	})

	var env *protocol.Envelope
	select {
	case env = <-first:
	case <-ch.Done():
		return nil, &protocol.HandshakeError{Reason: "channel closed before connectionRequest", Err: protocol.ErrClosed}
	case <-ctx.Done():
		return nil, &protocol.HandshakeError{Reason: "no connectionRequest", Err: ctx.Err()}
	}

	req, err := b.parseRequest(env)
	if err != nil {
		return nil, err
	}

	if _, exists := b.Peer(req.ClientID); exists {
		return nil, &protocol.HandshakeError{ClientID: req.ClientID, Reason: "client already connected"}
	}

	h, err := b.gw.Connect(ch)
	if err != nil {
		return nil, &protocol.HandshakeError{ClientID: req.ClientID, Reason: "gateway refused connection", Err: err}
	}

	p := &Peer{
		ID:              req.ClientID,
		Kind:            req.ClientType,
		CommunicationID: uuid.NewString(),
		ch:              ch,
		handle:          h,
	}
	h.OnMessage(func(env *protocol.Envelope) { b.dispatch(p, env) })

	b.mu.Lock()
	if _, exists := b.peers[p.ID]; exists {
		b.mu.Unlock()
		b.gw.Disconnect(h)
		return nil, &protocol.HandshakeError{ClientID: req.ClientID, Reason: "client already connected"}
	}
	b.peers[p.ID] = p
	preferred := b.preferred
	b.mu.Unlock()

	p.Send(protocol.MustEncode(protocol.ConnectionAccepted{
		Port:                 h.ID(),
		CommunicationID:      p.CommunicationID,
		IsPreferredActivated: preferred,
		ParentWindowID:       b.opts.ParentWindowID,
		AppName:              b.opts.AppName,
		ClientID:             p.ID,
		ClientType:           p.Kind,
	}))

	util.Stats.AddPeer()
	util.LogInfo("[%08x] peer %s connected (%s)", util.Tag(p.ID), p.ID, p.Kind)
	return p, nil
}

func (b *Bridge) parseRequest(env *protocol.Envelope) (protocol.ConnectionRequest, error) {
	msg, err := protocol.Decode(env)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			return protocol.ConnectionRequest{}, &protocol.HandshakeError{Reason: "malformed request", Err: err}
		}
		return protocol.ConnectionRequest{}, &protocol.HandshakeError{Reason: "invalid connectionRequest", Err: err}
	}

	req, ok := msg.(protocol.ConnectionRequest)
	if !ok {
		return protocol.ConnectionRequest{}, &protocol.HandshakeError{
			Reason: fmt.Sprintf("expected %s, got %s", protocol.TypeConnectionRequest, env.Type),
		}
	}
	if !req.ClientType.Valid() {
		return req, &protocol.HandshakeError{ClientID: req.ClientID, Reason: fmt.Sprintf("unknown clientType %q", req.ClientType)}
	}
	if req.BridgeInstanceID != "" && req.BridgeInstanceID != b.opts.InstanceID {
		return req, &protocol.HandshakeError{ClientID: req.ClientID, Reason: "bridgeInstanceId mismatch"}
	}
	return req, nil
}
