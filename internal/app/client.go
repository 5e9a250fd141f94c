package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/peer"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// ClientOptions selects how RunClient joins a host.
type ClientOptions struct {
	URL  string // host endpoint: .../peer, or .../rtc when RTC is set
	Auth *protocol.Auth
	RTC  bool

	Peer       peer.Options
	ICEServers []string
}

// RunClient orchestrates the full client lifecycle:
//  1. Join the host as a peer over a websocket or a WebRTC data channel
//  2. Query the host status over the bus
//  3. Log transport announcements and follow switch requests
//  4. Leave with clientUnload on shutdown
func RunClient(ctx context.Context, opts ClientOptions) error {
	// ── 1. Join ────────────────────────────────────────────────────────
	p, err := Join(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close()
	util.LogInfo("joined host as %s (port %s)", p.ID(), p.Accepted().Port)

	// ── 2. Status ──────────────────────────────────────────────────────
	st, err := QueryStatus(ctx, p)
	if err != nil {
		util.LogWarning("status query failed: %v", err)
	} else {
		util.LogInfo("host %s (%s) on %s transport, %d peer(s)", st.AppName, st.InstanceID, st.Transport.Kind, len(st.Peers))
	}

	// ── 3. Follow the host ─────────────────────────────────────────────
	off, err := p.Subscribe(TopicTransport, func(d protocol.Delivery) {
		var state protocol.TransportState
		if err := json.Unmarshal(d.Data, &state); err != nil {
			util.LogWarning("malformed transport announcement: %v", err)
			return
		}
		util.LogInfo("host moved to %s transport %s", state.Kind, state.URL())
	})
	if err != nil {
		return err
	}
	defer off()

	p.OnSwitched(func(s protocol.TransportState) {
		util.LogInfo("now on %s transport", s.TransportName)
	})

	// ── 4. Block until shutdown ────────────────────────────────────────
	select {
	case <-ctx.Done():
	case <-p.Done():
		util.LogWarning("host closed the connection")
	}
	return nil
}

// Join connects to the host described by opts.
func Join(ctx context.Context, opts ClientOptions) (*peer.Peer, error) {
	if opts.Peer.ClientID == "" {
		return nil, fmt.Errorf("missing client id")
	}
	if opts.RTC {
		return peer.DialRTC(ctx, opts.URL, opts.Auth, channel.RTCOptions{ICEServers: opts.ICEServers}, opts.Peer)
	}
	return peer.DialRemote(ctx, opts.URL, opts.Auth, opts.Peer)
}

// QueryStatus calls MethodStatus on the host.
func QueryStatus(ctx context.Context, p *peer.Peer) (Status, error) {
	var st Status
	raw, err := p.Invoke(ctx, MethodStatus, nil)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
