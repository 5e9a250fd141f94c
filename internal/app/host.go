// Package app contains the top-level orchestration for the host and client
// roles.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"

	"github.com/1ureka/interlink/internal/bridge"
	"github.com/1ureka/interlink/internal/bus"
	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/config"
	"github.com/1ureka/interlink/internal/connection"
	"github.com/1ureka/interlink/internal/gateway"
	"github.com/1ureka/interlink/internal/preferred"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/signaling"
	"github.com/1ureka/interlink/internal/util"
)

// Bus names served by every host.
const (
	MethodStatus   = "interlink.status"
	TopicTransport = "interlink.transport"
)

// Status is the result of MethodStatus.
type Status struct {
	InstanceID string                  `json:"instanceId"`
	AppName    string                  `json:"appName"`
	Transport  protocol.TransportState `json:"transport"`
	Preferred  bool                    `json:"preferredActivated"`
	Peers      []string                `json:"peers"`
}

// Host is a running host process: gateway, bridge, bus and the system and
// local client connections.
type Host struct {
	cfg    *config.Config
	gw     *gateway.Gateway
	bridge *bridge.Bridge
	bus    *bus.Bus

	system    *connection.Connection
	client    *connection.Connection
	systemBus *bus.Client

	ctrl *preferred.Controller
	addr string
}

// RunHost orchestrates the full host lifecycle:
//  1. Start the gateway, bridge and bus
//  2. Open the system and local client connections on the default transport
//  3. Serve /ws, /peer and /rtc
//  4. Start preferred transport discovery when configured
//  5. Block until shutdown, then announce platformUnload
func RunHost(ctx context.Context, cfg *config.Config) error {
	h, err := StartHost(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	printBanner(h)

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}

	<-ctx.Done()
	h.bridge.Shutdown()
	return nil
}

// StartHost wires every component and returns once the endpoint is
// listening and the first discovery cycle, if any, has run.
func StartHost(ctx context.Context, cfg *config.Config) (*Host, error) {
	codec, err := protocol.CodecByName(cfg.Server.Codec)
	if err != nil {
		return nil, err
	}

	// ── 1. Gateway, bridge and bus ─────────────────────────────────────
	h := &Host{cfg: cfg, gw: gateway.New()}
	h.gw.Start(gateway.Config{
		MaxConnections: cfg.Gateway.MaxConnections,
		OutboundBuffer: cfg.Gateway.OutboundBuffer,
		Debug:          cfg.Log.Level == "debug",
	})

	h.bridge = bridge.New(h.gw, bridge.Options{
		InstanceID:                 cfg.InstanceID,
		AppName:                    cfg.AppName,
		ParentWindowID:             cfg.ParentWindowID,
		SwitchTimeout:              cfg.Timeouts.Switch,
		PreferredLogicTimeout:      cfg.Timeouts.PreferredLogic,
		PreferredConnectionTimeout: cfg.Timeouts.PreferredConnection,
		HandshakeTimeout:           cfg.Timeouts.Handshake,
		State:                      func() protocol.TransportState { return h.system.State() },
	})
	h.bus = bus.New(h.gw, bus.Options{CallTimeout: cfg.Timeouts.Call})

	// ── 2. System and local client connections ─────────────────────────
	h.system = connection.New(connection.Options{Name: "system", Default: h.local, Codec: codec})
	h.client = connection.New(connection.Options{Name: "client", Default: h.local, Codec: codec})
	for _, c := range []*connection.Connection{h.system, h.client} {
		if err := c.Switch(ctx, protocol.DefaultSettings()); err != nil {
			h.Close()
			return nil, err
		}
	}

	h.systemBus = attachBus(h.system, cfg.Timeouts.Call)
	if err := h.systemBus.Register(MethodStatus, h.status); err != nil {
		h.Close()
		return nil, err
	}
	clientBus := attachBus(h.client, cfg.Timeouts.Call)
	if _, err := clientBus.Subscribe(TopicTransport, func(d protocol.Delivery) {
		util.LogDebug("transport announcement: %s", d.Data)
	}); err != nil {
		h.Close()
		return nil, err
	}

	// ── 3. Websocket endpoint ──────────────────────────────────────────
	rtcOpts := channel.RTCOptions{ICEServers: cfg.RTC.ICEServers}
	srv := gateway.NewServer(h.gw, gateway.ServerOptions{
		Token: cfg.Server.Token,
		Accept: func(ctx context.Context, ch channel.Channel) error {
			_, err := h.bridge.Accept(ctx, ch)
			return err
		},
		Signal: func(ctx context.Context, conn *websocket.Conn) (channel.Channel, error) {
			rtc, err := signaling.Host(ctx, conn, rtcOpts)
			if err != nil {
				return nil, err
			}
			return rtc, nil
		},
	})
	addr, err := srv.ListenAndServe(ctx, cfg.Server.Listen)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.addr = addr.String()

	// ── 4. Preferred transport discovery ───────────────────────────────
	if cfg.Preferred.URL != "" {
		h.ctrl = preferred.New(preferred.Options{
			System:            h.system,
			Client:            h.client,
			Bridge:            h.bridge,
			SwitchTimeout:     cfg.Timeouts.Switch,
			MinSwitchInterval: cfg.Preferred.MinSwitchInterval,
			Probe: func(ctx context.Context, url string, auth *protocol.Auth) error {
				return connection.Probe(ctx, url, auth, codec)
			},
		})
		h.ctrl.OnReconnect(h.announce)
		if err := h.ctrl.Start(ctx, preferred.Config{
			URL:                   cfg.Preferred.URL,
			Auth:                  cfg.Preferred.Auth(),
			DiscoveryInterval:     cfg.Preferred.DiscoveryInterval,
			ForceIncompleteSwitch: cfg.Preferred.ForceIncompleteSwitch,
		}); err != nil {
			h.Close()
			return nil, err
		}
	}

	return h, nil
}

// Addr is the bound address of the websocket endpoint.
func (h *Host) Addr() string { return h.addr }

func (h *Host) Bridge() *bridge.Bridge { return h.bridge }

// System is the host's own logical connection.
func (h *Host) System() *connection.Connection { return h.system }

// Close stops discovery and tears down every connection.
func (h *Host) Close() {
	if h.ctrl != nil {
		h.ctrl.Stop()
	}
	if h.system != nil {
		h.system.Close()
	}
	if h.client != nil {
		h.client.Close()
	}
	h.bridge.Close()
	h.bus.Close()
}

// local is the default transport dialer of the host's own connections: a
// pipe whose near end is registered with the gateway.
func (h *Host) local(context.Context, protocol.SwitchSettings) (channel.Channel, error) {
	near, far := channel.Pipe(channel.DefaultBuffer)
	if _, err := h.gw.Connect(near); err != nil {
		near.Close()
		return nil, err
	}
	return far, nil
}

func (h *Host) status(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	st := Status{
		InstanceID: h.bridge.InstanceID(),
		AppName:    h.cfg.AppName,
		Transport:  h.system.State(),
		Preferred:  h.bridge.PreferredActivated(),
	}
	for _, p := range h.bridge.Peers() {
		st.Peers = append(st.Peers, p.ID)
	}
	return json.Marshal(st)
}

// announce publishes every completed switch or rollback on the bus.
func (h *Host) announce(state protocol.TransportState) {
	if err := h.systemBus.Publish(TopicTransport, state); err != nil {
		util.LogDebug("failed to announce transport: %v", err)
	}
}

// attachBus serves a bus client over c, re-announcing its registrations
// after every switch.
func attachBus(c *connection.Connection, timeout time.Duration) *bus.Client {
	bc := bus.NewClient(c, timeout)
	c.OnMessage(func(env *protocol.Envelope) { bc.Handle(env) })
	c.OnSwitched(func(protocol.TransportState) {
		if err := bc.Resync(); err != nil {
			util.LogWarning("bus resync failed: %v", err)
		}
	})
	return bc
}

func printBanner(h *Host) {
	rows := [][]string{
		{"Endpoint", fmt.Sprintf("ws://%s", h.addr)},
		{"Instance", h.bridge.InstanceID()},
		{"Transport", h.system.State().TransportName},
	}
	if h.cfg.Preferred.URL != "" {
		rows = append(rows, []string{"Preferred", h.cfg.Preferred.URL})
	}

	pterm.Println()
	_ = pterm.DefaultTable.WithData(rows).WithLeftAlignment().Render()
	pterm.Println()
	util.LogInfo("host ready: peers join at /peer or /rtc, gateway clients at /ws")
}
