// Command interlink runs a host or joins one as a client.
//
// A host serves a gateway that in-process contexts, other processes and
// browser extensions join as peers. When a preferred endpoint is configured
// the host moves itself and every peer onto it, and back to its own gateway
// when that endpoint fails.
//
// Run with -role host (default) or -role client -url ws://host:port/peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/interlink/internal/app"
	"github.com/1ureka/interlink/internal/config"
	"github.com/1ureka/interlink/internal/peer"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "host", "Role: host or client")
	configPath := flag.String("config", "", "Path to a YAML config file (host, and client ICE servers)")
	urlFlag := flag.String("url", "", "Host endpoint to join (client only)")
	idFlag := flag.String("id", "", "Client id (client only, random when empty)")
	tokenFlag := flag.String("token", "", "Token presented to the host (client only)")
	rtcFlag := flag.Bool("rtc", false, "Join over a WebRTC data channel (client only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode {
		cfg.Log.Level = "debug"
	}

	closer, err := util.ConfigureLogger(cfg.Log.Options())
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer closer.Close()

	pterm.Info.Println(fmt.Sprintf("Interlink v%s", version))
	pterm.Println()

	switch *role {
	case "host":
		if err := app.RunHost(ctx, cfg); err != nil {
			util.LogError("host stopped: %v", err)
			os.Exit(1)
		}

	case "client":
		if *urlFlag == "" {
			util.LogError("missing -url for client role")
			os.Exit(1)
		}
		endpoint, err := normalizeURL(*urlFlag, *rtcFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

		id := *idFlag
		if id == "" {
			id = "client-" + uuid.NewString()[:8]
		}
		var auth *protocol.Auth
		if *tokenFlag != "" {
			auth = &protocol.Auth{Token: *tokenFlag}
		}

		codec, _ := protocol.CodecByName(cfg.Server.Codec)
		err = app.RunClient(ctx, app.ClientOptions{
			URL:        endpoint,
			Auth:       auth,
			RTC:        *rtcFlag,
			ICEServers: cfg.RTC.ICEServers,
			Peer: peer.Options{
				ClientID:         id,
				HandshakeTimeout: cfg.Timeouts.Handshake,
				SwitchTimeout:    cfg.Timeouts.Switch,
				ProbeTimeout:     cfg.Timeouts.PreferredConnection,
				CallTimeout:      cfg.Timeouts.Call,
				Codec:            codec,
			},
		})
		if err != nil {
			util.LogError("client stopped: %v", err)
			os.Exit(1)
		}

	default:
		util.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	util.LogInfo("successfully shut down")
}

// normalizeURL validates a host endpoint and points it at /peer or /rtc.
func normalizeURL(raw string, rtc bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "wss"
	}
	path := "/peer"
	if rtc {
		path = "/rtc"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path), nil
}
