// Package signaling negotiates a WebRTC data channel over a websocket. The
// websocket only carries SDP and ICE messages and is closed once the data
// channel opens; callers receive a ready channel.RTC.
package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// Host runs the answering side of an accepted signaling websocket. The host
// sends the offer. conn is closed before Host returns.
func Host(ctx context.Context, conn *websocket.Conn, opts channel.RTCOptions) (*channel.RTC, error) {
	defer conn.Close()
	return establish(ctx, conn, opts, true)
}

// Dial connects to a host's signaling endpoint and waits for the data
// channel it offers.
func Dial(ctx context.Context, url string, auth *protocol.Auth, opts channel.RTCOptions) (*channel.RTC, error) {
	conn, err := connect(ctx, url, auth)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	util.LogDebug("signaling connected: %s", url)
	return establish(ctx, conn, opts, false)
}

func establish(ctx context.Context, conn *websocket.Conn, opts channel.RTCOptions, offer bool) (*channel.RTC, error) {
	rtc, err := channel.NewRTC(context.Background(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	n := &negotiator{rtc: rtc, conn: conn, offerer: offer}
	rtc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// best effort: a lost candidate only narrows the options
		if err := n.trickle(c); err != nil {
			util.LogDebug("failed to send ICE candidate: %v", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.run() // exits once conn is closed by the caller
	}()

	if offer {
		if err := n.offer(); err != nil {
			rtc.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-rtc.Ready():
		util.LogDebug("data channel established, closing signaling websocket")
		return rtc, nil

	case err := <-errCh:
		// the remote side may close signaling as soon as its end opened
		select {
		case <-rtc.Ready():
			return rtc, nil
		default:
		}
		rtc.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		rtc.Close()
		return nil, ctx.Err()
	}
}
