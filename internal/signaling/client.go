package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
)

// connect dials the signaling endpoint, usually a gateway's /rtc route.
func connect(ctx context.Context, url string, auth *protocol.Auth) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, channel.AuthHeader(auth))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling endpoint: %w", err)
	}
	return conn, nil
}
