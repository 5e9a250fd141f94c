package channel_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
)

// echoServer upgrades every request and echoes envelopes back on a WebSocket
// channel using the codec named in the query. It records the last
// Authorization header seen.
func echoServer(t *testing.T, authSeen chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authSeen != nil {
			authSeen <- r.Header.Get("Authorization")
		}
		codec, err := protocol.CodecByName(r.URL.Query().Get("codec"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := channel.NewWebSocket(conn, codec)
		ws.OnMessage(func(env *protocol.Envelope) {
			_ = ws.Send(env)
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebSocketRoundTrip(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSON(), protocol.CBOR()} {
		t.Run(codec.Name(), func(t *testing.T) {
			srv := echoServer(t, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			ws, err := channel.DialWebSocket(ctx, wsURL(srv), nil, codec)
			require.NoError(t, err)
			defer ws.Close()

			got := make(chan *protocol.Envelope, 1)
			ws.OnMessage(func(env *protocol.Envelope) { got <- env })

			sent := protocol.MustEncode(protocol.CheckPreferredConnection{
				TransactionID: "tx-1",
				URL:           "wss://preferred.example/ws",
			})
			require.NoError(t, ws.Send(sent))

			select {
			case env := <-got:
				msg, err := protocol.Decode(env)
				require.NoError(t, err)
				require.Equal(t, protocol.CheckPreferredConnection{
					TransactionID: "tx-1",
					URL:           "wss://preferred.example/ws",
				}, msg)
			case <-time.After(2 * time.Second):
				t.Fatal("no echo")
			}
		})
	}
}

func TestDialWebSocketPassesAuth(t *testing.T) {
	seen := make(chan string, 1)
	srv := echoServer(t, seen)

	ws, err := channel.DialWebSocket(context.Background(), wsURL(srv), &protocol.Auth{Token: "s3cret"}, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Equal(t, "Bearer s3cret", <-seen)
}

func TestDialWebSocketUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := channel.DialWebSocket(ctx, "ws://127.0.0.1:1/ws", nil, nil)
	require.Error(t, err)

	_, err = channel.DialWebSocket(ctx, "not a url", nil, nil)
	require.Error(t, err)
}

func TestWebSocketDoneOnRemoteClose(t *testing.T) {
	closed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-closed
		conn.Close()
	}))
	defer srv.Close()

	ws, err := channel.DialWebSocket(context.Background(), wsURL(srv), nil, nil)
	require.NoError(t, err)

	close(closed)
	select {
	case <-ws.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the server dropped the connection")
	}
	require.ErrorIs(t, ws.Send(&protocol.Envelope{Type: "late"}), protocol.ErrClosed)
}
