package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
)

func started(cfg Config) *Gateway {
	g := New()
	g.Start(cfg)
	return g
}

func receive(t *testing.T, in <-chan *protocol.Envelope, typ protocol.MessageType) {
	t.Helper()
	select {
	case env := <-in:
		require.Equal(t, typ, env.Type)
	case <-time.After(time.Second):
		t.Fatalf("no %s envelope", typ)
	}
}

func TestConnectBeforeStart(t *testing.T) {
	a, _ := channel.Pipe(1)
	_, err := New().Connect(a)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestStartIsIdempotent(t *testing.T) {
	g := started(Config{MaxConnections: 1})
	g.Start(Config{MaxConnections: 5})

	a, _ := channel.Pipe(1)
	_, err := g.Connect(a)
	require.NoError(t, err)

	b, _ := channel.Pipe(1)
	_, err = g.Connect(b)
	require.ErrorIs(t, err, protocol.ErrResourceExhausted)
}

func TestRouteDeliversToChannel(t *testing.T) {
	g := started(Config{})
	near, far := channel.Pipe(4)

	h, err := g.Connect(near)
	require.NoError(t, err)

	in := make(chan *protocol.Envelope, 4)
	far.OnMessage(func(env *protocol.Envelope) { in <- env })

	require.True(t, g.Route(h.ID(), &protocol.Envelope{Type: "hello"}))
	receive(t, in, "hello")

	require.False(t, g.Route("nobody", &protocol.Envelope{Type: "lost"}))
}

func TestInboundGoesToHandlerOrObservers(t *testing.T) {
	g := started(Config{})
	near, far := channel.Pipe(4)
	h, err := g.Connect(near)
	require.NoError(t, err)

	observed := make(chan Inbound, 4)
	off := g.OnMessage(func(in Inbound) { observed <- in })
	defer off()

	require.NoError(t, far.Send(&protocol.Envelope{Type: "to-gateway"}))
	select {
	case in := <-observed:
		require.Equal(t, h, in.Handle)
		require.Equal(t, protocol.MessageType("to-gateway"), in.Envelope.Type)
	case <-time.After(time.Second):
		t.Fatal("observer not called")
	}

	own := make(chan *protocol.Envelope, 4)
	h.OnMessage(func(env *protocol.Envelope) { own <- env })
	require.NoError(t, far.Send(&protocol.Envelope{Type: "to-handle"}))
	receive(t, own, "to-handle")

	select {
	case <-observed:
		t.Fatal("observers must not see envelopes claimed by a handler")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectDropsLaterSends(t *testing.T) {
	g := started(Config{})
	near, _ := channel.Pipe(4)
	h, err := g.Connect(near)
	require.NoError(t, err)

	removed := make(chan *Handle, 2)
	g.OnDisconnect(func(h *Handle) { removed <- h })

	g.Disconnect(h)
	g.Disconnect(h)

	require.Equal(t, 0, g.Len())
	require.False(t, h.Send(&protocol.Envelope{Type: "late"}))
	require.False(t, g.Route(h.ID(), &protocol.Envelope{Type: "late"}))
	require.Len(t, removed, 1)
}

func TestClosedChannelRemovesHandle(t *testing.T) {
	g := started(Config{})
	near, far := channel.Pipe(4)
	h, err := g.Connect(near)
	require.NoError(t, err)

	far.Close()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle not removed after channel close")
	}
	require.Equal(t, 0, g.Len())
}

func TestFullOutboundQueueDrops(t *testing.T) {
	g := started(Config{OutboundBuffer: 1})
	// The far end never gets a handler, so the pipe fills and the writer blocks.
	near, _ := channel.Pipe(1)
	h, err := g.Connect(near)
	require.NoError(t, err)

	dropped := false
	for i := 0; i < 10 && !dropped; i++ {
		dropped = !h.Send(&protocol.Envelope{Type: "flood"})
	}
	require.True(t, dropped)
}

func TestServerGatewayRoute(t *testing.T) {
	g := started(Config{})
	srv := httptest.NewServer(NewServer(g, ServerOptions{Token: "tok"}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, err := channel.DialWebSocket(context.Background(), url, nil, nil)
	require.Error(t, err, "missing token must be rejected")

	ws, err := channel.DialWebSocket(context.Background(), url, &protocol.Auth{Token: "tok"}, protocol.CBOR())
	require.NoError(t, err)
	defer ws.Close()

	observed := make(chan Inbound, 1)
	g.OnMessage(func(in Inbound) { observed <- in })

	require.NoError(t, ws.Send(&protocol.Envelope{Type: "ping"}))
	var in Inbound
	select {
	case in = <-observed:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not see the websocket client")
	}

	back := make(chan *protocol.Envelope, 1)
	ws.OnMessage(func(env *protocol.Envelope) { back <- env })
	require.True(t, g.Route(in.Handle.ID(), &protocol.Envelope{Type: "pong"}))
	receive(t, back, "pong")
}
