package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
)

// pipeDialer hands out the near end of a fresh pipe on every dial and keeps
// the far ends for inspection.
type pipeDialer struct {
	mu   sync.Mutex
	far  []channel.Channel
	fail error
}

func (d *pipeDialer) dial(context.Context, protocol.SwitchSettings) (channel.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	near, far := channel.Pipe(16)
	d.far = append(d.far, far)
	return near, nil
}

func (d *pipeDialer) last(t *testing.T) channel.Channel {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.far)
	return d.far[len(d.far)-1]
}

func recv(t *testing.T, ch channel.Channel) <-chan *protocol.Envelope {
	t.Helper()
	out := make(chan *protocol.Envelope, 16)
	ch.OnMessage(func(env *protocol.Envelope) { out <- env })
	return out
}

func expect(t *testing.T, in <-chan *protocol.Envelope, typ protocol.MessageType) {
	t.Helper()
	select {
	case env := <-in:
		require.Equal(t, typ, env.Type)
	case <-time.After(time.Second):
		t.Fatalf("no %s envelope", typ)
	}
}

func newTestConnection() (*Connection, *pipeDialer, *pipeDialer) {
	def, sec := &pipeDialer{}, &pipeDialer{}
	c := New(Options{Name: "test", Default: def.dial, Secondary: sec.dial})
	return c, def, sec
}

var secondary = protocol.SecondarySettings("ws://preferred.invalid/ws", nil)

func TestSwitchMovesTrafficAndClosesOldChannel(t *testing.T) {
	c, def, sec := newTestConnection()
	ctx := context.Background()

	require.NoError(t, c.Switch(ctx, protocol.DefaultSettings()))
	defaultFar := def.last(t)
	defaultIn := recv(t, defaultFar)

	require.NoError(t, c.Send(&protocol.Envelope{Type: "one"}))
	expect(t, defaultIn, "one")

	require.NoError(t, c.Switch(ctx, secondary))
	require.Equal(t, protocol.TransportSecondary, c.State().Kind)
	require.Equal(t, "ws://preferred.invalid/ws", c.State().URL())

	select {
	case <-defaultFar.Done():
	case <-time.After(time.Second):
		t.Fatal("previous channel left open after switch")
	}

	secondaryIn := recv(t, sec.last(t))
	require.NoError(t, c.Send(&protocol.Envelope{Type: "two"}))
	expect(t, secondaryIn, "two")
}

func TestFailedDialKeepsCurrentTransport(t *testing.T) {
	c, def, sec := newTestConnection()
	ctx := context.Background()
	require.NoError(t, c.Switch(ctx, protocol.DefaultSettings()))
	defaultIn := recv(t, def.last(t))

	sec.fail = errors.New("connection refused")
	err := c.Switch(ctx, secondary)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")

	require.Equal(t, protocol.TransportDefault, c.State().Kind)
	require.NoError(t, c.Send(&protocol.Envelope{Type: "still-default"}))
	expect(t, defaultIn, "still-default")
}

func TestHandlerFollowsSwitch(t *testing.T) {
	c, def, sec := newTestConnection()
	ctx := context.Background()

	in := make(chan *protocol.Envelope, 4)
	c.OnMessage(func(env *protocol.Envelope) { in <- env })

	require.NoError(t, c.Switch(ctx, protocol.DefaultSettings()))
	require.NoError(t, def.last(t).Send(&protocol.Envelope{Type: "from-default"}))
	expect(t, in, "from-default")

	require.NoError(t, c.Switch(ctx, secondary))
	require.NoError(t, sec.last(t).Send(&protocol.Envelope{Type: "from-secondary"}))
	expect(t, in, "from-secondary")
}

func TestOnDisconnectedIgnoresSwitches(t *testing.T) {
	c, _, sec := newTestConnection()
	ctx := context.Background()

	fired := make(chan protocol.TransportState, 4)
	off := c.OnDisconnected(func(s protocol.TransportState) { fired <- s })
	defer off()

	require.NoError(t, c.Switch(ctx, protocol.DefaultSettings()))
	require.NoError(t, c.Switch(ctx, secondary))

	select {
	case <-fired:
		t.Fatal("a switch must not report a disconnect")
	case <-time.After(50 * time.Millisecond):
	}

	sec.last(t).Close()
	select {
	case s := <-fired:
		require.Equal(t, protocol.TransportSecondary, s.Kind)
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	require.False(t, c.Connected())
	require.ErrorIs(t, c.Send(&protocol.Envelope{Type: "x"}), protocol.ErrClosed)
}

func TestCloseIsFinal(t *testing.T) {
	c, _, _ := newTestConnection()
	ctx := context.Background()

	fired := make(chan protocol.TransportState, 1)
	c.OnDisconnected(func(s protocol.TransportState) { fired <- s })

	require.NoError(t, c.Switch(ctx, protocol.DefaultSettings()))
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Switch(ctx, protocol.DefaultSettings()), protocol.ErrClosed)

	select {
	case <-fired:
		t.Fatal("Close must not report a disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketDialerWrapsUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := WebSocketDialer(nil)(ctx, protocol.SecondarySettings("ws://127.0.0.1:1/ws", nil))
	var unreachable *protocol.TransportUnreachableError
	require.ErrorAs(t, err, &unreachable)
	require.Equal(t, "ws://127.0.0.1:1/ws", unreachable.URL)
}

func TestProbe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := Probe(ctx, "ws://127.0.0.1:1/ws", nil, nil)
	var unreachable *protocol.TransportUnreachableError
	require.ErrorAs(t, err, &unreachable)
}
