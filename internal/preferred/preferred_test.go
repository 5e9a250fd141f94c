package preferred

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/interlink/internal/bridge"
	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/connection"
	"github.com/1ureka/interlink/internal/gateway"
	"github.com/1ureka/interlink/internal/peer"
	"github.com/1ureka/interlink/internal/protocol"
)

const candidate = "ws://preferred.test/ws"

// endpoint stands in for both transports: every dial returns the near end
// of a fresh pipe, and the far ends are kept so tests can sever them.
type endpoint struct {
	mu   sync.Mutex
	far  []channel.Channel
	fail atomic.Bool
}

func (e *endpoint) dial(context.Context, protocol.SwitchSettings) (channel.Channel, error) {
	if e.fail.Load() {
		return nil, errors.New("connection refused")
	}
	near, far := channel.Pipe(16)
	e.mu.Lock()
	e.far = append(e.far, far)
	e.mu.Unlock()
	return near, nil
}

func (e *endpoint) sever() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.far {
		ch.Close()
	}
}

type fixture struct {
	bridge  *bridge.Bridge
	system  *connection.Connection
	client  *connection.Connection
	sysPref *endpoint
	peers   []*peer.Peer
	flaky   []*endpoint // each peer's preferred endpoint
	probes  atomic.Int32
}

func newFixture(t *testing.T, peers int) *fixture {
	t.Helper()
	gw := gateway.New()
	gw.Start(gateway.Config{})

	f := &fixture{sysPref: &endpoint{}}
	def := &endpoint{}
	f.system = connection.New(connection.Options{Name: "system", Default: def.dial, Secondary: f.sysPref.dial})
	f.client = connection.New(connection.Options{Name: "client", Default: def.dial, Secondary: (&endpoint{}).dial})
	ctx := context.Background()
	require.NoError(t, f.system.Switch(ctx, protocol.DefaultSettings()))
	require.NoError(t, f.client.Switch(ctx, protocol.DefaultSettings()))

	f.bridge = bridge.New(gw, bridge.Options{State: f.system.State, SwitchTimeout: time.Second})
	t.Cleanup(f.bridge.Close)

	for i := range peers {
		ep := &endpoint{}
		p, err := peer.ConnectInternal(ctx, f.bridge, peer.Options{
			ClientID:  string(rune('a' + i)),
			Secondary: ep.dial,
			Probe:     func(context.Context, string, *protocol.Auth) error { return nil },
		})
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		f.peers = append(f.peers, p)
		f.flaky = append(f.flaky, ep)
	}
	return f
}

func (f *fixture) controller() *Controller {
	return New(Options{
		System: f.system,
		Client: f.client,
		Bridge: f.bridge,
		Probe: func(context.Context, string, *protocol.Auth) error {
			f.probes.Add(1)
			return nil
		},
	})
}

func (f *fixture) requireAll(t *testing.T, kind protocol.TransportKind) {
	t.Helper()
	require.Equal(t, kind, f.system.State().Kind, "system")
	require.Equal(t, kind, f.client.State().Kind, "client")
	for _, p := range f.peers {
		require.Equal(t, kind, p.State().Kind, "peer %s", p.ID())
	}
}

func reconnects(c *Controller) <-chan protocol.TransportState {
	events := make(chan protocol.TransportState, 16)
	c.OnReconnect(func(s protocol.TransportState) {
		select {
		case events <- s:
		default:
		}
	})
	return events
}

func next(t *testing.T, events <-chan protocol.TransportState) protocol.TransportState {
	t.Helper()
	select {
	case s := <-events:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect event")
		return protocol.TransportState{}
	}
}

func TestSwitchToPreferredThenRollbackOnPeerFailure(t *testing.T) {
	f := newFixture(t, 3)
	c := f.controller()
	defer c.Stop()

	events := reconnects(c)

	require.NoError(t, c.Start(context.Background(), Config{URL: candidate, DiscoveryInterval: 200 * time.Millisecond}))
	require.Equal(t, Active, c.State())
	require.Len(t, events, 1)
	require.Equal(t, candidate, next(t, events).URL())
	f.requireAll(t, protocol.TransportSecondary)
	require.True(t, f.bridge.PreferredActivated())

	// peer b can no longer reach the preferred endpoint; losing the system
	// transport sends everyone back to default and discovery retries
	f.flaky[1].fail.Store(true)
	f.sysPref.sever()

	require.Equal(t, protocol.TransportDefault, next(t, events).Kind)
	f.requireAll(t, protocol.TransportDefault)
	require.False(t, f.bridge.PreferredActivated())

	// the next cycle gets past preflight, switches the system and then
	// fails on peer b, so it is rolled back again
	require.Equal(t, protocol.TransportDefault, next(t, events).Kind)
	require.Equal(t, 2, c.Cycles())
	require.Eventually(t, func() bool { return c.State() == Idle }, time.Second, 5*time.Millisecond)
	f.requireAll(t, protocol.TransportDefault)

	// a new cycle is scheduled after the interval and succeeds once peer b
	// recovers
	f.flaky[1].fail.Store(false)
	require.Equal(t, candidate, next(t, events).URL())
	require.Equal(t, 3, c.Cycles())
	require.Equal(t, Active, c.State())
	f.requireAll(t, protocol.TransportSecondary)
}

func TestFailedClientSwitchRollsBack(t *testing.T) {
	f := newFixture(t, 3)
	f.flaky[1].fail.Store(true)
	c := f.controller()
	defer c.Stop()

	events := reconnects(c)

	start := time.Now()
	require.NoError(t, c.Start(context.Background(), Config{URL: candidate, DiscoveryInterval: 150 * time.Millisecond}))
	require.Equal(t, Idle, c.State())
	require.Equal(t, protocol.TransportDefault, next(t, events).Kind)
	f.requireAll(t, protocol.TransportDefault)

	require.Eventually(t, func() bool { return c.Cycles() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestSystemDisconnectRevertsWithoutExternalCall(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller()
	defer c.Stop()

	events := reconnects(c)

	require.NoError(t, c.Start(context.Background(), Config{URL: candidate, DiscoveryInterval: 300 * time.Millisecond}))
	require.Equal(t, protocol.TransportSecondary, next(t, events).Kind)

	f.sysPref.sever()
	require.Equal(t, protocol.TransportDefault, next(t, events).Kind)
	f.requireAll(t, protocol.TransportDefault)

	// discovery resumes
	require.Equal(t, protocol.TransportSecondary, next(t, events).Kind)
	require.Equal(t, 2, c.Cycles())
}

func TestSystemDisconnectDuringClientSwitchRollsBack(t *testing.T) {
	f := newFixture(t, 0)

	// the system link drops while the peer is still dialing its preferred
	// transport
	var once sync.Once
	ep := &endpoint{}
	p, err := peer.ConnectInternal(context.Background(), f.bridge, peer.Options{
		ClientID: "late",
		Secondary: func(ctx context.Context, s protocol.SwitchSettings) (channel.Channel, error) {
			once.Do(f.sysPref.sever)
			return ep.dial(ctx, s)
		},
		Probe: func(context.Context, string, *protocol.Auth) error { return nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	f.peers = append(f.peers, p)

	c := f.controller()
	defer c.Stop()
	events := reconnects(c)

	require.NoError(t, c.Start(context.Background(), Config{URL: candidate, DiscoveryInterval: time.Hour}))
	for next(t, events).Kind != protocol.TransportDefault {
	}

	require.Eventually(t, func() bool { return c.State() == Idle }, time.Second, 5*time.Millisecond)
	f.requireAll(t, protocol.TransportDefault)
	require.False(t, f.bridge.PreferredActivated())
	require.Equal(t, 1, c.Cycles())
}

func TestPreflightFailureKeepsDefault(t *testing.T) {
	f := newFixture(t, 1)
	c := New(Options{
		System: f.system,
		Bridge: f.bridge,
		Probe: func(context.Context, string, *protocol.Auth) error {
			f.probes.Add(1)
			return errors.New("refused")
		},
	})
	defer c.Stop()

	fired := reconnects(c)

	require.NoError(t, c.Start(context.Background(), Config{URL: candidate, DiscoveryInterval: 50 * time.Millisecond}))
	require.Equal(t, Idle, c.State())
	require.Equal(t, protocol.TransportDefault, f.system.State().Kind)
	require.Eventually(t, func() bool { return f.probes.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, fired)
}

func TestUnwillingPeerBlocksUnlessForced(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	unwilling, err := peer.ConnectInternal(ctx, f.bridge, peer.Options{ClientID: "legacy", DisableSwitching: true})
	require.NoError(t, err)
	defer unwilling.Close()

	c := f.controller()
	require.NoError(t, c.Start(ctx, Config{URL: candidate, DiscoveryInterval: time.Hour}))
	require.Equal(t, Idle, c.State())
	require.Equal(t, protocol.TransportDefault, f.system.State().Kind)
	c.Stop()

	forced := f.controller()
	defer forced.Stop()
	require.NoError(t, forced.Start(ctx, Config{URL: candidate, DiscoveryInterval: time.Hour, ForceIncompleteSwitch: true}))
	require.Equal(t, Active, forced.State())
	require.Equal(t, protocol.TransportSecondary, f.system.State().Kind)
	require.Eventually(t, func() bool {
		return f.peers[0].State().Kind == protocol.TransportSecondary
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.TransportDefault, unwilling.State().Kind)
}

func TestStartValidatesConfig(t *testing.T) {
	f := newFixture(t, 0)
	c := f.controller()
	require.Error(t, c.Start(context.Background(), Config{}))

	require.NoError(t, c.Start(context.Background(), Config{URL: candidate, DiscoveryInterval: time.Hour}))
	defer c.Stop()
	require.Error(t, c.Start(context.Background(), Config{URL: candidate}))
}
