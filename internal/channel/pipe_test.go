package channel_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
)

// collector records delivered envelope types in order.
type collector struct {
	mu    sync.Mutex
	types []protocol.MessageType
	got   chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) handle(env *protocol.Envelope) {
	c.mu.Lock()
	c.types = append(c.types, env.Type)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []protocol.MessageType {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d envelopes", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.MessageType(nil), c.types...)
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := channel.Pipe(4)
	defer a.Close()

	c := newCollector()
	b.OnMessage(c.handle)

	want := []protocol.MessageType{"a", "b", "c", "d", "e", "f", "g", "h"}
	go func() {
		for _, typ := range want {
			_ = a.Send(&protocol.Envelope{Type: typ})
		}
	}()

	require.Equal(t, want, c.wait(t, len(want)))
}

func TestPipeQueuesUntilHandlerSet(t *testing.T) {
	a, b := channel.Pipe(8)
	defer a.Close()

	require.NoError(t, a.Send(&protocol.Envelope{Type: "early"}))

	c := newCollector()
	b.OnMessage(c.handle)

	require.Equal(t, []protocol.MessageType{"early"}, c.wait(t, 1))
}

func TestPipeCloseSeversBothEnds(t *testing.T) {
	a, b := channel.Pipe(1)
	require.NoError(t, b.Close())

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("closing one end must close the other")
	}

	require.ErrorIs(t, a.Send(&protocol.Envelope{Type: "late"}), protocol.ErrClosed)
	require.ErrorIs(t, b.Send(&protocol.Envelope{Type: "late"}), protocol.ErrClosed)
	require.NoError(t, a.Close())
}

func TestPipeSendUnblocksOnClose(t *testing.T) {
	a, b := channel.Pipe(1)

	// No handler on b: the first envelope fills the queue, the second blocks.
	require.NoError(t, a.Send(&protocol.Envelope{Type: "fill"}))

	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(&protocol.Envelope{Type: "blocked"}) }()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, protocol.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Send stayed blocked after Close")
	}
}
