package sequelizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLaterTaskWaitsForFailedEarlierTask enqueues A (slow, failing) then B;
// B must not start until A has settled, and A's failure must not reach B.
func TestLaterTaskWaitsForFailedEarlierTask(t *testing.T) {
	s := New()
	ctx := context.Background()

	var aSettled atomic.Bool
	var bStartedEarly atomic.Bool
	errA := errors.New("a failed")

	aDone := s.Enqueue(ctx, func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		aSettled.Store(true)
		return errA
	})
	bDone := s.Enqueue(ctx, func(context.Context) error {
		if !aSettled.Load() {
			bStartedEarly.Store(true)
		}
		return nil
	})

	require.ErrorIs(t, <-aDone, errA)
	require.NoError(t, <-bDone)
	require.False(t, bStartedEarly.Load(), "B started before A settled")
}

// TestFIFOAndMutualExclusion submits many tasks from one goroutine and checks
// they start in order and never overlap.
func TestFIFOAndMutualExclusion(t *testing.T) {
	s := New()
	ctx := context.Background()

	const n = 50
	var active atomic.Int32
	var mu sync.Mutex
	var order []int

	results := make([]<-chan error, n)
	for i := range n {
		results[i] = s.Enqueue(ctx, func(context.Context) error {
			if active.Add(1) != 1 {
				t.Errorf("task %d overlapped another task", i)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			active.Add(-1)
			return nil
		})
	}
	for _, r := range results {
		require.NoError(t, <-r)
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("task order = %v, want ascending", order)
		}
	}
}

func TestPanicDoesNotBlockQueue(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := s.Enqueue(ctx, func(context.Context) error { panic("boom") })
	second := s.Enqueue(ctx, func(context.Context) error { return nil })

	require.Error(t, <-first)
	require.NoError(t, <-second)
}

func TestCancelledTaskIsSkipped(t *testing.T) {
	s := New()
	release := make(chan struct{})
	blocker := s.Enqueue(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	skipped := s.Enqueue(ctx, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	cancel()
	close(release)

	require.NoError(t, <-blocker)
	require.ErrorIs(t, <-skipped, context.Canceled)
	require.False(t, ran.Load())
}

func TestMinIntervalSpacesStarts(t *testing.T) {
	const interval = 40 * time.Millisecond
	s := New(WithMinInterval(interval))
	ctx := context.Background()

	var starts []time.Time
	for range 3 {
		err := s.Do(ctx, func(context.Context) error {
			starts = append(starts, time.Now())
			return nil
		})
		require.NoError(t, err)
	}

	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		// rate.Limiter reservations are accurate to well under 10ms.
		if gap < interval-10*time.Millisecond {
			t.Errorf("start %d came %v after the previous one, want >= %v", i, gap, interval)
		}
	}
}

func TestRunReturnsValue(t *testing.T) {
	s := New()
	v, err := Run(context.Background(), s, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 0, s.Len())
}
