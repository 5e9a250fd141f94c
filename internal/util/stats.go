package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide peer/traffic counter.
var Stats = &stats{}

type stats struct {
	PeersConnected atomic.Int64 // cumulative successful handshakes since process start
	PeersUnloaded  atomic.Int64 // cumulative peer removals since process start
	Relayed        atomic.Int64 // envelopes handed to a peer channel
	Dropped        atomic.Int64 // envelopes dropped (unknown route, full inbox, closed channel)
	Switches       atomic.Int64 // completed transport switches (both directions)
}

func (s *stats) AddPeer()    { s.PeersConnected.Add(1) }
func (s *stats) RemovePeer() { s.PeersUnloaded.Add(1) }
func (s *stats) AddRelayed() { s.Relayed.Add(1) }
func (s *stats) AddDropped() { s.Dropped.Add(1) }
func (s *stats) AddSwitch()  { s.Switches.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs connectivity statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur, interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	connected, unloaded, relayed, dropped, switches int64
}

func takeSnapshot() snapshot {
	return snapshot{
		connected: Stats.PeersConnected.Load(),
		unloaded:  Stats.PeersUnloaded.Load(),
		relayed:   Stats.Relayed.Load(),
		dropped:   Stats.Dropped.Load(),
		switches:  Stats.Switches.Load(),
	}
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(prev, cur snapshot, interval time.Duration) string {
	rate := float64(cur.relayed-prev.relayed) / interval.Seconds()
	return fmt.Sprintf("Peers: %3d live (%2d↑ %2d↓) | Relay: %7.1f msg/s | Dropped: %d | Switches: %d",
		cur.connected-cur.unloaded,
		cur.connected-prev.connected,
		cur.unloaded-prev.unloaded,
		rate,
		cur.dropped,
		cur.switches,
	)
}
