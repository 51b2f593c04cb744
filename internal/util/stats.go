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

// Stats is the process-wide session/envelope counter.
var Stats = &stats{}

type stats struct {
	SessionsOpened    atomic.Int64 // sessions that reached open since process start
	SessionsClosed    atomic.Int64 // sessions torn down since process start
	EnvelopesSent     atomic.Int64 // envelopes written to a data channel (per channel)
	EnvelopesReceived atomic.Int64 // envelopes delivered to the caller
	EnvelopesFiltered atomic.Int64 // envelopes dropped by the topic filter
}

func (s *stats) AddOpened()    { s.SessionsOpened.Add(1) }
func (s *stats) AddClosed()    { s.SessionsClosed.Add(1) }
func (s *stats) AddSent(n int) { s.EnvelopesSent.Add(int64(n)) }
func (s *stats) AddReceived()  { s.EnvelopesReceived.Add(1) }
func (s *stats) AddFiltered()  { s.EnvelopesFiltered.Add(1) }

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	opened, closed, sent, received, filtered int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		opened:   s.SessionsOpened.Load(),
		closed:   s.SessionsClosed.Load(),
		sent:     s.EnvelopesSent.Load(),
		received: s.EnvelopesReceived.Load(),
		filtered: s.EnvelopesFiltered.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session and envelope
// statistics every interval. It stops when ctx is cancelled. Nothing is
// logged for an interval in which no counter moved.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns the interval deltas followed by the live session count.
func formatStats(prev, cur snapshot) string {
	return fmt.Sprintf("Sessions: %2d↑ %2d↓ (%d live) | Envelopes: %4d sent %4d recv %4d filtered",
		cur.opened-prev.opened,
		cur.closed-prev.closed,
		cur.opened-cur.closed,
		cur.sent-prev.sent,
		cur.received-prev.received,
		cur.filtered-prev.filtered,
	)
}
