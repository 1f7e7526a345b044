package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide channel/call counter.
var Stats = &stats{}

type stats struct {
	FramesSent    atomic.Int64 // envelopes written to the websocket
	FramesRecv    atomic.Int64 // envelopes decoded from the websocket
	FramesDropped atomic.Int64 // sends while disconnected + malformed inbound frames
	Reconnects    atomic.Int64 // reconnection attempts scheduled
	SignalsSent   atomic.Int64 // webrtc_signal envelopes handed to the transport
	Pongs         atomic.Int64 // keep-alive replies received
}

func (s *stats) AddSent()    { s.FramesSent.Add(1) }
func (s *stats) AddRecv()    { s.FramesRecv.Add(1) }
func (s *stats) AddDropped() { s.FramesDropped.Add(1) }
func (s *stats) AddRetry()   { s.Reconnects.Add(1) }
func (s *stats) AddSignal()  { s.SignalsSent.Add(1) }
func (s *stats) AddPong()    { s.Pongs.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Sent, Recv, Dropped, Reconnects, Signals, Pongs int64
}

// Snapshot copies the current counter values.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Sent:       s.FramesSent.Load(),
		Recv:       s.FramesRecv.Load(),
		Dropped:    s.FramesDropped.Load(),
		Reconnects: s.Reconnects.Load(),
		Signals:    s.SignalsSent.Load(),
		Pongs:      s.Pongs.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs channel statistics at the
// debug level every interval, only when something changed. It stops when ctx
// is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					LogDebug("%s", formatStats(cur.diff(prev)))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s Snapshot) diff(prev Snapshot) Snapshot {
	return Snapshot{
		Sent:       s.Sent - prev.Sent,
		Recv:       s.Recv - prev.Recv,
		Dropped:    s.Dropped - prev.Dropped,
		Reconnects: s.Reconnects - prev.Reconnects,
		Signals:    s.Signals - prev.Signals,
		Pongs:      s.Pongs - prev.Pongs,
	}
}

// formatStats returns a one-line summary of a counter delta.
func formatStats(d Snapshot) string {
	return fmt.Sprintf("Frames: %3d↑ %3d↓ %2d✗ | Signals: %2d | Pongs: %2d | Reconnects: %d",
		d.Sent,
		d.Recv,
		d.Dropped,
		d.Signals,
		d.Pongs,
		d.Reconnects,
	)
}
