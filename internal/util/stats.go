package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Meeting stats
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts link and signaling activity for one meeting session.
// All fields are safe for concurrent use.
type Stats struct {
	LinksOpened  atomic.Int64 // PeerLinks created since join
	LinksClosed  atomic.Int64 // PeerLinks closed since join
	MessagesSent atomic.Int64 // signaling messages written to the relay
	MessagesRecv atomic.Int64 // signaling messages read from the relay
	Dropped      atomic.Int64 // inbound messages ignored (wrong room, unknown peer, malformed)
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) AddLinkOpened() { s.LinksOpened.Add(1) }
func (s *Stats) AddLinkClosed() { s.LinksClosed.Add(1) }
func (s *Stats) AddSent()       { s.MessagesSent.Add(1) }
func (s *Stats) AddRecv()       { s.MessagesRecv.Add(1) }
func (s *Stats) AddDropped()    { s.Dropped.Add(1) }

// Live returns the number of links currently open.
func (s *Stats) Live() int64 {
	return s.LinksOpened.Load() - s.LinksClosed.Load()
}

// String summarises the totals since join.
func (s *Stats) String() string {
	return formatStats(s.Live(), s.MessagesSent.Load(), s.MessagesRecv.Load(), s.Dropped.Load())
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs meeting statistics
// every interval, skipping quiet periods. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				sent := s.MessagesSent.Load()
				recv := s.MessagesRecv.Load()
				opened := s.LinksOpened.Load()
				closed := s.LinksClosed.Load()

				if sent != prevSent || recv != prevRecv || opened != prevOpened || closed != prevClosed {
					pterm.DefaultLogger.Info(formatStats(s.Live(), sent-prevSent, recv-prevRecv, s.Dropped.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary for the logger.
func formatStats(live, sent, recv, dropped int64) string {
	return fmt.Sprintf("Peers: %2d | Signal: %3d↑ %3d↓ | Dropped: %d", live, sent, recv, dropped)
}
