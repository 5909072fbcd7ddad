package divvy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stats accumulates pool-lifetime counters: no TTL or per-entry
// expiry, just running totals. It is a mutex-guarded struct plus a
// periodic ticker (LogLoop) that logs a snapshot on an interval
// instead of sweeping anything.
type Stats struct {
	mu         sync.Mutex
	dispatched int
	spawned    int
	reaped     int
}

func newStats() *Stats { return &Stats{} }

func (s *Stats) incDispatched() {
	s.mu.Lock()
	s.dispatched++
	s.mu.Unlock()
}

func (s *Stats) incSpawned() {
	s.mu.Lock()
	s.spawned++
	s.mu.Unlock()
}

func (s *Stats) incReaped() {
	s.mu.Lock()
	s.reaped++
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of Stats, safe to hand outside
// the lock (§3.1).
type StatsSnapshot struct {
	Dispatched int
	Spawned    int
	Reaped     int
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{Dispatched: s.dispatched, Spawned: s.spawned, Reaped: s.reaped}
}

// LogLoop periodically logs a stats snapshot at debug level until ctx
// is canceled. Entirely optional instrumentation — the master's core
// loop never calls it; the CLI wires it in only under --verbose.
func (s *Stats) LogLoop(ctx context.Context, log zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			log.Debug().
				Int("dispatched", snap.Dispatched).
				Int("spawned", snap.Spawned).
				Int("reaped", snap.Reaped).
				Msg("pool stats")
		}
	}
}
