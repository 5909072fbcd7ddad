package divvy

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const drainPollInterval = 10 * time.Millisecond

// Master runs a task to completion across a pool of worker processes.
// It is single-threaded except for the signal goroutine installed by
// installSignalTraps; all pool/dispatch state is touched only from
// the goroutine that calls Run.
type Master struct {
	task        Task
	concurrency int
	spawn       SpawnFunc
	log         zerolog.Logger

	workers    []*Worker
	socketPath string
	ln         *net.UnixListener

	shutdownFlag atomic.Bool
	reapFlag     atomic.Bool

	teardownOnce sync.Once

	stats   *Stats
	metrics *PromMetrics // nil unless metrics were wired in
}

// NewMaster constructs a pool of concurrency worker records. It does
// not spawn anything — spawning happens lazily from the boot step
// inside Run. concurrency must be >= 1.
func NewMaster(task Task, concurrency int, spawn SpawnFunc, log zerolog.Logger) (*Master, error) {
	if concurrency < 1 {
		return nil, &FatalError{Kind: ErrConfig, Err: fmt.Errorf("concurrency must be >= 1, got %d", concurrency)}
	}

	workers := make([]*Worker, concurrency)
	for i := range workers {
		workers[i] = newWorker(i + 1)
	}

	return &Master{
		task:        task,
		concurrency: concurrency,
		spawn:       spawn,
		log:         log,
		workers:     workers,
		socketPath:  task.SocketPath(),
		stats:       newStats(),
	}, nil
}

// WithMetrics attaches Prometheus instrumentation (already registered
// by NewPromMetrics) that the master updates alongside its Stats.
// Optional; a Master runs fine without it.
func (m *Master) WithMetrics(metrics *PromMetrics) *Master {
	m.metrics = metrics
	return m
}

// Stats returns a point-in-time snapshot of pool bookkeeping.
func (m *Master) Stats() StatsSnapshot { return m.stats.Snapshot() }

// LogStats runs a periodic debug-level stats log until ctx is
// canceled. Entirely optional; wired in by the CLI under --verbose.
func (m *Master) LogStats(ctx context.Context, log zerolog.Logger, interval time.Duration) {
	m.stats.LogLoop(ctx, log, interval)
}

// Run installs signal traps, opens the rendezvous socket, and
// distributes every item the task's Dispatch produces to exactly one
// worker, then drains the pool. It returns when the generator is
// exhausted or a shutdown signal was honored.
func (m *Master) Run() error {
	m.installSignalTraps()

	if err := m.startServer(); err != nil {
		return &FatalError{Kind: ErrSocketBind, Err: err}
	}
	defer m.teardown()

	items := m.task.Dispatch()

	for item := range items {
		m.boot()

		data, err := encodeItem(item)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to encode item, skipping")
			continue
		}
		if len(data) > MaxFrameSize {
			m.log.Warn().Int("size", len(data)).Msg("item exceeds max frame size, rejecting")
			continue
		}

		if err := m.handOff(data); err != nil {
			m.log.Error().Err(err).Msg("hand-off failed, skipping item")
			continue
		}
		m.stats.incDispatched()
		if m.metrics != nil {
			m.metrics.Dispatched.Inc()
		}

		if m.shutdownFlag.Load() {
			m.log.Info().Msg("shutdown flag set after hand-off, stopping dispatch")
			break
		}
		if m.reapFlag.CompareAndSwap(true, false) {
			m.drainReapable()
		}
	}

	m.drain()
	return nil
}

// boot spawns every slot that isn't currently running. Calling it
// with nothing to do (no dead slots) spawns nothing — the idempotent
// boot property (§8) falls straight out of Worker.Spawn's own check.
func (m *Master) boot() {
	for _, w := range m.workers {
		if w.Running() {
			continue
		}
		m.task.BeforeFork(w)
		if err := w.Spawn(m.spawn); err != nil {
			m.log.Error().Err(err).Int("worker", w.Number).Msg("failed to spawn worker")
			continue
		}
		m.stats.incSpawned()
		if m.metrics != nil {
			m.metrics.Spawned.Inc()
		}
		m.log.Info().Int("worker", w.Number).Int("pid", w.PID()).Msg("worker spawned")
	}
}

// handOff is one accept+write+close cycle: the kernel's accept queue
// picks which idle worker receives the item (§4.1 "Why this shape").
func (m *Master) handOff(data []byte) error {
	conn, err := m.ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write item: %w", err)
	}
	return nil
}

// drainReapable reaps every slot whose child has already exited,
// without blocking on any slot that hasn't.
func (m *Master) drainReapable() {
	for _, w := range m.workers {
		result, ok := w.Reap()
		if !ok {
			continue
		}
		m.stats.incReaped()
		if m.metrics != nil {
			m.metrics.Reaped.Inc()
		}
		m.log.Info().
			Int("worker", result.Number).
			Int("pid", result.PID).
			Str("status", result.Status.String()).
			Msg("worker reaped")
	}
}

// drain closes the rendezvous socket so any pending workers' connects
// fail fast, then reaps every running worker, polling until the pool
// is empty (§4.1 step 3).
func (m *Master) drain() {
	m.teardown()

	for {
		running := 0
		for _, w := range m.workers {
			if !w.Running() {
				continue
			}
			if _, ok := w.Reap(); ok {
				m.stats.incReaped()
				if m.metrics != nil {
					m.metrics.Reaped.Inc()
				}
				continue
			}
			running++
		}
		if running == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}

	m.log.Info().Msg("pool drained")
}

func (m *Master) startServer() error {
	ln, err := newRendezvousListener(m.socketPath, m.concurrency)
	if err != nil {
		return err
	}
	m.ln = ln
	return nil
}

// teardown closes and unlinks the rendezvous socket exactly once, so
// it may safely be called from both Run's defer and drain.
func (m *Master) teardown() {
	m.teardownOnce.Do(func() {
		if m.ln != nil {
			m.ln.Close()
		}
		_ = os.Remove(m.socketPath)
	})
}

// installSignalTraps wires INT/TERM/QUIT to the shutdown flag and
// CHLD to the reap flag. Go's signal.Notify already defers all actual
// work to a normal goroutine (unlike a C signal handler, it never runs
// in restricted handler context), so touching only atomics here isn't
// strictly required by the Go runtime, but it keeps all the real state
// transitions on the main loop where they're easy to reason about and
// log — see DESIGN.md.
func (m *Master) installSignalTraps() {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGCHLD)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				if !m.shutdownFlag.Swap(true) {
					m.log.Info().Str("signal", sig.String()).Msg("shutdown requested")
				}
			case syscall.SIGCHLD:
				m.reapFlag.Store(true)
			}
		}
	}()
}

// Workers exposes the pool's slots, for status reporting and tests.
func (m *Master) Workers() []*Worker {
	out := make([]*Worker, len(m.workers))
	copy(out, m.workers)
	return out
}
