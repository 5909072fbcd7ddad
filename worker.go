package divvy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// WorkerState is the lifecycle state of a pool slot (§3 invariant 4:
// not-spawned -> running -> reaped, monotonic, no resurrection within
// a single live child).
type WorkerState int32

const (
	WorkerNotSpawned WorkerState = iota
	WorkerRunning
	WorkerReaped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerNotSpawned:
		return "not-spawned"
	case WorkerRunning:
		return "running"
	case WorkerReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// SpawnFunc builds the *exec.Cmd used to bring slot's child to life.
// The Master calls it once per boot of an idle slot; everything
// CLI-specific (the binary path, the hidden re-exec flags, the task
// name) is the caller's concern, not the engine's.
type SpawnFunc func(slot int) (*exec.Cmd, error)

// Worker is one pool slot. A single Worker value is reused across the
// lifetime of the master run: a crashed child is reaped and the same
// slot is later re-spawned, but Number never changes and is never
// shared with another live child (§3 invariants 2-3).
type Worker struct {
	Number int

	mu     sync.Mutex
	cmd    *exec.Cmd
	pid    int
	state  WorkerState
	status unix.WaitStatus

	// shutdown is the child-local flag, set only inside the process
	// that a Worker value represents after re-exec into worker mode.
	// It is meaningless on the master's copy of the record.
	shutdown atomic.Bool
}

func newWorker(number int) *Worker {
	return &Worker{Number: number, state: WorkerNotSpawned}
}

// NewChildWorker builds the Worker value a re-exec'd worker process
// uses to represent itself: just the slot number, running state, and
// the shutdown flag the dequeue loop consults.
func NewChildWorker(number int) *Worker {
	return &Worker{Number: number, state: WorkerRunning, pid: os.Getpid()}
}

// Spawn (re)starts this slot if it isn't currently running. Calling
// Spawn on an already-running slot is a no-op — this is what makes
// the master's boot step idempotent (§8 "idempotent boot").
func (w *Worker) Spawn(spawn SpawnFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WorkerRunning {
		return nil
	}

	cmd, err := spawn(w.Number)
	if err != nil {
		return fmt.Errorf("build spawn command for worker %d: %w", w.Number, err)
	}
	// A worker inherits no references to its own stdin; it has no use
	// for input beyond what arrives over the rendezvous socket.
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %d: %w", w.Number, err)
	}

	w.cmd = cmd
	w.pid = cmd.Process.Pid
	w.status = unix.WaitStatus(0)
	w.state = WorkerRunning
	return nil
}

// Reap performs a non-blocking waitpid on this slot. It returns
// ok=false if the slot isn't running or hasn't exited yet.
//
// Unlike a literal fork, exec.Cmd.Start doesn't hand the master any
// sibling-worker or listener file descriptors to close in the child —
// a freshly exec'd process image inherits only stdio and ExtraFiles,
// so there is no post-fork cleanup step to run here; the OS does it
// implicitly by not inheriting anything else.
func (w *Worker) Reap() (ReapResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WorkerRunning {
		return ReapResult{}, false
	}

	var ws unix.WaitStatus
	pid, err := unix.Wait4(w.pid, &ws, unix.WNOHANG, nil)
	if err != nil || pid == 0 {
		return ReapResult{}, false
	}

	w.status = ws
	w.state = WorkerReaped
	result := ReapResult{Number: w.Number, PID: w.pid, Status: ws}
	w.pid = 0
	return result, true
}

// ReapResult describes a just-reaped child.
type ReapResult struct {
	Number int
	PID    int
	Status unix.WaitStatus
}

// Signal sends sig to the child. A kill to a nonexistent pid is
// swallowed as a no-op returning false, rather than treated as an error.
func (w *Worker) Signal(sig syscall.Signal) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pid == 0 {
		return false
	}
	if err := syscall.Kill(w.pid, sig); err != nil {
		return false
	}
	return true
}

// Kill sends SIGKILL, for tests and hard-crash-tolerance scenarios.
func (w *Worker) Kill() bool { return w.Signal(syscall.SIGKILL) }

// Running reports whether this slot currently holds a live child.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == WorkerRunning
}

// State returns the slot's current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PID returns the child's pid, or 0 if not running.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// ShutdownRequested reports whether this process (when the Worker
// value represents the child itself) has received a shutdown signal.
func (w *Worker) ShutdownRequested() bool { return w.shutdown.Load() }

// InstallChildSignalTraps wires INT/TERM/QUIT to the child-local
// shutdown flag and resets CHLD to its default disposition — a
// worker is not responsible for reaping anything (§4.4).
func InstallChildSignalTraps(w *Worker) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	signal.Reset(syscall.SIGCHLD)
	go func() {
		for range sigCh {
			w.shutdown.Store(true)
		}
	}()
}

const dialTimeout = 5 * time.Second

// RunWorkerLoop is the child main loop: pull one item at a time from
// the rendezvous socket, perform it, and exit when the source is
// exhausted, the socket disappears, or a shutdown signal lands after
// the current item finishes. Returns the process exit code.
func RunWorkerLoop(w *Worker, task Task, socketPath string, log zerolog.Logger) int {
	for {
		item, ok, err := dequeue(socketPath)
		if err != nil {
			log.Error().Err(err).Int("worker", w.Number).Msg("dequeue failed")
			return 1
		}
		if !ok {
			log.Info().Int("worker", w.Number).Msg("rendezvous exhausted, exiting")
			return 0
		}

		if err := task.Perform(item); err != nil {
			log.Error().Err(err).Int("worker", w.Number).Msg("perform failed")
			return 1
		}

		if w.ShutdownRequested() {
			return 0
		}
	}
}

// dequeue opens one client connection to the rendezvous socket, reads
// up to MaxFrameSize bytes (connection close marks end-of-item), and
// decodes it. A vanished socket file or a zero-byte connection both
// mean "end of stream", not an error.
func dequeue(socketPath string) (Item, bool, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, false, nil
	}

	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, false, nil
	}
	defer conn.Close()

	buf := make([]byte, MaxFrameSize)
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, false, fmt.Errorf("read item: %w", err)
		}
	}

	if total == 0 {
		return nil, false, nil
	}

	item, err := decodeItem(buf[:total])
	if err != nil {
		return nil, false, fmt.Errorf("decode item: %w", err)
	}
	return item, true, nil
}
