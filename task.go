package divvy

// Item is a heterogeneous tuple of serializable values — one unit of
// work produced by a Task's Dispatch and consumed by its Perform.
type Item []interface{}

// Int reads the i'th element as an integer, accommodating the several
// concrete integer types a MessagePack decode into interface{} may
// produce. Returns ok=false if the index is out of range or the
// element isn't an integer.
func (it Item) Int(i int) (int64, bool) {
	if i < 0 || i >= len(it) {
		return 0, false
	}
	switch v := it[i].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint8:
		return int64(v), true
	default:
		return 0, false
	}
}

// String reads the i'th element as a string. Returns ok=false if the
// index is out of range or the element isn't a string.
func (it Item) String(i int) (string, bool) {
	if i < 0 || i >= len(it) {
		return "", false
	}
	s, ok := it[i].(string)
	return s, ok
}

// Task is the contract a caller supplies to the engine. Dispatch and
// Perform run in different processes once the pool is running;
// BeforeFork/AfterFork are the fork-timing hooks spec'd for the
// parent/child sides respectively. In this exec-based port, "fork"
// means "re-exec the current binary into worker mode" (see Worker),
// so AfterFork is invoked once in the freshly-started child, before
// its dequeue loop begins, rather than literally post-fork.
type Task interface {
	// Dispatch returns a channel of work items. The channel must be
	// closed when the sequence is exhausted; Dispatch is called
	// exactly once per Master.Run and is not restartable.
	Dispatch() <-chan Item

	// Perform executes one item. It runs inside a worker process.
	// A returned error ends that worker with a non-zero exit status;
	// the item is not retried.
	Perform(item Item) error

	// BeforeFork runs in the master, immediately before spawning the
	// given worker slot.
	BeforeFork(w *Worker)

	// AfterFork runs in the child, immediately after it re-execs into
	// worker mode and before it starts dequeuing items.
	AfterFork(w *Worker)

	// SocketPath names the rendezvous socket this task's pool
	// coordinates over.
	SocketPath() string
}
