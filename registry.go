package divvy

import (
	"fmt"
	"sort"
	"sync"
)

// Go has no equivalent of a dynamic `require` of an arbitrary task
// file, so divvy resolves the CLI's "path to a task definition file"
// argument (§6) against a name-keyed registry instead: task packages
// register a constructor from an init(), the CLI blank-imports the
// packages it wants available, and `divvy run <name>` looks the name
// up here. This is the same pattern database/sql drivers use.

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Task{}
)

// Register makes a task constructor available under name. Intended to
// be called from a task package's init().
func Register(name string, construct func() Task) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = construct
}

// Lookup constructs a fresh Task instance for name.
func Lookup(name string) (Task, error) {
	registryMu.RLock()
	construct, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown task %q (known: %v)", name, Known())
	}
	return construct(), nil
}

// Known returns the sorted list of registered task names.
func Known() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
