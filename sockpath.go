package divvy

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSocketPath returns "<tmp>/divvy-<pid>.sock". Tasks may ignore
// it entirely and report their own SocketPath.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("divvy-%d.sock", os.Getpid()))
}
