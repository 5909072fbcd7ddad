package divvy

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// newRendezvousListener binds a unix-domain stream socket at path with
// an explicit listen backlog. net.ListenUnix leaves the backlog to the
// OS default; the pool needs it pinned to N (the pool's concurrency)
// so the socket is built with the raw syscalls and then handed to
// net.FileListener — the same FD-to-Listener handoff pattern used for
// inherited listeners during a graceful restart.
//
// Any stale file at path is unlinked first; this is deliberate (a
// concurrent master bound to the same path is disrupted by design).
func newRendezvousListener(path string, backlog int) (*net.UnixListener, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	f := os.NewFile(uintptr(fd), path)
	ln, err := net.FileListener(f)
	f.Close() // net.FileListener dups the fd; our copy is no longer needed
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}

	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}
	unixLn.SetUnlinkOnClose(true)
	return unixLn, nil
}
