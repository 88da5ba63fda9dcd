// Package lockgate implements the host-scoped exclusive file lock that
// serializes mount/unmount decisions on a single host (spec §4.1).
package lockgate

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
)

// Key identifies a lock file. Today DMS uses a single host-scoped key
// ("mount_unmount"), but the constructor accepts a Key so a future caller
// can switch to one lock per (host, target) without changing Acquire or
// Release's signatures.
type Key string

// DefaultKey is the lock file name used when no per-target refinement is in
// effect.
const DefaultKey Key = "mount_unmount"

// Token represents a held lock. It must be passed to Release exactly once.
type Token struct {
	file *os.File
}

// Gate is a host-scoped exclusive advisory file lock. The lock file is
// created once if missing and never deleted, which avoids a TOCTOU window
// during cleanup (a deleted-then-recreated lock file would let two holders
// believe they each hold the only lock).
type Gate struct {
	path         string
	pollInterval time.Duration

	mu sync.Mutex
}

// New creates a lock gate keyed by key under dir. The lock file path is
// "<dir>/<key>.lock". pollInterval controls how often Acquire retries the
// non-blocking flock attempt; the original Python implementation used a
// fixed 100ms.
func New(dir string, key Key, pollInterval time.Duration) (*Gate, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockgate: create lock dir %q: %w", dir, err)
	}
	path := fmt.Sprintf("%s/%s.lock", dir, key)

	// Create the lock file up front if it doesn't exist, so later Acquire
	// calls never race on file creation.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockgate: create lock file %q: %w", path, err)
	}
	_ = f.Close()

	return &Gate{path: path, pollInterval: pollInterval}, nil
}

// Path returns the lock file path, mainly for diagnostics and tests.
func (g *Gate) Path() string {
	return g.path
}

// Acquire blocks until the exclusive lock is obtained, the timeout elapses,
// or ctx is cancelled. The lock is held across any number of subsequent
// coordinator-internal steps; it is never reentrant, so a process must not
// call Acquire twice without an intervening Release.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockgate: open lock file %q: %w", g.path, err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Token{file: f}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			_ = f.Close()
			return nil, fmt.Errorf("lockgate: flock %q: %w", g.path, err)
		}

		if time.Now().After(deadline) {
			_ = f.Close()
			logger.Warn("lock acquisition timed out", "path", g.path, "timeout", timeout)
			return nil, dmserrors.NewLockTimeoutError(g.path)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("lockgate: acquire %q: %w", g.path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release unlocks and closes the file backing token. Release must be called
// exactly once per successful Acquire; calling it more than once is a
// programming error. If the holding process dies before calling Release,
// the kernel releases the advisory lock automatically on file-descriptor
// close (process exit), so a crash never leaves the lock stuck.
func (g *Gate) Release(token *Token) error {
	if token == nil || token.file == nil {
		return nil
	}
	if err := unix.Flock(int(token.file.Fd()), unix.LOCK_UN); err != nil {
		_ = token.file.Close()
		return fmt.Errorf("lockgate: unlock %q: %w", g.path, err)
	}
	return token.file.Close()
}
