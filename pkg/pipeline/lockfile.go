package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLockHeld means another live orchestrator owns the data directory.
var ErrLockHeld = errors.New("another orchestrator instance holds the lock")

// Lock is a PID lockfile enforcing the one-orchestrator-per-database contract.
type Lock struct {
	path string
}

// AcquireLock takes the lockfile at path. A lockfile whose recorded PID is no
// longer alive is treated as stale and replaced; a live PID fails with
// ErrLockHeld and no side effects.
func AcquireLock(path string) (*Lock, error) {
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, werr := fmt.Fprintf(f, "%d\n", os.Getpid()); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lockfile: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to close lockfile: %w", cerr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lockfile: %w", err)
		}

		pid, readErr := ReadLockPID(path)
		if readErr != nil {
			// Unreadable lockfile from a crashed writer; reclaim it.
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("failed to remove stale lockfile: %w", rmErr)
			}
			continue
		}
		if ProcessAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrLockHeld, pid)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove stale lockfile: %w", rmErr)
		}
	}
}

// Release removes the lockfile.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ReadLockPID parses the PID recorded in the lockfile at path.
func ReadLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed lockfile %s", path)
	}
	return pid, nil
}

// ProcessAlive probes whether pid refers to a running process. Signal 0
// performs the permission and existence checks without delivering anything.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
