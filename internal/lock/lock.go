// Package lock keeps a single devle server attached to one state database.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned when another process owns the lock.
var ErrHeld = errors.New("state database is in use by another devle process")

// Instance is a held flock(2) on a PID file. The lock lasts while the
// descriptor stays open.
type Instance struct {
	path string
	f    *os.File
}

// PathFor returns the lock file that guards a state database.
func PathFor(statePath string) string {
	return statePath + ".lock"
}

// Acquire takes the lock guarding statePath without blocking and records the
// current PID in it.
func Acquire(statePath string) (*Instance, error) {
	if statePath == "" {
		return nil, fmt.Errorf("state path is empty")
	}
	path := PathFor(statePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid := Holder(statePath); pid > 0 {
				return nil, fmt.Errorf("%w (pid %d)", ErrHeld, pid)
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	in := &Instance{path: path, f: f}
	if err := in.writePID(); err != nil {
		_ = in.Release()
		return nil, err
	}
	return in, nil
}

func (in *Instance) writePID() error {
	if err := in.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := in.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := in.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Holder reads the PID recorded for statePath. It returns 0 when no PID
// is readable.
func Holder(statePath string) int {
	b, err := os.ReadFile(PathFor(statePath))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func (in *Instance) Path() string { return in.path }

// Release drops the lock. It is safe to call more than once.
func (in *Instance) Release() error {
	if in == nil || in.f == nil {
		return nil
	}
	_ = syscall.Flock(int(in.f.Fd()), syscall.LOCK_UN)
	err := in.f.Close()
	in.f = nil
	return err
}
