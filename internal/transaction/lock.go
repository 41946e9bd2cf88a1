package transaction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// StaleLockThreshold is the age after which a lock without a pid is
	// considered stale.
	StaleLockThreshold = 30 * time.Minute

	// PollInterval is how often a waiting AcquireLock retries.
	PollInterval = 50 * time.Millisecond
)

var (
	ErrLockExists = errors.New("package lock exists: another operation may be in progress")
)

// Lock represents an exclusive per-package lock.
type Lock struct {
	path string
	file *os.File
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// AcquireLock blocks until it holds the lock <dir>/<name>.lock or ctx is
// done. Stale locks left by dead processes are broken.
func AcquireLock(ctx context.Context, dir, name string) (*Lock, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		lock, err := TryAcquireLock(ctx, dir, name)
		if !errors.Is(err, ErrLockExists) {
			return lock, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for lock %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TryAcquireLock makes a single attempt and returns ErrLockExists when a
// live holder has the lock.
// Uses O_CREATE|O_EXCL for atomic lock creation.
func TryAcquireLock(ctx context.Context, dir, name string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockPath := filepath.Join(dir, name+".lock")

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if !isLockStale(ctx, lockPath) {
			return nil, ErrLockExists
		}
		// Remove stale lock and retry once
		os.Remove(lockPath)
		file, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
		if err != nil {
			return nil, ErrLockExists
		}
	}

	lockData := fmt.Sprintf("pid=%d\ntimestamp=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(lockData); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock data: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return &Lock{
		path: lockPath,
		file: file,
	}, nil
}

// Release releases the lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if l.path != "" {
		path := l.path
		l.path = ""
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove lock file: %w", err)
		}
	}

	return nil
}

// isLockStale reports whether the lock at lockPath can be broken. A lock
// that records a pid is stale only once that process is gone, however long
// it has been held. Age decides only for locks without a readable pid.
func isLockStale(ctx context.Context, lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		// Vanished between open and stat; let the caller retry
		return os.IsNotExist(err)
	}

	pid, ok := readLockPID(lockPath)
	if !ok {
		return time.Since(info.ModTime()) > StaleLockThreshold
	}
	if pid == os.Getpid() {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	return !exists
}

// readLockPID parses the pid= line written by TryAcquireLock.
func readLockPID(lockPath string) (int, bool) {
	f, err := os.Open(lockPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		value, found := strings.CutPrefix(scanner.Text(), "pid=")
		if !found {
			continue
		}
		pid, err := strconv.Atoi(value)
		if err != nil || pid <= 0 {
			return 0, false
		}
		return pid, true
	}
	return 0, false
}
