package transaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// deadPID is far above any kernel pid_max.
const deadPID = 2147483600

func TestTryAcquireLock(t *testing.T) {
	t.Run("creates lock file named after the package", func(t *testing.T) {
		dir := t.TempDir()

		lock, err := TryAcquireLock(context.Background(), dir, "tool")
		if err != nil {
			t.Fatalf("TryAcquireLock failed: %v", err)
		}
		defer lock.Release()

		lockPath := filepath.Join(dir, "tool.lock")
		if lock.Path() != lockPath {
			t.Errorf("expected lock path %s, got %s", lockPath, lock.Path())
		}
		data, err := os.ReadFile(lockPath)
		if err != nil {
			t.Fatalf("failed to read lock file: %v", err)
		}
		if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(data[:len(want)]) != want {
			t.Errorf("lock file should start with %q, got %q", want, data)
		}
	})

	t.Run("prevents concurrent locks", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		lock1, err := TryAcquireLock(ctx, dir, "tool")
		if err != nil {
			t.Fatalf("first TryAcquireLock failed: %v", err)
		}
		defer lock1.Release()

		_, err = TryAcquireLock(ctx, dir, "tool")
		if !errors.Is(err, ErrLockExists) {
			t.Errorf("expected ErrLockExists, got %v", err)
		}
	})

	t.Run("different packages do not contend", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		a, err := TryAcquireLock(ctx, dir, "a")
		if err != nil {
			t.Fatalf("lock a: %v", err)
		}
		defer a.Release()
		b, err := TryAcquireLock(ctx, dir, "b")
		if err != nil {
			t.Fatalf("lock b: %v", err)
		}
		defer b.Release()
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := TryAcquireLock(ctx, t.TempDir(), "tool"); err == nil {
			t.Error("expected error for cancelled context")
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "locks")

		lock, err := TryAcquireLock(context.Background(), dir, "tool")
		if err != nil {
			t.Fatalf("TryAcquireLock failed: %v", err)
		}
		defer lock.Release()

		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Error("directory not created")
		}
	})
}

func TestAcquireLockWaits(t *testing.T) {
	t.Run("blocks until holder releases", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		held, err := AcquireLock(ctx, dir, "tool")
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}

		acquired := make(chan *Lock)
		go func() {
			lock, err := AcquireLock(ctx, dir, "tool")
			if err != nil {
				t.Errorf("waiting AcquireLock failed: %v", err)
			}
			acquired <- lock
		}()

		select {
		case <-acquired:
			t.Fatal("second AcquireLock returned while lock was held")
		case <-time.After(3 * PollInterval):
		}

		held.Release()

		select {
		case lock := <-acquired:
			lock.Release()
		case <-time.After(5 * time.Second):
			t.Fatal("second AcquireLock did not return after release")
		}
	})

	t.Run("gives up when context expires", func(t *testing.T) {
		dir := t.TempDir()

		held, err := AcquireLock(context.Background(), dir, "tool")
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		defer held.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 2*PollInterval)
		defer cancel()

		_, err = AcquireLock(ctx, dir, "tool")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
	})

	t.Run("serializes many goroutines", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lock, err := AcquireLock(ctx, dir, "tool")
				if err != nil {
					t.Errorf("AcquireLock failed: %v", err)
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				lock.Release()
			}()
		}
		wg.Wait()

		if maxInside != 1 {
			t.Errorf("expected at most one holder at a time, saw %d", maxInside)
		}
	})
}

func TestLockRelease(t *testing.T) {
	t.Run("removes lock file", func(t *testing.T) {
		dir := t.TempDir()

		lock, err := AcquireLock(context.Background(), dir, "tool")
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		lockPath := lock.Path()

		if err := lock.Release(); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
			t.Error("lock file should be removed after release")
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		lock, err := AcquireLock(context.Background(), t.TempDir(), "tool")
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}

		if err := lock.Release(); err != nil {
			t.Fatalf("first Release failed: %v", err)
		}
		if err := lock.Release(); err != nil {
			t.Fatalf("second Release should not error: %v", err)
		}
	})
}

func TestStaleLockHandling(t *testing.T) {
	writeLock := func(t *testing.T, dir string, pid int) string {
		t.Helper()
		lockPath := filepath.Join(dir, "tool.lock")
		data := fmt.Sprintf("pid=%d\ntimestamp=2020-01-01T00:00:00Z\n", pid)
		if err := os.WriteFile(lockPath, []byte(data), 0600); err != nil {
			t.Fatalf("failed to create lock: %v", err)
		}
		return lockPath
	}

	age := func(t *testing.T, lockPath string) {
		t.Helper()
		staleTime := time.Now().Add(-StaleLockThreshold - time.Minute)
		if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
			t.Fatalf("failed to set stale time: %v", err)
		}
	}

	t.Run("breaks old lock without pid", func(t *testing.T) {
		dir := t.TempDir()
		lockPath := filepath.Join(dir, "tool.lock")
		if err := os.WriteFile(lockPath, []byte("timestamp=2020-01-01T00:00:00Z\n"), 0600); err != nil {
			t.Fatalf("failed to create lock: %v", err)
		}
		age(t, lockPath)

		lock, err := TryAcquireLock(context.Background(), dir, "tool")
		if err != nil {
			t.Fatalf("TryAcquireLock should succeed with stale lock: %v", err)
		}
		defer lock.Release()
	})

	t.Run("keeps old lock held by live process", func(t *testing.T) {
		for _, pid := range []int{os.Getpid(), os.Getppid()} {
			dir := t.TempDir()
			age(t, writeLock(t, dir, pid))

			_, err := TryAcquireLock(context.Background(), dir, "tool")
			if !errors.Is(err, ErrLockExists) {
				t.Errorf("pid %d: expected ErrLockExists, got %v", pid, err)
			}
		}
	})

	t.Run("keeps long-held lock", func(t *testing.T) {
		dir := t.TempDir()
		held, err := TryAcquireLock(context.Background(), dir, "tool")
		if err != nil {
			t.Fatalf("TryAcquireLock failed: %v", err)
		}
		defer held.Release()
		age(t, held.Path())

		if _, err := TryAcquireLock(context.Background(), dir, "tool"); !errors.Is(err, ErrLockExists) {
			t.Errorf("expected ErrLockExists while the holder is alive, got %v", err)
		}
	})

	t.Run("breaks lock held by dead process", func(t *testing.T) {
		dir := t.TempDir()
		writeLock(t, dir, deadPID)

		lock, err := TryAcquireLock(context.Background(), dir, "tool")
		if err != nil {
			t.Fatalf("TryAcquireLock should break dead holder's lock: %v", err)
		}
		defer lock.Release()
	})

	t.Run("keeps fresh lock held by live process", func(t *testing.T) {
		dir := t.TempDir()
		writeLock(t, dir, os.Getpid())

		_, err := TryAcquireLock(context.Background(), dir, "tool")
		if !errors.Is(err, ErrLockExists) {
			t.Errorf("expected ErrLockExists, got %v", err)
		}
	})

	t.Run("keeps fresh lock without pid", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "tool.lock"), nil, 0600); err != nil {
			t.Fatalf("failed to create lock: %v", err)
		}

		_, err := TryAcquireLock(context.Background(), dir, "tool")
		if !errors.Is(err, ErrLockExists) {
			t.Errorf("expected ErrLockExists, got %v", err)
		}
	})
}
