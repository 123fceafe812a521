package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"firerisk/internal/types"
)

// errLocked reports that another holder owns the lock.
var errLocked = errors.New("lock held by another writer")

// RetryPolicy bounds retries of lock acquisition and transient store opens.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy is three attempts with a fixed 500ms delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond}
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// fileLock is an advisory exclusive flock(2) on a sidecar file.
type fileLock struct {
	f *os.File
}

func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errLocked
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// acquireLock takes the lock at path, retrying on contention. After the last
// attempt it fails with internal_store_unavailable.
func acquireLock(ctx context.Context, path string, policy RetryPolicy, clock clockwork.Clock) (*fileLock, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		l, err := tryLock(path)
		if err == nil {
			return l, nil
		}
		lastErr = err
		if !errors.Is(err, errLocked) {
			break
		}
		if attempt == policy.attempts() {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clock.After(policy.Delay):
		}
	}
	return nil, types.NewAppErrorWithDetails(
		types.ErrCodeInternalStoreUnavailable,
		"store is locked by another writer",
		lastErr,
		map[string]any{"lock": path, "attempts": policy.attempts()},
	)
}

// withRetry runs op until it succeeds, returns a non-transient error, or
// runs out of attempts.
func withRetry[T any](ctx context.Context, policy RetryPolicy, clock clockwork.Clock, transient func(error) bool, op func() (T, error)) (T, error) {
	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		var v T
		v, err = op()
		if err == nil {
			return v, nil
		}
		if !transient(err) || attempt == policy.attempts() {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-clock.After(policy.Delay):
		}
	}
	return zero, err
}

// isTransient classifies errors worth retrying: permission flips and busy
// resources seen while another process swaps files.
func isTransient(err error) bool {
	return errors.Is(err, os.ErrPermission) ||
		errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ETXTBSY)
}
