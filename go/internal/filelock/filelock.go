// Package filelock serializes writers of the shared ledger across requests
// with an exclusive advisory lock on a well-known file.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrLockUnavailable is returned when the lock could not be obtained before the timeout.
var ErrLockUnavailable = errors.New("lock unavailable")

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 25 * time.Millisecond
)

// Locker hands out exclusive ownership of one lock file.
type Locker struct {
	path         string
	timeout      time.Duration
	pollInterval time.Duration
	clock        clockwork.Clock
}

// Option configures a Locker.
type Option func(*Locker)

// WithTimeout bounds how long Acquire waits for another holder.
func WithTimeout(d time.Duration) Option {
	return func(l *Locker) { l.timeout = d }
}

// WithPollInterval sets how often a busy lock is retried.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) { l.pollInterval = d }
}

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(l *Locker) { l.clock = c }
}

// New creates a Locker for path. The file is created on first Acquire.
func New(path string, opts ...Option) *Locker {
	l := &Locker{
		path:         path,
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file location.
func (l *Locker) Path() string {
	return l.path
}

// Acquire blocks until the lock is held, the timeout expires or ctx is done.
// The caller must defer Release on the returned handle.
func (l *Locker) Acquire(ctx context.Context) (*Handle, error) {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	start := l.clock.Now()
	deadline := start.Add(l.timeout)
	ticker := l.clock.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		locked, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", l.path, err)
		}
		if locked {
			if attempt > 1 {
				log.Debug().
					Str("lock", l.path).
					Int("attempts", attempt).
					Dur("waited", l.clock.Since(start)).
					Msg("lock acquired after contention")
			}
			return &Handle{file: f, path: l.path}, nil
		}

		if !l.clock.Now().Before(deadline) {
			f.Close()
			log.Error().
				Str("lock", l.path).
				Dur("timeout", l.timeout).
				Msg("could not get the lock")
			return nil, fmt.Errorf("%s after %s: %w", l.path, l.timeout, ErrLockUnavailable)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Handle represents ownership of the lock. Release is safe to call more than once.
type Handle struct {
	file *os.File
	path string
	once sync.Once
}

// Release drops the lock and closes the file.
func (h *Handle) Release() {
	h.once.Do(func() {
		if err := unlock(h.file); err != nil {
			log.Error().Err(err).Str("lock", h.path).Msg("failed to unlock")
		}
		if err := h.file.Close(); err != nil {
			log.Error().Err(err).Str("lock", h.path).Msg("failed to close lock file")
		}
	})
}
