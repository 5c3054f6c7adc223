package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileLock elects through an exclusive flock on a lock file. The lock
// is held for the life of the descriptor, so a crashed leader releases
// it without cleanup and a waiter picks it up on its next attempt.
type FileLock struct {
	path          string
	retryInterval time.Duration
	logger        *slog.Logger
	state         *subscribers

	mu      sync.Mutex
	file    *os.File
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewFileLock creates a flock elector over the given lock file path.
func NewFileLock(path string, logger *slog.Logger) *FileLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLock{
		path:          path,
		retryInterval: time.Second,
		logger:        logger.With("component", "leader", "strategy", "flock"),
		state:         newSubscribers(),
	}
}

// Start opens the lock file and begins acquisition attempts. The first
// attempt runs before Start returns, so a single instance is leader
// immediately.
func (f *FileLock) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("open lock file %s: %w", f.path, err)
	}
	f.file = file
	f.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.wg.Add(1)
	f.mu.Unlock()

	f.tryAcquire()
	go f.acquireLoop(loopCtx)
	return nil
}

func (f *FileLock) acquireLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.state.isLeader() {
				continue
			}
			f.tryAcquire()
		}
	}
}

func (f *FileLock) tryAcquire() {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file == nil {
		return
	}
	err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		f.logger.Info("acquired leadership", "path", f.path)
		f.state.set(true)
		return
	}
	if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
		f.logger.Warn("flock attempt failed", "path", f.path, "error", err)
	}
}

// Stop releases the lock and closes the descriptor. Another instance
// can acquire immediately.
func (f *FileLock) Stop() error {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = false
	cancel := f.cancel
	file := f.file
	f.file = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()

	var err error
	if file != nil {
		if unlockErr := unix.Flock(int(file.Fd()), unix.LOCK_UN); unlockErr != nil {
			err = fmt.Errorf("release lock: %w", unlockErr)
		}
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close lock file: %w", closeErr)
		}
	}
	f.state.set(false)
	return err
}

func (f *FileLock) IsLeader() bool {
	return f.state.isLeader()
}

func (f *FileLock) Subscribe(fn func(bool)) func() {
	return f.state.subscribe(fn)
}
