// Package leader elects a single leader among co-located instances
// sharing a storage realm. The primary strategy holds an exclusive
// flock on a file in the realm; releasing the descriptor on stop or
// process exit hands leadership to a waiter immediately. When the
// filesystem cannot provide advisory locks, a heartbeat row in the
// shared database is the fallback.
package leader

import (
	"context"
	"log/slog"
	"sync"
)

// Elector is the common surface of the election strategies.
type Elector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	Subscribe(fn func(leader bool)) (unsubscribe func())
}

// subscribers is the shared transition fan-out used by both strategies.
type subscribers struct {
	mu     sync.Mutex
	subs   map[int]func(bool)
	nextID int
	leader bool
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]func(bool))}
}

func (s *subscribers) isLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

// set updates the state and fires callbacks on a transition.
func (s *subscribers) set(leader bool) {
	s.mu.Lock()
	if s.leader == leader {
		s.mu.Unlock()
		return
	}
	s.leader = leader
	fns := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(leader)
	}
}

func (s *subscribers) subscribe(fn func(bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// fallbackElector runs the primary strategy and falls back to the
// secondary when the primary cannot start.
type fallbackElector struct {
	primary  Elector
	fallback Elector
	logger   *slog.Logger

	mu     sync.Mutex
	active Elector
}

// Elect returns an elector that prefers primary and degrades to
// fallback. Start fails only when both strategies fail; callers are
// expected to assume solo leadership in that case.
func Elect(primary, fallback Elector, logger *slog.Logger) Elector {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackElector{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "leader"),
	}
}

func (f *fallbackElector) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.primary.Start(ctx); err == nil {
		f.active = f.primary
		return nil
	} else if f.fallback == nil {
		return err
	} else {
		f.logger.Warn("primary election strategy unavailable, using heartbeat fallback", "error", err)
	}

	if err := f.fallback.Start(ctx); err != nil {
		return err
	}
	f.active = f.fallback
	return nil
}

func (f *fallbackElector) Stop() error {
	f.mu.Lock()
	active := f.active
	f.active = nil
	f.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.Stop()
}

func (f *fallbackElector) IsLeader() bool {
	f.mu.Lock()
	active := f.active
	f.mu.Unlock()
	if active == nil {
		return false
	}
	return active.IsLeader()
}

func (f *fallbackElector) Subscribe(fn func(bool)) func() {
	f.mu.Lock()
	active := f.active
	f.mu.Unlock()
	if active == nil {
		return func() {}
	}
	return active.Subscribe(fn)
}
