// Package bus is a best-effort broadcast channel between co-located
// instances. Messages are JSON files in a spool directory under the
// shared realm; an fsnotify watcher picks up files written by other
// instances. Loss and reordering are tolerated by every consumer.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/chronotask/chronotask/internal/tasks"
)

// Message kinds.
const (
	KindExecution = "execution"
	KindLeader    = "leader"
)

// maxMessageAge is how long spool files live before pruning.
const maxMessageAge = time.Minute

// Message is one spool entry. Exactly the field of the tagged kind is
// populated.
type Message struct {
	Kind     string    `json:"kind"`
	Instance string    `json:"instance"`
	SentAt   time.Time `json:"sent_at"`

	Execution *tasks.ExecutionStatusEvent `json:"execution,omitempty"`
	Leader    *LeaderClaim                `json:"leader,omitempty"`
}

// LeaderClaim announces that an instance took leadership, so followers
// demote promptly instead of waiting out their next election attempt.
type LeaderClaim struct {
	HolderID string `json:"holder_id"`
}

// Handler receives messages published by other instances.
type Handler func(msg Message)

// Bus publishes to and watches one spool directory.
type Bus struct {
	dir        string
	instanceID string
	logger     *slog.Logger

	mu      sync.Mutex
	subs    map[int]Handler
	nextSub int
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a bus over the spool directory, creating it if needed.
func New(dir, instanceID string, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Bus{
		dir:        dir,
		instanceID: instanceID,
		logger:     logger.With("component", "bus"),
		subs:       make(map[int]Handler),
	}, nil
}

// Start begins watching the spool for messages from other instances
// and pruning expired files.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch spool directory: %w", err)
	}
	b.watcher = watcher
	b.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(2)
	go b.watchLoop(loopCtx, watcher)
	go b.pruneLoop(loopCtx)
	return nil
}

// Close stops watching. Spool files left behind are pruned by any
// running instance.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	watcher := b.watcher
	b.watcher = nil
	b.mu.Unlock()

	cancel()
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	b.wg.Wait()
	return err
}

// Subscribe registers a handler for messages from other instances. The
// returned function removes the subscription.
func (b *Bus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// PublishExecution broadcasts an execution status change.
func (b *Bus) PublishExecution(ctx context.Context, event tasks.ExecutionStatusEvent) error {
	return b.publish(ctx, Message{Kind: KindExecution, Execution: &event})
}

// AnnounceLeader broadcasts a leadership claim.
func (b *Bus) AnnounceLeader(ctx context.Context, holderID string) error {
	return b.publish(ctx, Message{Kind: KindLeader, Leader: &LeaderClaim{HolderID: holderID}})
}

func (b *Bus) publish(_ context.Context, msg Message) error {
	msg.Instance = b.instanceID
	msg.SentAt = time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s.json", msg.SentAt.UnixNano(), b.instanceID, uuid.NewString())
	tmp := filepath.Join(b.dir, "."+name)
	final := filepath.Join(b.dir, name)

	// Write-then-rename so watchers only ever see complete files.
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (b *Bus) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			b.consume(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("spool watcher error", "error", err)
		}
	}
}

func (b *Bus) consume(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Another instance may have pruned it already.
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("dropping undecodable spool message", "file", base, "error", err)
		return
	}
	if msg.Instance == b.instanceID {
		return
	}

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func (b *Bus) pruneLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(maxMessageAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pruneOnce()
		}
	}
}

func (b *Bus) pruneOnce() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Warn("reading spool for prune", "error", err)
		return
	}
	cutoff := time.Now().Add(-maxMessageAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(b.dir, entry.Name()))
		}
	}
}
