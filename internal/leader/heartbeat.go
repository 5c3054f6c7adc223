package leader

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// beatInterval is how often the current leader rewrites its row.
	beatInterval = 2 * time.Second

	// claimAfter is how stale a heartbeat must be before another
	// instance may claim leadership.
	claimAfter = 5 * time.Second
)

// Heartbeat elects through a leadership row in the shared database.
// The leader rewrites {holder_id, beat_at} every beat; any instance
// claims the row once the beat is older than the claim window.
type Heartbeat struct {
	db       *sql.DB
	realm    string
	holderID string
	logger   *slog.Logger
	state    *subscribers

	beatEvery time.Duration
	staleAge  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewHeartbeat creates a heartbeat elector on the shared database.
// holderID must be unique per instance.
func NewHeartbeat(db *sql.DB, realm, holderID string, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		db:        db,
		realm:     realm,
		holderID:  holderID,
		logger:    logger.With("component", "leader", "strategy", "heartbeat"),
		state:     newSubscribers(),
		beatEvery: beatInterval,
		staleAge:  claimAfter,
	}
}

// Start creates the heartbeat table, makes one claim attempt, and
// begins the beat loop.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	if h.db == nil {
		return fmt.Errorf("heartbeat elector requires a database")
	}

	_, err := h.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS leader_heartbeat (
			realm TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			beat_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create heartbeat table: %w", err)
	}

	h.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.beat(loopCtx)

	h.wg.Add(1)
	go h.beatLoop(loopCtx)
	return nil
}

func (h *Heartbeat) beatLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.beatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

// beat claims or renews the leadership row. The conditional upsert
// succeeds for the current holder or when the row is stale; rows
// affected tells us whether we lead.
func (h *Heartbeat) beat(ctx context.Context) {
	now := time.Now().UnixMilli()
	stale := now - h.staleAge.Milliseconds()

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO leader_heartbeat (realm, holder_id, beat_at)
		VALUES (?, ?, ?)
		ON CONFLICT(realm) DO UPDATE SET
			holder_id = excluded.holder_id,
			beat_at = excluded.beat_at
		WHERE leader_heartbeat.holder_id = excluded.holder_id
			OR leader_heartbeat.beat_at < ?
	`, h.realm, h.holderID, now, stale)
	if err != nil {
		h.logger.Warn("heartbeat write failed", "error", err)
		h.state.set(false)
		return
	}

	affected, err := result.RowsAffected()
	if err != nil {
		h.logger.Warn("heartbeat result unavailable", "error", err)
		return
	}
	if affected > 0 {
		if !h.state.isLeader() {
			h.logger.Info("claimed leadership", "realm", h.realm)
		}
		h.state.set(true)
		return
	}
	h.state.set(false)
}

// Stop ends the beat loop and abandons the row so another instance
// claims it after the stale window.
func (h *Heartbeat) Stop() error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	if h.state.isLeader() {
		// Zero the beat so a waiter claims without the stale delay.
		_, err := h.db.Exec(
			"UPDATE leader_heartbeat SET beat_at = 0 WHERE realm = ? AND holder_id = ?",
			h.realm, h.holderID)
		if err != nil {
			h.logger.Warn("releasing heartbeat row", "error", err)
		}
	}
	h.state.set(false)
	return nil
}

func (h *Heartbeat) IsLeader() bool {
	return h.state.isLeader()
}

func (h *Heartbeat) Subscribe(fn func(bool)) func() {
	return h.state.subscribe(fn)
}
