// Package checkpoint persists session snapshots to the sqlite store.
// Writes are debounced: bursts of dirty marks for the same session
// coalesce into a single row update, so a crash loses at most the
// coalescing window.
package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/db"
	"github.com/agentbridge/agentbridge/internal/metrics"
	"github.com/agentbridge/agentbridge/internal/session"
)

const DefaultDebounce = 500 * time.Millisecond

type Checkpointer struct {
	store    *db.Store
	logger   *slog.Logger
	metrics  *metrics.Bridge
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*session.Session
	timer   *time.Timer
	closed  bool
}

func New(store *db.Store, logger *slog.Logger, m *metrics.Bridge, debounce time.Duration) *Checkpointer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Checkpointer{
		store:    store,
		logger:   logger,
		metrics:  m,
		debounce: debounce,
		pending:  map[string]*session.Session{},
	}
}

// MarkDirty schedules a checkpoint for the session. Repeated calls
// within the debounce window collapse into one write of the latest
// state.
func (c *Checkpointer) MarkDirty(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[s.ID] = s
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.flushPending)
	}
}

func (c *Checkpointer) flushPending() {
	c.mu.Lock()
	batch := c.pending
	c.pending = map[string]*session.Session{}
	c.timer = nil
	c.mu.Unlock()

	for _, s := range batch {
		c.save(s)
	}
}

func (c *Checkpointer) save(s *session.Session) {
	// A session can be closed after it was marked dirty; persisting it
	// would resurrect a record Delete already removed.
	if s.Closed() {
		return
	}
	snap := s.Export()
	body, history, err := EncodeSnapshot(snap)
	if err != nil {
		c.logger.Error("encode checkpoint", "session_id", snap.SessionID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := db.SessionRecord{
		SessionID:   snap.SessionID,
		BackendKind: string(snap.BackendKind),
		Snapshot:    body,
		History:     history,
	}
	if err := c.store.SaveSession(ctx, rec); err != nil {
		c.logger.Error("save checkpoint", "session_id", snap.SessionID, "error", err)
		return
	}
	c.metrics.IncCheckpointSave()
}

// Flush writes every pending session immediately, bypassing the
// debounce window.
func (c *Checkpointer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.pending
	c.pending = map[string]*session.Session{}
	c.mu.Unlock()

	for _, s := range batch {
		c.save(s)
	}
}

// Close flushes outstanding work and rejects further marks. Called
// during daemon shutdown after backends are detached.
func (c *Checkpointer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Flush()
}

// Delete removes the persisted record for a closed session and drops
// any still-debouncing dirty mark, so a pending flush cannot re-save
// the deleted record. A missing row is not an error; the session may
// never have been checkpointed.
func (c *Checkpointer) Delete(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()
	err := c.store.DeleteSession(ctx, sessionID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}

// Restore loads every persisted session into the registry. Records
// that fail to decode are logged and skipped so one corrupt row cannot
// block startup. Already-live sessions are left untouched.
func (c *Checkpointer) Restore(ctx context.Context, reg *session.Registry) error {
	recs, err := c.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		snap, err := DecodeSnapshot(rec.Snapshot, rec.History)
		if err != nil {
			c.logger.Error("skip corrupt checkpoint", "session_id", rec.SessionID, "error", err)
			continue
		}
		reg.Restore(snap)
		c.logger.Info("restored session", "session_id", snap.SessionID, "seq", snap.Seq, "pending", len(snap.Pending))
	}
	return nil
}
