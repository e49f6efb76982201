package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/agentbridge/agentbridge/internal/metrics"
	"github.com/agentbridge/agentbridge/internal/model"
)

// Registry owns the session map. Its lock only covers insert and
// lookup; per-session work happens on the session's own mutex, so
// cross-session operations never block on each other.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Bridge
	// dirty is handed to every session as its checkpoint hook.
	dirty func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(logger *slog.Logger, m *metrics.Bridge, dirty func(*Session)) *Registry {
	return &Registry{
		logger:   logger,
		metrics:  m,
		dirty:    dirty,
		sessions: map[string]*Session{},
	}
}

// GetOrCreate returns the session for id, creating it with empty state
// on a lookup miss. The backend kind is only overwritten when
// explicitly supplied, so a viewer reconnect can never silently revert
// an already-attached backend's kind.
func (r *Registry) GetOrCreate(id string, kind model.BackendKind) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		if kind != model.BackendUnknown {
			s.mu.Lock()
			s.backendKind = kind
			s.mu.Unlock()
		}
		return s
	}
	s := newSession(id, kind, r.logger, r.metrics, r.dirty)
	r.sessions[id] = s
	r.metrics.AddSessionsLive(1)
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the live sessions sorted by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops the session from memory without socket teardown. Used
// when the owning higher-level object is being discarded for unrelated
// reasons.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.metrics.AddSessionsLive(-1)
	}
	r.mu.Unlock()
}

// Close force-disconnects the backend and every viewer, then removes
// the session. Deleting the persisted record is the caller's job.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.metrics.AddSessionsLive(-1)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	return true
}

// Restore repopulates the registry from a persisted snapshot. An
// already-live in-memory session is never overwritten, which makes
// restore idempotent.
func (r *Registry) Restore(snap Snapshot) *Session {
	r.mu.Lock()
	if live, ok := r.sessions[snap.SessionID]; ok {
		r.mu.Unlock()
		return live
	}
	s := newSession(snap.SessionID, snap.BackendKind, r.logger, r.metrics, r.dirty)
	r.sessions[snap.SessionID] = s
	r.metrics.AddSessionsLive(1)
	r.mu.Unlock()

	s.apply(snap)
	return s
}
