// Package session owns the bridge's per-session state: the exclusive
// backend handle, the viewer fan-out set, the sequenced replay buffer,
// the idempotency guard, and permission negotiation. Each session is a
// single mutex-guarded actor: viewer and backend connections submit
// work through its methods, and handler invocations serialize on the
// session mutex. Nothing here blocks on I/O beyond the single outgoing
// write per message.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/adapter"
	"github.com/agentbridge/agentbridge/internal/metrics"
	"github.com/agentbridge/agentbridge/internal/model"
)

const (
	// DefaultEventBufferSize bounds the replay ring buffer. The gap
	// policy is a fixed in-memory ring, not a time window.
	DefaultEventBufferSize = 1000
	// DefaultIdempotencySize bounds the processed client-message-id
	// set. A duplicate arriving after eviction is processed again; the
	// bounded staleness window is the accepted tradeoff against
	// unbounded growth.
	DefaultIdempotencySize = 500
)

var (
	ErrClosed             = errors.New("session closed")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ViewerConn is one attached viewer socket. The session holds these
// weakly: a send failure never removes the viewer (its own close signal
// does), and tearing down the backend side never touches them.
type ViewerConn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Session is the unit of conversation state.
type Session struct {
	ID string

	logger  *slog.Logger
	metrics *metrics.Bridge
	// dirty is the checkpoint hook, invoked after any mutation worth
	// persisting. May be nil (in-memory only: an accepted degraded
	// mode, not an error).
	dirty func()

	mu          sync.Mutex
	closed      bool
	backendKind model.BackendKind
	backend     adapter.Adapter
	// backendGen supersedes callbacks from replaced adapters: a stale
	// generation's events are dropped instead of corrupting state.
	backendGen   int
	backendReady bool

	state   model.StateSnapshot
	history []model.HistoryEntry

	seq       int64
	buffer    []model.BufferedEvent
	bufferCap int
	lastAck   int64

	viewers map[string]ViewerConn

	pendingPerms map[string]model.PermissionRequest

	processed      map[string]struct{}
	processedOrder []string
	processedCap   int

	outgoing []model.Command
}

func newSession(id string, kind model.BackendKind, logger *slog.Logger, m *metrics.Bridge, dirty func(*Session)) *Session {
	s := &Session{
		ID:           id,
		logger:       logger.With("session", id),
		metrics:      m,
		backendKind:  kind,
		bufferCap:    DefaultEventBufferSize,
		processedCap: DefaultIdempotencySize,
		viewers:      map[string]ViewerConn{},
		pendingPerms: map[string]model.PermissionRequest{},
		processed:    map[string]struct{}{},
	}
	if dirty != nil {
		s.dirty = func() { dirty(s) }
	}
	return s
}

// BackendKind returns the protocol variant recorded for this session.
func (s *Session) BackendKind() model.BackendKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendKind
}

// BackendConnected reports whether a live, ready backend is attached.
func (s *Session) BackendConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendReady
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// State returns a copy of the cumulative state snapshot.
func (s *Session) State() model.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ViewerCount returns the number of attached viewer sockets.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// LastSeq returns the most recently assigned sequence number.
func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// AttachBackend installs a new exclusive backend handle built by attach.
// Any previous handle's callbacks are superseded, not closed: its socket
// may linger but its events no longer reach the session. The recorded
// backend kind is only overwritten when kind is explicitly supplied.
func (s *Session) AttachBackend(kind model.BackendKind, attach func(adapter.Callbacks) (adapter.Adapter, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.backendGen++
	gen := s.backendGen
	if kind != model.BackendUnknown {
		s.backendKind = kind
	}
	s.backendReady = false
	s.mu.Unlock()

	cb := adapter.Callbacks{
		OnEvent:        func(msg model.Message) { s.onBackendEvent(gen, msg) },
		OnState:        func(patch model.StatePatch) { s.onBackendState(gen, patch) },
		OnPermission:   func(req model.PermissionRequest) { s.onBackendPermission(gen, req) },
		OnConnected:    func() { s.onBackendConnected(gen) },
		OnMeta:         func(meta adapter.Meta) { s.onBackendMeta(gen, meta) },
		OnDisconnected: func(reason string) { s.onBackendDisconnected(gen, reason) },
	}
	backend, err := attach(cb)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if gen == s.backendGen {
		s.backend = backend
	}
	s.mu.Unlock()
	s.markDirty()
	return nil
}

func (s *Session) currentGen(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.backendGen && !s.closed
}

func (s *Session) onBackendConnected(gen int) {
	if !s.currentGen(gen) {
		return
	}
	s.mu.Lock()
	s.backendReady = true
	queued := s.outgoing
	s.outgoing = nil
	backend := s.backend
	kind := s.backendKind
	s.mu.Unlock()

	if msg, err := model.NewMessage(model.TypeCLIConnected, model.CLIConnectedData{BackendKind: kind}); err == nil {
		s.Broadcast(msg)
	}

	if backend == nil {
		// The adapter can signal readiness from inside the attach
		// callback, before AttachBackend stores the handle. Put the
		// queue back so nothing is dropped; the next readiness signal
		// flushes it.
		s.mu.Lock()
		s.outgoing = append(queued, s.outgoing...)
		s.mu.Unlock()
	} else {
		// Flush strictly in submission order.
		for _, cmd := range queued {
			if err := backend.Send(context.Background(), cmd); err != nil {
				s.logger.Warn("flushing queued command", "type", cmd.Type, "error", err)
			}
		}
	}
	s.markDirty()
}

// onBackendDisconnected treats the loss of the backend as a normal
// lifecycle transition: pending approvals are cancelled one by one,
// viewers keep their replay history, and the session stays alive for
// the next attach.
func (s *Session) onBackendDisconnected(gen int, reason string) {
	if !s.currentGen(gen) {
		return
	}
	s.mu.Lock()
	s.backendReady = false
	cancelled := make([]model.PermissionRequest, 0, len(s.pendingPerms))
	for _, req := range s.pendingPerms {
		cancelled = append(cancelled, req)
	}
	s.pendingPerms = map[string]model.PermissionRequest{}
	s.mu.Unlock()

	// Deterministic cancellation order for tests and logs.
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].RequestID < cancelled[j].RequestID })
	s.metrics.AddPendingPermissions(-float64(len(cancelled)))
	for _, req := range cancelled {
		if msg, err := model.NewMessage(model.TypePermissionCancelled, model.PermissionCancelledData{
			RequestID: req.RequestID,
			Reason:    "backend disconnected",
		}); err == nil {
			s.Broadcast(msg)
		}
	}
	if msg, err := model.NewMessage(model.TypeCLIDisconnected, model.CLIDisconnectedData{Reason: reason}); err == nil {
		s.Broadcast(msg)
	}
	s.markDirty()
}

func (s *Session) onBackendMeta(gen int, meta adapter.Meta) {
	if !s.currentGen(gen) {
		return
	}
	s.logger.Info("backend metadata learned", "kind", meta.Kind, "native_session", meta.NativeSessionID)
}

func (s *Session) onBackendState(gen int, patch model.StatePatch) {
	if !s.currentGen(gen) {
		return
	}
	s.mu.Lock()
	s.state.Apply(patch)
	s.mu.Unlock()
	if msg, err := model.NewMessage(model.TypeSessionUpdate, model.SessionUpdateData{State: patch}); err == nil {
		s.Broadcast(msg)
	}
	s.markDirty()
}

func (s *Session) onBackendEvent(gen int, msg model.Message) {
	if !s.currentGen(gen) {
		return
	}
	// Adapters announce backend-side withdrawals (cancel records,
	// dynamic tool timeouts) as permission_cancelled events; the
	// pending entry goes away before viewers hear about it.
	if msg.Type == model.TypePermissionCancelled {
		var data model.PermissionCancelledData
		if err := json.Unmarshal(msg.Data, &data); err == nil {
			s.mu.Lock()
			if _, ok := s.pendingPerms[data.RequestID]; ok {
				delete(s.pendingPerms, data.RequestID)
				s.metrics.AddPendingPermissions(-1)
			}
			s.mu.Unlock()
		}
	}
	s.Broadcast(msg)
	if msg.Type.HistoryBacked() {
		s.appendHistory(msg.Type, msg.Data)
	}
	s.markDirty()
}

func (s *Session) onBackendPermission(gen int, req model.PermissionRequest) {
	if !s.currentGen(gen) {
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.pendingPerms[req.RequestID] = req
	s.mu.Unlock()
	s.metrics.AddPendingPermissions(1)

	if msg, err := model.NewMessage(model.TypePermissionRequest, req); err == nil {
		s.Broadcast(msg)
	}
	s.markDirty()
}

func (s *Session) appendHistory(t model.MessageType, raw json.RawMessage) {
	s.mu.Lock()
	s.history = append(s.history, model.HistoryEntry{Type: t, Raw: raw, At: time.Now().UTC()})
	s.mu.Unlock()
}

// Broadcast assigns the next sequence number, buffers the event if its
// type is replayable, serializes once, and pushes to every viewer.
// Sockets that error are skipped silently; their own close signal
// removes them.
func (s *Session) Broadcast(msg model.Message) {
	s.mu.Lock()
	s.seq++
	msg.Seq = s.seq
	data, err := json.Marshal(msg)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("marshal broadcast", "type", msg.Type, "error", err)
		return
	}
	if msg.Type.Replayable() {
		if len(s.buffer) >= s.bufferCap {
			s.buffer = s.buffer[1:]
			s.metrics.IncBufferEviction()
		}
		s.buffer = append(s.buffer, model.BufferedEvent{Seq: msg.Seq, Type: msg.Type, Raw: data})
	}
	targets := make([]ViewerConn, 0, len(s.viewers))
	for _, v := range s.viewers {
		targets = append(targets, v)
	}
	s.mu.Unlock()

	s.metrics.IncBroadcast()
	for _, v := range targets {
		if err := v.Send(data); err != nil {
			s.metrics.IncViewerSendFailure()
			s.logger.Debug("viewer send failed", "viewer", v.ID(), "error", err)
		}
	}
}

// AddViewer attaches a viewer socket and sends it the full state
// snapshot. Replay of missed events happens when the viewer subscribes.
func (s *Session) AddViewer(v ViewerConn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.viewers[v.ID()] = v
	init := model.SessionInitData{
		SessionID:   s.ID,
		BackendKind: s.backendKind,
		Connected:   s.backendReady,
		State:       s.state,
		LastSeq:     s.seq,
	}
	for _, req := range s.pendingPerms {
		init.Pending = append(init.Pending, req)
	}
	s.mu.Unlock()
	sort.Slice(init.Pending, func(i, j int) bool { return init.Pending[i].RequestID < init.Pending[j].RequestID })

	msg, err := model.NewMessage(model.TypeSessionInit, init)
	if err != nil {
		return err
	}
	return s.sendTo(v, msg)
}

// RemoveViewer drops the socket from the fan-out set. Called from the
// connection's own close signal.
func (s *Session) RemoveViewer(id string) {
	s.mu.Lock()
	delete(s.viewers, id)
	s.mu.Unlock()
}

// sendTo serializes a message for exactly one viewer, without assigning
// a sequence number or touching the buffer.
func (s *Session) sendTo(v ViewerConn, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return v.Send(data)
}

// Close force-disconnects the backend and every viewer. The caller is
// responsible for deleting any persisted record.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	backend := s.backend
	s.backend = nil
	s.backendReady = false
	viewers := make([]ViewerConn, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.viewers = map[string]ViewerConn{}
	pendingCount := len(s.pendingPerms)
	s.pendingPerms = map[string]model.PermissionRequest{}
	s.mu.Unlock()

	s.metrics.AddPendingPermissions(-float64(pendingCount))
	if backend != nil {
		if err := backend.Close(); err != nil {
			s.logger.Debug("closing backend", "error", err)
		}
	}
	for _, v := range viewers {
		if err := v.Close(); err != nil {
			s.logger.Debug("closing viewer", "viewer", v.ID(), "error", err)
		}
	}
}

func (s *Session) markDirty() {
	if s.dirty != nil {
		s.dirty()
	}
}
