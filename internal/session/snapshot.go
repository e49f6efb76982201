package session

import (
	"sort"

	"github.com/agentbridge/agentbridge/internal/model"
)

// Snapshot is the serializable image of a session, written to the
// durable store by the checkpoint layer and consumed only at process
// startup. Restoring it reproduces the pending-permission map, the
// history, the sequence counters, the idempotency set, and the queued
// outgoing commands.
type Snapshot struct {
	SessionID    string                    `cbor:"1,keyasint"`
	BackendKind  model.BackendKind         `cbor:"2,keyasint,omitempty"`
	State        model.StateSnapshot       `cbor:"3,keyasint"`
	Seq          int64                     `cbor:"4,keyasint"`
	LastAck      int64                     `cbor:"5,keyasint"`
	Buffer       []model.BufferedEvent     `cbor:"6,keyasint,omitempty"`
	Pending      []model.PermissionRequest `cbor:"7,keyasint,omitempty"`
	ProcessedIDs []string                  `cbor:"8,keyasint,omitempty"`
	Outgoing     []model.Command           `cbor:"9,keyasint,omitempty"`
	History      []model.HistoryEntry      `cbor:"10,keyasint,omitempty"`
}

// Export copies the session's persistent state under its lock.
func (s *Session) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:   s.ID,
		BackendKind: s.backendKind,
		State:       s.state,
		Seq:         s.seq,
		LastAck:     s.lastAck,
	}
	snap.Buffer = append(snap.Buffer, s.buffer...)
	snap.History = append(snap.History, s.history...)
	snap.ProcessedIDs = append(snap.ProcessedIDs, s.processedOrder...)
	snap.Outgoing = append(snap.Outgoing, s.outgoing...)
	for _, req := range s.pendingPerms {
		snap.Pending = append(snap.Pending, req)
	}
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].RequestID < snap.Pending[j].RequestID })
	return snap
}

// apply installs a persisted snapshot into a freshly created session.
// Only called on restore, before any connection can reach the session.
func (s *Session) apply(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backendKind = snap.BackendKind
	s.state = snap.State
	s.seq = snap.Seq
	s.lastAck = snap.LastAck
	s.buffer = append([]model.BufferedEvent(nil), snap.Buffer...)
	s.history = append([]model.HistoryEntry(nil), snap.History...)
	s.outgoing = append([]model.Command(nil), snap.Outgoing...)
	for _, req := range snap.Pending {
		s.pendingPerms[req.RequestID] = req
	}
	for _, id := range snap.ProcessedIDs {
		if _, ok := s.processed[id]; ok {
			continue
		}
		s.processed[id] = struct{}{}
		s.processedOrder = append(s.processedOrder, id)
	}
}
