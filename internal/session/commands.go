package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentbridge/agentbridge/internal/adapter"
	"github.com/agentbridge/agentbridge/internal/model"
)

// HandleCommand processes one viewer-submitted command. Duplicate
// retries (same client message id, before eviction) are dropped
// silently so they produce exactly one backend-directed effect.
func (s *Session) HandleCommand(v ViewerConn, cmd model.Command) error {
	if s.isDuplicate(cmd.MessageID) {
		s.metrics.IncDuplicateCommand()
		s.logger.Debug("dropping duplicate command", "type", cmd.Type, "message_id", cmd.MessageID)
		return nil
	}

	switch cmd.Type {
	case model.CmdSessionSubscribe:
		var data model.SubscribeData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode session_subscribe: %w", err)
		}
		return s.Subscribe(v, data.LastSeq)
	case model.CmdSessionAck:
		var data model.AckData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode session_ack: %w", err)
		}
		s.Ack(data.Seq)
		return nil
	case model.CmdUserMessage:
		return s.handleUserMessage(cmd)
	case model.CmdPermissionResponse:
		return s.handlePermissionResponse(cmd)
	case model.CmdInterrupt, model.CmdSetModel, model.CmdSetPermissionMode,
		model.CmdMCPStatus, model.CmdMCPToggle, model.CmdMCPReconnect, model.CmdMCPSetServers:
		return s.forward(cmd)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// isDuplicate records the id (with bounded FIFO eviction) and reports
// whether it was already processed. Commands without a client id are
// never deduplicated.
func (s *Session) isDuplicate(messageID string) bool {
	if messageID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[messageID]; ok {
		return true
	}
	s.processed[messageID] = struct{}{}
	s.processedOrder = append(s.processedOrder, messageID)
	if len(s.processedOrder) > s.processedCap {
		evicted := s.processedOrder[0]
		s.processedOrder = s.processedOrder[1:]
		delete(s.processed, evicted)
	}
	return false
}

func (s *Session) handleUserMessage(cmd model.Command) error {
	var data model.UserMessageData
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		return fmt.Errorf("decode user_message: %w", err)
	}
	// Echo to every viewer so all of them render the sender's turn,
	// and record it for full-history replay.
	echo, err := model.NewMessage(model.TypeUserMessageEcho, data)
	if err != nil {
		return err
	}
	s.Broadcast(echo)
	s.appendHistory(model.TypeUserMessageEcho, echo.Data)
	if err := s.forward(cmd); err != nil {
		return err
	}
	s.markDirty()
	return nil
}

func (s *Session) handlePermissionResponse(cmd model.Command) error {
	var data model.PermissionResponseData
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		return fmt.Errorf("decode permission_response: %w", err)
	}
	s.mu.Lock()
	_, pending := s.pendingPerms[data.RequestID]
	delete(s.pendingPerms, data.RequestID)
	backend := s.backend
	s.mu.Unlock()

	if !pending {
		s.logger.Warn("response for unknown permission request", "request_id", data.RequestID)
		return nil
	}
	s.metrics.AddPendingPermissions(-1)
	s.markDirty()
	if backend == nil {
		return ErrBackendUnavailable
	}
	if err := backend.RespondPermission(data.RequestID, data); err != nil {
		return fmt.Errorf("respond permission %s: %w", data.RequestID, err)
	}
	return nil
}

// forward sends a command to the backend, queueing it when no ready
// backend is attached. Queued commands are never dropped silently; they
// flush in submission order once the backend becomes ready.
func (s *Session) forward(cmd model.Command) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.backendReady || s.backend == nil {
		s.outgoing = append(s.outgoing, cmd)
		s.mu.Unlock()
		s.markDirty()
		return nil
	}
	backend := s.backend
	s.mu.Unlock()

	err := backend.Send(context.Background(), cmd)
	switch {
	case err == nil:
		return nil
	case isQueueable(err):
		// The backend raced away between the readiness check and the
		// write; keep the command for the next attach.
		s.mu.Lock()
		s.outgoing = append(s.outgoing, cmd)
		s.mu.Unlock()
		s.markDirty()
		return nil
	default:
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
}

func isQueueable(err error) bool {
	return errors.Is(err, adapter.ErrClosed)
}

// Subscribe replays what the viewer missed since lastSeq. If the ring
// buffer no longer covers the gap, the viewer gets the full message
// history plus only the transient (non-history-backed) buffered events
// newer than lastSeq, so history-backed events are never duplicated.
func (s *Session) Subscribe(v ViewerConn, lastSeq int64) error {
	s.mu.Lock()
	var oldest int64
	if len(s.buffer) > 0 {
		oldest = s.buffer[0].Seq
	}
	gap := false
	if len(s.buffer) == 0 {
		gap = s.seq > lastSeq
	} else {
		gap = oldest > lastSeq+1
	}

	var events []json.RawMessage
	for _, ev := range s.buffer {
		if ev.Seq <= lastSeq {
			continue
		}
		if gap && ev.Type.HistoryBacked() {
			continue
		}
		events = append(events, ev.Raw)
	}
	var history []model.HistoryEntry
	if gap {
		history = make([]model.HistoryEntry, len(s.history))
		copy(history, s.history)
	}
	s.mu.Unlock()

	if gap {
		if history == nil {
			history = []model.HistoryEntry{}
		}
		msg, err := model.NewMessage(model.TypeMessageHistory, model.MessageHistoryData{Messages: history})
		if err != nil {
			return err
		}
		if err := s.sendTo(v, msg); err != nil {
			return err
		}
	}
	if len(events) == 0 {
		if gap {
			return nil
		}
		// Nothing missed; an empty replay still tells the viewer it is
		// caught up.
		events = []json.RawMessage{}
	}
	msg, err := model.NewMessage(model.TypeEventReplay, model.EventReplayData{Events: events})
	if err != nil {
		return err
	}
	return s.sendTo(v, msg)
}

// Ack records the viewer's delivery watermark. It never prunes the
// buffer; the ring bound is the only eviction policy.
func (s *Session) Ack(seq int64) {
	s.mu.Lock()
	if seq > s.lastAck {
		s.lastAck = seq
	}
	s.mu.Unlock()
	s.markDirty()
}
