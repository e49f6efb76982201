package model

import (
	"encoding/json"
	"time"
)

// BackendKind identifies which wire protocol a session's backend speaks.
type BackendKind string

const (
	BackendUnknown BackendKind = ""
	BackendStream  BackendKind = "stream"
	BackendRPC     BackendKind = "rpc"
)

// MessageType is the canonical server-to-viewer event vocabulary.
type MessageType string

const (
	TypeSessionInit         MessageType = "session_init"
	TypeSessionUpdate       MessageType = "session_update"
	TypeMessageHistory      MessageType = "message_history"
	TypeEventReplay         MessageType = "event_replay"
	TypeCLIConnected        MessageType = "cli_connected"
	TypeCLIDisconnected     MessageType = "cli_disconnected"
	TypeStatusChange        MessageType = "status_change"
	TypeAssistant           MessageType = "assistant"
	TypeResult              MessageType = "result"
	TypeStreamEvent         MessageType = "stream_event"
	TypeUserMessageEcho     MessageType = "user_message"
	TypePermissionRequest   MessageType = "permission_request"
	TypePermissionCancelled MessageType = "permission_cancelled"
	TypeError               MessageType = "error"
)

// Replayable reports whether events of this type occupy the bounded
// replay buffer. Snapshots and replay batches are never re-buffered:
// replaying a replay would duplicate events on the next reconnect.
func (t MessageType) Replayable() bool {
	switch t {
	case TypeSessionInit, TypeMessageHistory, TypeEventReplay:
		return false
	default:
		return true
	}
}

// HistoryBacked reports whether events of this type are also recorded in
// the session's message history. When a reconnect gap forces a full
// history replay, history-backed buffered events are suppressed so the
// viewer never sees the same turn twice.
func (t MessageType) HistoryBacked() bool {
	switch t {
	case TypeAssistant, TypeResult, TypeUserMessageEcho:
		return true
	default:
		return false
	}
}

// Message is one canonical event delivered to viewers. Seq is assigned by
// the session's sequencer at broadcast time; zero means the message was
// never broadcast (snapshots sent to a single viewer).
type Message struct {
	Type MessageType     `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandType is the viewer-to-bridge command vocabulary. Every command
// type is eligible for the idempotency guard when it carries a
// client-supplied message id.
type CommandType string

const (
	CmdUserMessage        CommandType = "user_message"
	CmdPermissionResponse CommandType = "permission_response"
	CmdInterrupt          CommandType = "interrupt"
	CmdSetModel           CommandType = "set_model"
	CmdSetPermissionMode  CommandType = "set_permission_mode"
	CmdSessionSubscribe   CommandType = "session_subscribe"
	CmdSessionAck         CommandType = "session_ack"
	CmdMCPStatus          CommandType = "mcp_status"
	CmdMCPToggle          CommandType = "mcp_toggle"
	CmdMCPReconnect       CommandType = "mcp_reconnect"
	CmdMCPSetServers      CommandType = "mcp_set_servers"
)

// Command is one viewer-submitted command. MessageID is the optional
// client-supplied identifier used for retry deduplication.
type Command struct {
	Type      CommandType     `json:"type"`
	MessageID string          `json:"message_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// GitStatus is the version control slice of the session snapshot.
type GitStatus struct {
	Branch       string `json:"branch,omitempty" cbor:"1,keyasint,omitempty"`
	Ahead        int    `json:"ahead,omitempty" cbor:"2,keyasint,omitempty"`
	Behind       int    `json:"behind,omitempty" cbor:"3,keyasint,omitempty"`
	IsWorktree   bool   `json:"is_worktree,omitempty" cbor:"4,keyasint,omitempty"`
	LinesAdded   int    `json:"lines_added,omitempty" cbor:"5,keyasint,omitempty"`
	LinesRemoved int    `json:"lines_removed,omitempty" cbor:"6,keyasint,omitempty"`
}

// StateSnapshot is the cumulative session state mutated in place by
// translated backend events and broadcast as partial patches.
type StateSnapshot struct {
	Model          string     `json:"model,omitempty" cbor:"1,keyasint,omitempty"`
	WorkingDir     string     `json:"working_dir,omitempty" cbor:"2,keyasint,omitempty"`
	Tools          []string   `json:"tools,omitempty" cbor:"3,keyasint,omitempty"`
	PermissionMode string     `json:"permission_mode,omitempty" cbor:"4,keyasint,omitempty"`
	TotalCostUSD   float64    `json:"total_cost_usd,omitempty" cbor:"5,keyasint,omitempty"`
	TurnCount      int        `json:"turn_count,omitempty" cbor:"6,keyasint,omitempty"`
	ContextUsedPct float64    `json:"context_used_pct,omitempty" cbor:"7,keyasint,omitempty"`
	Compacting     bool       `json:"compacting,omitempty" cbor:"8,keyasint,omitempty"`
	Git            *GitStatus `json:"git,omitempty" cbor:"9,keyasint,omitempty"`
}

// StatePatch is a partial update of StateSnapshot. Nil fields are left
// untouched by Apply.
type StatePatch struct {
	Model          *string    `json:"model,omitempty"`
	WorkingDir     *string    `json:"working_dir,omitempty"`
	Tools          []string   `json:"tools,omitempty"`
	PermissionMode *string    `json:"permission_mode,omitempty"`
	TotalCostUSD   *float64   `json:"total_cost_usd,omitempty"`
	TurnCount      *int       `json:"turn_count,omitempty"`
	ContextUsedPct *float64   `json:"context_used_pct,omitempty"`
	Compacting     *bool      `json:"compacting,omitempty"`
	Git            *GitStatus `json:"git,omitempty"`
}

// Apply merges the patch into the snapshot field-wise.
func (s *StateSnapshot) Apply(p StatePatch) {
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.WorkingDir != nil {
		s.WorkingDir = *p.WorkingDir
	}
	if p.Tools != nil {
		s.Tools = p.Tools
	}
	if p.PermissionMode != nil {
		s.PermissionMode = *p.PermissionMode
	}
	if p.TotalCostUSD != nil {
		s.TotalCostUSD = *p.TotalCostUSD
	}
	if p.TurnCount != nil {
		s.TurnCount = *p.TurnCount
	}
	if p.ContextUsedPct != nil {
		s.ContextUsedPct = *p.ContextUsedPct
	}
	if p.Compacting != nil {
		s.Compacting = *p.Compacting
	}
	if p.Git != nil {
		s.Git = p.Git
	}
}

// IsZero reports whether the patch would change nothing.
func (p StatePatch) IsZero() bool {
	return p.Model == nil && p.WorkingDir == nil && p.Tools == nil &&
		p.PermissionMode == nil && p.TotalCostUSD == nil && p.TurnCount == nil &&
		p.ContextUsedPct == nil && p.Compacting == nil && p.Git == nil
}

// ContentBlock is one block inside an assistant message: text, thinking,
// tool invocation, or tool result.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// HistoryEntry is one semantically meaningful exchange kept for
// full-history replay: a user turn, an assistant turn, or a terminal
// result. Raw holds the canonical message data payload as broadcast.
type HistoryEntry struct {
	Type MessageType     `json:"type" cbor:"1,keyasint"`
	Raw  json.RawMessage `json:"data" cbor:"2,keyasint"`
	At   time.Time       `json:"at" cbor:"3,keyasint"`
}

// BufferedEvent is one replayable broadcast retained for reconnect
// catch-up. Raw is the serialized canonical message including its
// sequence number.
type BufferedEvent struct {
	Seq  int64           `json:"seq" cbor:"1,keyasint"`
	Type MessageType     `json:"type" cbor:"2,keyasint"`
	Raw  json.RawMessage `json:"raw" cbor:"3,keyasint"`
}

// PermissionSuggestion is a canned response a viewer may pick instead of
// composing a reply.
type PermissionSuggestion struct {
	Label string          `json:"label"`
	Input json.RawMessage `json:"input,omitempty"`
}

// PermissionRequest is one outstanding approval raised by the backend.
// CorrelationID links it to the tool invocation that produced it.
type PermissionRequest struct {
	RequestID     string                 `json:"request_id" cbor:"1,keyasint"`
	Tool          string                 `json:"tool" cbor:"2,keyasint"`
	Input         json.RawMessage        `json:"input,omitempty" cbor:"3,keyasint,omitempty"`
	Description   string                 `json:"description,omitempty" cbor:"4,keyasint,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty" cbor:"5,keyasint,omitempty"`
	Suggestions   []PermissionSuggestion `json:"suggestions,omitempty" cbor:"6,keyasint,omitempty"`
	CreatedAt     time.Time              `json:"created_at" cbor:"7,keyasint"`
}

// Error codes defined by the daemon API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrBackendUnavailable = "E_BACKEND_UNAVAILABLE"
	ErrBackendConflict    = "E_BACKEND_CONFLICT"
	ErrSessionClosed      = "E_SESSION_CLOSED"
	ErrPayloadInvalid     = "E_PAYLOAD_INVALID"
	ErrAdapterInit        = "E_ADAPTER_INIT"
)
