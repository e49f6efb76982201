package model

import (
	"encoding/json"
	"fmt"
)

// NewMessage builds a canonical message with its payload marshaled in
// place. The sequence number is assigned later by the broadcaster.
func NewMessage(t MessageType, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Data: data}, nil
}

// SessionInitData is the full snapshot sent to a freshly attached viewer.
type SessionInitData struct {
	SessionID   string              `json:"session_id"`
	BackendKind BackendKind         `json:"backend_kind,omitempty"`
	Connected   bool                `json:"connected"`
	State       StateSnapshot       `json:"state"`
	LastSeq     int64               `json:"last_seq"`
	Pending     []PermissionRequest `json:"pending_permissions,omitempty"`
}

// SessionUpdateData carries a partial patch of the session state.
type SessionUpdateData struct {
	State StatePatch `json:"state"`
}

// MessageHistoryData replays the full backlog to a viewer whose gap
// exceeds the retained buffer window.
type MessageHistoryData struct {
	Messages []HistoryEntry `json:"messages"`
}

// EventReplayData carries the exact buffered tail a reconnecting viewer
// missed. Events are fully serialized canonical messages.
type EventReplayData struct {
	Events []json.RawMessage `json:"events"`
}

// Session status values carried by status_change events.
const (
	StatusReady      = "ready"
	StatusCompacting = "compacting"
	StatusError      = "error"
)

type StatusChangeData struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AssistantData is one complete assistant message.
type AssistantData struct {
	Content []ContentBlock `json:"content"`
}

// Usage is the token accounting of a finished turn.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// ResultData is the terminal outcome of one turn.
type ResultData struct {
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	TurnCount    int     `json:"turn_count,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

type CLIConnectedData struct {
	BackendKind BackendKind `json:"backend_kind"`
}

type CLIDisconnectedData struct {
	Reason string `json:"reason,omitempty"`
}

type PermissionCancelledData struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ImageAttachment is an inline image in a user message.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// UserMessageData is both the viewer command payload and the echo
// broadcast to the remaining viewers.
type UserMessageData struct {
	Text   string            `json:"text"`
	Images []ImageAttachment `json:"images,omitempty"`
}

// Permission response behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ToolResultContent is one content item in a dynamic tool call reply.
type ToolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PermissionResponseData answers a permission_request. Behavior covers
// the plain approval shapes; Answers covers question sets (submitted by
// position); Content and Success cover dynamic tool invocations.
type PermissionResponseData struct {
	RequestID    string              `json:"request_id"`
	Behavior     string              `json:"behavior,omitempty"`
	UpdatedInput json.RawMessage     `json:"updated_input,omitempty"`
	Answers      []string            `json:"answers,omitempty"`
	Content      []ToolResultContent `json:"content,omitempty"`
	Success      *bool               `json:"success,omitempty"`
}

type SetModelData struct {
	Model string `json:"model"`
}

type SetPermissionModeData struct {
	Mode string `json:"mode"`
}

type SubscribeData struct {
	LastSeq int64 `json:"last_seq"`
}

type AckData struct {
	Seq int64 `json:"seq"`
}

// MCPServerConfig describes one external tool server.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type MCPToggleData struct {
	Server  string `json:"server"`
	Enabled bool   `json:"enabled"`
}

type MCPReconnectData struct {
	Server string `json:"server"`
}

type MCPSetServersData struct {
	Servers map[string]MCPServerConfig `json:"servers"`
}
