// Package api defines the daemon's versioned HTTP envelopes.
package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	SessionCount  int       `json:"session_count"`
}

type SessionResponse struct {
	SessionID      string  `json:"session_id"`
	BackendKind    string  `json:"backend_kind,omitempty"`
	Connected      bool    `json:"connected"`
	ViewerCount    int     `json:"viewer_count"`
	LastSeq        int64   `json:"last_seq"`
	Model          string  `json:"model,omitempty"`
	WorkingDir     string  `json:"working_dir,omitempty"`
	PermissionMode string  `json:"permission_mode,omitempty"`
	TotalCostUSD   float64 `json:"total_cost_usd,omitempty"`
	TurnCount      int     `json:"turn_count,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Sessions      []SessionResponse `json:"sessions"`
}

type SessionEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Session       SessionResponse `json:"session"`
}

// SpawnRPCBackendRequest starts a managed RPC backend subprocess and
// attaches it to the session.
type SpawnRPCBackendRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	// ResumeThreadID resumes an existing backend-native thread instead
	// of starting a new one.
	ResumeThreadID string `json:"resume_thread_id,omitempty"`
}

type SpawnRPCBackendResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	PID           int       `json:"pid"`
}

type CloseSessionResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	Closed        bool      `json:"closed"`
}
