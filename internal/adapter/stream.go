package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/agentbridge/agentbridge/internal/model"
)

// streamRecord is the envelope shared by every record on the
// line-delimited protocol. Fields are populated per record type; the
// decoder tolerates unknown fields for forward compatibility.
type streamRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	SessionID      string   `json:"session_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`

	// assistant
	Message *streamAssistantMessage `json:"message,omitempty"`

	// result
	TotalCostUSD   float64      `json:"total_cost_usd,omitempty"`
	NumTurns       int          `json:"num_turns,omitempty"`
	DurationMS     int64        `json:"duration_ms,omitempty"`
	IsError        bool         `json:"is_error,omitempty"`
	Usage          *model.Usage `json:"usage,omitempty"`
	ContextUsedPct float64      `json:"context_used_pct,omitempty"`

	// stream_event
	Event json.RawMessage `json:"event,omitempty"`

	// status / git_state
	Status string           `json:"status,omitempty"`
	Git    *model.GitStatus `json:"git,omitempty"`

	// control traffic
	RequestID string                 `json:"request_id,omitempty"`
	Request   *streamControlRequest  `json:"request,omitempty"`
	Response  *streamControlResponse `json:"response,omitempty"`
}

type streamAssistantMessage struct {
	Role    string               `json:"role,omitempty"`
	Content []model.ContentBlock `json:"content"`
}

type streamControlRequest struct {
	Subtype     string                       `json:"subtype"`
	ToolName    string                       `json:"tool_name,omitempty"`
	Input       json.RawMessage              `json:"input,omitempty"`
	Description string                       `json:"description,omitempty"`
	ToolUseID   string                       `json:"tool_use_id,omitempty"`
	Suggestions []model.PermissionSuggestion `json:"suggestions,omitempty"`

	// bridge-initiated request payloads
	Model   string                           `json:"model,omitempty"`
	Mode    string                           `json:"mode,omitempty"`
	Server  string                           `json:"server,omitempty"`
	Enabled *bool                            `json:"enabled,omitempty"`
	Servers map[string]model.MCPServerConfig `json:"servers,omitempty"`
}

type streamControlResponse struct {
	RequestID string          `json:"request_id"`
	Subtype   string          `json:"subtype"` // success | error
	Error     string          `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// controlResolver is invoked when the backend answers a bridge-initiated
// control request.
type controlResolver func(result json.RawMessage, errMsg string)

// StreamAdapter speaks the line-delimited JSON event protocol over a
// record-oriented transport connection.
type StreamAdapter struct {
	conn   Conn
	cb     Callbacks
	logger *slog.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	closed         bool
	pendingControl map[string]controlResolver
	pendingPerms   map[string]struct{}
	nextControlID  int64
}

// NewStreamAdapter wraps an already-established backend connection. The
// caller must run [StreamAdapter.Run] on its own goroutine.
func NewStreamAdapter(conn Conn, cb Callbacks, logger *slog.Logger) *StreamAdapter {
	return &StreamAdapter{
		conn:           conn,
		cb:             cb,
		logger:         logger,
		pendingControl: map[string]controlResolver{},
		pendingPerms:   map[string]struct{}{},
	}
}

func (a *StreamAdapter) Kind() model.BackendKind { return model.BackendStream }

// Run reads records until the connection is gone. Records that fail to
// parse are logged and skipped; they never terminate the connection.
func (a *StreamAdapter) Run() {
	a.cb.OnConnected()
	for {
		raw, err := a.conn.ReadRecord()
		if err != nil {
			a.markClosed()
			a.cb.OnDisconnected(fmt.Sprintf("stream read: %v", err))
			return
		}
		if len(raw) == 0 {
			continue
		}
		var rec streamRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			a.logger.Warn("skipping malformed stream record", "error", err, "bytes", len(raw))
			continue
		}
		a.dispatch(rec)
	}
}

func (a *StreamAdapter) dispatch(rec streamRecord) {
	switch rec.Type {
	case "system":
		if rec.Subtype == "init" {
			a.handleInit(rec)
		}
	case "assistant":
		a.handleAssistant(rec)
	case "result":
		a.handleResult(rec)
	case "stream_event":
		if len(rec.Event) > 0 {
			a.cb.OnEvent(model.Message{Type: model.TypeStreamEvent, Data: rec.Event})
		}
	case "status":
		a.handleStatus(rec)
	case "git_state":
		if rec.Git != nil {
			a.cb.OnState(model.StatePatch{Git: rec.Git})
		}
	case "control_request":
		a.handleControlRequest(rec)
	case "control_cancel_request":
		a.handleControlCancel(rec)
	case "control_response":
		a.handleControlResponse(rec)
	default:
		a.logger.Debug("ignoring stream record", "type", rec.Type)
	}
}

func (a *StreamAdapter) handleInit(rec streamRecord) {
	patch := model.StatePatch{}
	if rec.Model != "" {
		patch.Model = &rec.Model
	}
	if rec.Cwd != "" {
		patch.WorkingDir = &rec.Cwd
	}
	if rec.Tools != nil {
		patch.Tools = rec.Tools
	}
	if rec.PermissionMode != "" {
		patch.PermissionMode = &rec.PermissionMode
	}
	if !patch.IsZero() {
		a.cb.OnState(patch)
	}
	a.cb.OnMeta(Meta{Kind: model.BackendStream, NativeSessionID: rec.SessionID})
}

func (a *StreamAdapter) handleAssistant(rec streamRecord) {
	if rec.Message == nil {
		a.logger.Warn("assistant record without message body")
		return
	}
	msg, err := model.NewMessage(model.TypeAssistant, model.AssistantData{Content: rec.Message.Content})
	if err != nil {
		a.logger.Warn("encoding assistant message", "error", err)
		return
	}
	a.cb.OnEvent(msg)
}

func (a *StreamAdapter) handleResult(rec streamRecord) {
	msg, err := model.NewMessage(model.TypeResult, model.ResultData{
		TotalCostUSD: rec.TotalCostUSD,
		TurnCount:    rec.NumTurns,
		DurationMS:   rec.DurationMS,
		IsError:      rec.IsError,
		Usage:        rec.Usage,
	})
	if err != nil {
		a.logger.Warn("encoding result message", "error", err)
		return
	}
	a.cb.OnEvent(msg)

	patch := model.StatePatch{}
	if rec.TotalCostUSD > 0 {
		patch.TotalCostUSD = &rec.TotalCostUSD
	}
	if rec.NumTurns > 0 {
		patch.TurnCount = &rec.NumTurns
	}
	if rec.ContextUsedPct > 0 {
		patch.ContextUsedPct = &rec.ContextUsedPct
	}
	if !patch.IsZero() {
		a.cb.OnState(patch)
	}
}

func (a *StreamAdapter) handleStatus(rec streamRecord) {
	compacting := rec.Status == model.StatusCompacting
	a.cb.OnState(model.StatePatch{Compacting: &compacting})
	msg, err := model.NewMessage(model.TypeStatusChange, model.StatusChangeData{Status: rec.Status})
	if err != nil {
		a.logger.Warn("encoding status change", "error", err)
		return
	}
	a.cb.OnEvent(msg)
}

func (a *StreamAdapter) handleControlRequest(rec streamRecord) {
	if rec.Request == nil || rec.RequestID == "" {
		a.logger.Warn("control_request without body or id")
		return
	}
	switch rec.Request.Subtype {
	case "can_use_tool":
		a.mu.Lock()
		a.pendingPerms[rec.RequestID] = struct{}{}
		a.mu.Unlock()
		a.cb.OnPermission(model.PermissionRequest{
			RequestID:     rec.RequestID,
			Tool:          rec.Request.ToolName,
			Input:         rec.Request.Input,
			Description:   rec.Request.Description,
			CorrelationID: rec.Request.ToolUseID,
			Suggestions:   rec.Request.Suggestions,
		})
	default:
		a.logger.Warn("unknown control_request subtype", "subtype", rec.Request.Subtype)
	}
}

// handleControlCancel lets the backend withdraw one of its own approval
// requests. The session removes the pending entry when it sees the
// permission_cancelled event.
func (a *StreamAdapter) handleControlCancel(rec streamRecord) {
	if rec.RequestID == "" {
		return
	}
	a.mu.Lock()
	_, known := a.pendingPerms[rec.RequestID]
	delete(a.pendingPerms, rec.RequestID)
	a.mu.Unlock()
	if !known {
		a.logger.Warn("cancel for unknown permission request", "request_id", rec.RequestID)
		return
	}
	msg, err := model.NewMessage(model.TypePermissionCancelled, model.PermissionCancelledData{
		RequestID: rec.RequestID,
		Reason:    "cancelled by backend",
	})
	if err != nil {
		return
	}
	a.cb.OnEvent(msg)
}

func (a *StreamAdapter) handleControlResponse(rec streamRecord) {
	if rec.Response == nil {
		return
	}
	a.mu.Lock()
	resolver, ok := a.pendingControl[rec.Response.RequestID]
	delete(a.pendingControl, rec.Response.RequestID)
	a.mu.Unlock()
	if !ok {
		// No pending entry for this correlation id: logged, never
		// surfaced to viewers.
		a.logger.Warn("unmatched control response", "request_id", rec.Response.RequestID)
		return
	}
	resolver(rec.Response.Response, rec.Response.Error)
}

// Send encodes a canonical viewer command as a native record. The stream
// link needs no handshake, so there is no adapter-level queue here; the
// session queues commands while no backend is attached.
func (a *StreamAdapter) Send(ctx context.Context, cmd model.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch cmd.Type {
	case model.CmdUserMessage:
		return a.sendUserMessage(cmd)
	case model.CmdInterrupt:
		return a.sendControl(streamControlRequest{Subtype: "interrupt"}, nil)
	case model.CmdSetModel:
		var data model.SetModelData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode set_model: %w", err)
		}
		return a.sendControl(streamControlRequest{Subtype: "set_model", Model: data.Model}, nil)
	case model.CmdSetPermissionMode:
		var data model.SetPermissionModeData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode set_permission_mode: %w", err)
		}
		return a.sendControl(streamControlRequest{Subtype: "set_permission_mode", Mode: data.Mode}, nil)
	case model.CmdMCPStatus:
		return a.sendControl(streamControlRequest{Subtype: "mcp_status"}, a.mcpStatusResolver())
	case model.CmdMCPToggle:
		var data model.MCPToggleData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode mcp_toggle: %w", err)
		}
		return a.sendControl(streamControlRequest{Subtype: "mcp_toggle", Server: data.Server, Enabled: &data.Enabled}, nil)
	case model.CmdMCPReconnect:
		var data model.MCPReconnectData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode mcp_reconnect: %w", err)
		}
		return a.sendControl(streamControlRequest{Subtype: "mcp_reconnect", Server: data.Server}, nil)
	case model.CmdMCPSetServers:
		var data model.MCPSetServersData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode mcp_set_servers: %w", err)
		}
		return a.sendControl(streamControlRequest{Subtype: "mcp_set_servers", Servers: data.Servers}, nil)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Type)
	}
}

func (a *StreamAdapter) sendUserMessage(cmd model.Command) error {
	var data model.UserMessageData
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		return fmt.Errorf("decode user_message: %w", err)
	}
	content := []map[string]any{{"type": "text", "text": data.Text}}
	for _, img := range data.Images {
		content = append(content, map[string]any{
			"type":   "image",
			"source": map[string]any{"type": "base64", "media_type": img.MediaType, "data": img.Data},
		})
	}
	return a.writeRecord(map[string]any{
		"type":    "user",
		"message": map[string]any{"role": "user", "content": content},
	})
}

// sendControl issues a bridge-initiated control request. A nil resolver
// records a logging-only resolver so the response still matches.
func (a *StreamAdapter) sendControl(req streamControlRequest, resolver controlResolver) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.nextControlID++
	id := "bridge-" + strconv.FormatInt(a.nextControlID, 10)
	if resolver == nil {
		subtype := req.Subtype
		resolver = func(_ json.RawMessage, errMsg string) {
			if errMsg != "" {
				a.logger.Warn("control request failed", "subtype", subtype, "error", errMsg)
			}
		}
	}
	a.pendingControl[id] = resolver
	a.mu.Unlock()

	err := a.writeRecord(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    req,
	})
	if err != nil {
		a.mu.Lock()
		delete(a.pendingControl, id)
		a.mu.Unlock()
	}
	return err
}

// mcpStatusResolver broadcasts the backend's tool server report when it
// arrives.
func (a *StreamAdapter) mcpStatusResolver() controlResolver {
	return func(result json.RawMessage, errMsg string) {
		status := model.StatusChangeData{Status: "mcp_status"}
		if errMsg != "" {
			status.Status = model.StatusError
			status.Detail = errMsg
		} else {
			status.Detail = string(result)
		}
		msg, err := model.NewMessage(model.TypeStatusChange, status)
		if err != nil {
			return
		}
		a.cb.OnEvent(msg)
	}
}

func (a *StreamAdapter) RespondPermission(requestID string, resp model.PermissionResponseData) error {
	a.mu.Lock()
	if _, ok := a.pendingPerms[requestID]; !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	delete(a.pendingPerms, requestID)
	a.mu.Unlock()

	body := map[string]any{"behavior": model.BehaviorDeny}
	if resp.Behavior == model.BehaviorAllow {
		body["behavior"] = model.BehaviorAllow
		if len(resp.UpdatedInput) > 0 {
			body["updated_input"] = json.RawMessage(resp.UpdatedInput)
		}
	}
	return a.writeRecord(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"request_id": requestID,
			"subtype":    "success",
			"response":   body,
		},
	})
}

func (a *StreamAdapter) writeRecord(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal stream record: %w", err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.isClosed() {
		return ErrClosed
	}
	if err := a.conn.WriteRecord(data); err != nil {
		return fmt.Errorf("write stream record: %w", err)
	}
	return nil
}

func (a *StreamAdapter) markClosed() {
	a.mu.Lock()
	a.closed = true
	a.pendingControl = map[string]controlResolver{}
	a.mu.Unlock()
}

func (a *StreamAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *StreamAdapter) Close() error {
	a.markClosed()
	return a.conn.Close()
}
