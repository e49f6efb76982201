package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentbridge/agentbridge/internal/model"
)

// replyKind tags each pending backend request with the reply envelope it
// expects. A permission response arriving from a viewer is otherwise
// shapeless; the encoding is dispatched through replyEncoders.
type replyKind int

const (
	replyAcceptDecline replyKind = iota
	replyToolContent
	replyAnswerMap
	replyReviewDecision
)

type rpcPendingPermission struct {
	backendID   int64
	kind        replyKind
	questionIDs []string
	timer       *time.Timer
}

func (p *rpcPendingPermission) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// replyEncoders maps each reply kind to its backend result envelope.
var replyEncoders = map[replyKind]func(pending *rpcPendingPermission, resp model.PermissionResponseData) any{
	replyAcceptDecline: func(_ *rpcPendingPermission, resp model.PermissionResponseData) any {
		decision := "declined"
		if resp.Behavior == model.BehaviorAllow {
			decision = "accepted"
		}
		result := map[string]any{"decision": decision}
		if decision == "accepted" && len(resp.UpdatedInput) > 0 {
			result["updatedInput"] = json.RawMessage(resp.UpdatedInput)
		}
		return result
	},
	replyToolContent: func(_ *rpcPendingPermission, resp model.PermissionResponseData) any {
		success := resp.Behavior != model.BehaviorDeny
		if resp.Success != nil {
			success = *resp.Success
		}
		content := resp.Content
		if content == nil {
			content = []model.ToolResultContent{}
		}
		return map[string]any{"content": content, "success": success}
	},
	replyAnswerMap: func(pending *rpcPendingPermission, resp model.PermissionResponseData) any {
		// Viewers answer by position; the backend keys answers by the
		// question ids it assigned.
		answers := map[string]string{}
		for i, id := range pending.questionIDs {
			if i < len(resp.Answers) {
				answers[id] = resp.Answers[i]
			}
		}
		return map[string]any{"answers": answers}
	},
	replyReviewDecision: func(_ *rpcPendingPermission, resp model.PermissionResponseData) any {
		decision := "denied"
		if resp.Behavior == model.BehaviorAllow {
			decision = "approved"
		}
		return map[string]any{"decision": decision}
	},
}

func (a *RPCAdapter) handleBackendRequest(id int64, method string, params json.RawMessage) {
	switch method {
	case "execCommandApproval":
		var body struct {
			CallID  string `json:"callId"`
			Command string `json:"command"`
			Cwd     string `json:"cwd"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode execCommandApproval", "error", err)
			return
		}
		a.surfacePermission(id, replyAcceptDecline, model.PermissionRequest{
			Tool:          "Bash",
			Input:         mustJSON(map[string]any{"command": body.Command, "cwd": body.Cwd}),
			Description:   body.Reason,
			CorrelationID: body.CallID,
		}, nil)
	case "applyPatchApproval":
		var body struct {
			CallID  string          `json:"callId"`
			Changes []rpcFileChange `json:"changes"`
			Reason  string          `json:"reason"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode applyPatchApproval", "error", err)
			return
		}
		tool := "Edit"
		if len(body.Changes) > 0 && body.Changes[0].Kind == "create" {
			tool = "Write"
		}
		a.surfacePermission(id, replyAcceptDecline, model.PermissionRequest{
			Tool:          tool,
			Input:         mustJSON(map[string]any{"changes": body.Changes}),
			Description:   body.Reason,
			CorrelationID: body.CallID,
		}, nil)
	case "mcpToolApproval":
		var body struct {
			CallID string          `json:"callId"`
			Server string          `json:"server"`
			Tool   string          `json:"tool"`
			Input  json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode mcpToolApproval", "error", err)
			return
		}
		a.surfacePermission(id, replyAcceptDecline, model.PermissionRequest{
			Tool:          fmt.Sprintf("mcp:%s:%s", body.Server, body.Tool),
			Input:         body.Input,
			CorrelationID: body.CallID,
		}, nil)
	case "tool/call":
		a.handleDynamicToolCall(id, params)
	case "user/requestInput":
		a.handleRequestInput(id, params)
	case "review/patch":
		var body struct {
			CallID  string          `json:"callId"`
			Changes []rpcFileChange `json:"changes"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode review/patch", "error", err)
			return
		}
		a.surfacePermission(id, replyReviewDecision, model.PermissionRequest{
			Tool:          "Edit",
			Input:         mustJSON(map[string]any{"changes": body.Changes}),
			CorrelationID: body.CallID,
		}, nil)
	case "review/exec":
		var body struct {
			CallID  string `json:"callId"`
			Command string `json:"command"`
			Cwd     string `json:"cwd"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode review/exec", "error", err)
			return
		}
		a.surfacePermission(id, replyReviewDecision, model.PermissionRequest{
			Tool:          "Bash",
			Input:         mustJSON(map[string]any{"command": body.Command, "cwd": body.Cwd}),
			CorrelationID: body.CallID,
		}, nil)
	default:
		a.logger.Warn("unknown backend request", "method", method, "id", id)
	}
}

// handleDynamicToolCall surfaces a dynamic tool invocation. Unlike the
// approval shapes it cannot wait forever: if no viewer answers within
// the window, the bridge fails the call on the backend's behalf.
func (a *RPCAdapter) handleDynamicToolCall(id int64, params json.RawMessage) {
	var body struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		a.logger.Warn("decode tool/call", "error", err)
		return
	}
	requestID := a.permRequestID(id)
	timer := time.AfterFunc(a.opts.DynamicToolTimeout, func() {
		a.expireDynamicToolCall(requestID, id, body.Name)
	})
	a.surfacePermission(id, replyToolContent, model.PermissionRequest{
		Tool:  "dynamic:" + body.Name,
		Input: body.Arguments,
	}, timer)
}

func (a *RPCAdapter) handleRequestInput(id int64, params json.RawMessage) {
	var body struct {
		Questions []struct {
			ID      string   `json:"id"`
			Prompt  string   `json:"prompt"`
			Options []string `json:"options,omitempty"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		a.logger.Warn("decode user/requestInput", "error", err)
		return
	}
	ids := make([]string, 0, len(body.Questions))
	for _, q := range body.Questions {
		ids = append(ids, q.ID)
	}
	a.surfacePermissionWithQuestions(id, model.PermissionRequest{
		Tool:  "questions",
		Input: params,
	}, ids)
}

// surfacePermission records the pending entry (reply shape included) and
// raises the request to viewers.
func (a *RPCAdapter) surfacePermission(backendID int64, kind replyKind, req model.PermissionRequest, timer *time.Timer) {
	req.RequestID = a.permRequestID(backendID)
	a.mu.Lock()
	a.pendingPerms[req.RequestID] = &rpcPendingPermission{backendID: backendID, kind: kind, timer: timer}
	a.mu.Unlock()
	a.cb.OnPermission(req)
}

func (a *RPCAdapter) surfacePermissionWithQuestions(backendID int64, req model.PermissionRequest, questionIDs []string) {
	req.RequestID = a.permRequestID(backendID)
	a.mu.Lock()
	a.pendingPerms[req.RequestID] = &rpcPendingPermission{backendID: backendID, kind: replyAnswerMap, questionIDs: questionIDs}
	a.mu.Unlock()
	a.cb.OnPermission(req)
}

func (a *RPCAdapter) permRequestID(backendID int64) string {
	return "rpc-" + strconv.FormatInt(backendID, 10)
}

// RespondPermission translates the viewer's decision into the reply
// shape recorded when the request was surfaced.
func (a *RPCAdapter) RespondPermission(requestID string, resp model.PermissionResponseData) error {
	a.mu.Lock()
	pending, ok := a.pendingPerms[requestID]
	delete(a.pendingPerms, requestID)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	pending.stopTimer()
	encode, ok := replyEncoders[pending.kind]
	if !ok {
		return fmt.Errorf("no encoder for reply kind %d", pending.kind)
	}
	return a.reply(pending.backendID, encode(pending, resp))
}

// expireDynamicToolCall fires when no viewer answered a dynamic tool
// call within the window: the backend gets a failed result and viewers
// see a synthesized failure plus the cancellation.
func (a *RPCAdapter) expireDynamicToolCall(requestID string, backendID int64, toolName string) {
	a.mu.Lock()
	_, stillPending := a.pendingPerms[requestID]
	delete(a.pendingPerms, requestID)
	closed := a.closed
	a.mu.Unlock()
	if !stillPending || closed {
		return
	}
	a.logger.Warn("dynamic tool call timed out", "request_id", requestID, "tool", toolName)

	if err := a.reply(backendID, map[string]any{
		"content": []model.ToolResultContent{{Type: "text", Text: "tool call timed out waiting for a response"}},
		"success": false,
	}); err != nil {
		a.logger.Warn("replying to expired tool call", "error", err)
	}

	a.emitAssistant(model.ContentBlock{
		Type:      model.BlockToolResult,
		ToolUseID: requestID,
		Content:   "tool call timed out waiting for a response",
		IsError:   true,
	})
	if msg, err := model.NewMessage(model.TypePermissionCancelled, model.PermissionCancelledData{
		RequestID: requestID,
		Reason:    "timed out",
	}); err == nil {
		a.cb.OnEvent(msg)
	}
}
