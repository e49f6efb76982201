package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentbridge/agentbridge/internal/model"
)

// Backend progress item kinds.
const (
	itemAgentMessage = "agentMessage"
	itemCommandExec  = "commandExecution"
	itemFileChange   = "fileChange"
	itemMCPToolCall  = "mcpToolCall"
	itemWebSearch    = "webSearch"
	itemReasoning    = "reasoning"
	itemCompaction   = "compaction"
)

type rpcFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // create | modify | delete
}

type rpcItem struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	// agentMessage / reasoning
	Text string `json:"text,omitempty"`

	// commandExecution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`

	// fileChange
	Changes []rpcFileChange `json:"changes,omitempty"`

	// mcpToolCall
	Server string          `json:"server,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Failed bool            `json:"failed,omitempty"`

	// webSearch
	Query   string   `json:"query,omitempty"`
	Results []string `json:"results,omitempty"`
}

// rpcItemTracker remembers which items already produced a tool
// invocation event and accumulates streamed text per item. The backend
// may skip the start notification when approval is bypassed; the
// "started" set lets the completion path synthesize the missing
// invocation exactly once.
type rpcItemTracker struct {
	mu      sync.Mutex
	started map[string]bool
	text    map[string]*strings.Builder
	turns   int
}

func newRPCItemTracker() *rpcItemTracker {
	return &rpcItemTracker{
		started: map[string]bool{},
		text:    map[string]*strings.Builder{},
	}
}

func (t *rpcItemTracker) markStarted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started[id] {
		return false
	}
	t.started[id] = true
	return true
}

func (t *rpcItemTracker) appendText(id, delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.text[id]
	if !ok {
		b = &strings.Builder{}
		t.text[id] = b
	}
	b.WriteString(delta)
}

func (t *rpcItemTracker) takeText(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.text[id]
	if !ok {
		return ""
	}
	delete(t.text, id)
	return b.String()
}

func (t *rpcItemTracker) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.started, id)
	delete(t.text, id)
}

func (t *rpcItemTracker) bumpTurn() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns++
	return t.turns
}

func (a *RPCAdapter) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "item/started":
		var body struct {
			Item rpcItem `json:"item"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode item/started", "error", err)
			return
		}
		a.handleItemStarted(body.Item)
	case "item/updated":
		var body struct {
			Item  rpcItem `json:"item"`
			Delta string  `json:"delta"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode item/updated", "error", err)
			return
		}
		a.handleItemUpdated(body.Item, body.Delta)
	case "item/completed":
		var body struct {
			Item rpcItem `json:"item"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode item/completed", "error", err)
			return
		}
		a.handleItemCompleted(body.Item)
	case "turn/started":
		a.emitStream(map[string]any{"type": "message_start"})
	case "turn/completed":
		a.handleTurnCompleted(params)
	case "thread/tokenCount":
		var body struct {
			UsedPct float64 `json:"usedPct"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode thread/tokenCount", "error", err)
			return
		}
		a.cb.OnState(model.StatePatch{ContextUsedPct: &body.UsedPct})
	case "error":
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			a.logger.Warn("decode error notification", "error", err)
			return
		}
		if msg, err := model.NewMessage(model.TypeError, model.ErrorData{
			Code:    model.ErrBackendUnavailable,
			Message: body.Message,
		}); err == nil {
			a.cb.OnEvent(msg)
		}
	default:
		a.logger.Debug("ignoring rpc notification", "method", method)
	}
}

func (a *RPCAdapter) handleItemStarted(item rpcItem) {
	switch item.Kind {
	case itemAgentMessage, itemReasoning:
		// Text accumulates via updates; nothing to announce yet.
		a.items.markStarted(item.ID)
	case itemCompaction:
		a.items.markStarted(item.ID)
		a.setCompacting(true, model.StatusCompacting)
	case itemCommandExec, itemFileChange, itemMCPToolCall, itemWebSearch:
		if !a.items.markStarted(item.ID) {
			return
		}
		a.emitToolInvocation(item)
	default:
		a.logger.Debug("ignoring item kind", "kind", item.Kind)
	}
}

func (a *RPCAdapter) handleItemUpdated(item rpcItem, delta string) {
	if delta == "" {
		return
	}
	switch item.Kind {
	case itemAgentMessage:
		a.items.appendText(item.ID, delta)
		a.emitStream(map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "text_delta", "text": delta},
		})
	case itemReasoning:
		// Reasoning is emitted once, complete; deltas only accumulate.
		a.items.appendText(item.ID, delta)
	}
}

func (a *RPCAdapter) handleItemCompleted(item rpcItem) {
	defer a.items.forget(item.ID)
	switch item.Kind {
	case itemAgentMessage:
		text := item.Text
		if text == "" {
			text = a.items.takeText(item.ID)
		}
		a.emitStream(map[string]any{"type": "content_block_stop"})
		a.emitAssistant(model.ContentBlock{Type: model.BlockText, Text: text})
	case itemReasoning:
		thinking := item.Text
		if thinking == "" {
			thinking = a.items.takeText(item.ID)
		}
		a.emitAssistant(model.ContentBlock{Type: model.BlockThinking, Thinking: thinking})
	case itemCompaction:
		a.setCompacting(false, model.StatusReady)
	case itemCommandExec, itemFileChange, itemMCPToolCall, itemWebSearch:
		// A completion whose start was never observed (approval
		// bypassed) still owes viewers the invocation event first.
		if a.items.markStarted(item.ID) {
			a.emitToolInvocation(item)
		}
		a.emitToolResult(item)
	}
}

func (a *RPCAdapter) handleTurnCompleted(params json.RawMessage) {
	var body struct {
		Usage *model.Usage `json:"usage"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		a.logger.Warn("decode turn/completed", "error", err)
		return
	}
	turns := a.items.bumpTurn()
	if msg, err := model.NewMessage(model.TypeResult, model.ResultData{
		TurnCount: turns,
		Usage:     body.Usage,
	}); err == nil {
		a.cb.OnEvent(msg)
	}
	a.cb.OnState(model.StatePatch{TurnCount: &turns})
}

func (a *RPCAdapter) setCompacting(active bool, status string) {
	a.cb.OnState(model.StatePatch{Compacting: &active})
	if msg, err := model.NewMessage(model.TypeStatusChange, model.StatusChangeData{Status: status}); err == nil {
		a.cb.OnEvent(msg)
	}
}

func (a *RPCAdapter) emitToolInvocation(item rpcItem) {
	name, input := toolInvocationShape(item)
	a.emitAssistant(model.ContentBlock{
		Type:      model.BlockToolUse,
		ToolUseID: item.ID,
		ToolName:  name,
		Input:     input,
	})
}

func (a *RPCAdapter) emitToolResult(item rpcItem) {
	content, isError := toolResultShape(item)
	a.emitAssistant(model.ContentBlock{
		Type:      model.BlockToolResult,
		ToolUseID: item.ID,
		Content:   content,
		IsError:   isError,
	})
}

// toolInvocationShape maps one backend item kind to the canonical tool
// name and input payload.
func toolInvocationShape(item rpcItem) (string, json.RawMessage) {
	switch item.Kind {
	case itemCommandExec:
		return "Bash", mustJSON(map[string]any{"command": item.Command, "cwd": item.Cwd})
	case itemFileChange:
		name := "Edit"
		if len(item.Changes) > 0 && item.Changes[0].Kind == "create" {
			name = "Write"
		}
		return name, mustJSON(map[string]any{"changes": item.Changes})
	case itemMCPToolCall:
		return item.Server + ":" + item.Tool, item.Input
	case itemWebSearch:
		return "WebSearch", mustJSON(map[string]any{"query": item.Query})
	default:
		return item.Kind, nil
	}
}

func toolResultShape(item rpcItem) (string, bool) {
	switch item.Kind {
	case itemCommandExec:
		failed := item.ExitCode != nil && *item.ExitCode != 0
		return item.AggregatedOutput, failed
	case itemFileChange:
		lines := make([]string, 0, len(item.Changes))
		for _, change := range item.Changes {
			lines = append(lines, fmt.Sprintf("%s %s", change.Kind, change.Path))
		}
		return strings.Join(lines, "\n"), false
	case itemMCPToolCall:
		return item.Output, item.Failed
	case itemWebSearch:
		return strings.Join(item.Results, "\n"), false
	default:
		return "", false
	}
}

func (a *RPCAdapter) emitAssistant(blocks ...model.ContentBlock) {
	msg, err := model.NewMessage(model.TypeAssistant, model.AssistantData{Content: blocks})
	if err != nil {
		a.logger.Warn("encoding assistant message", "error", err)
		return
	}
	a.cb.OnEvent(msg)
}

func (a *RPCAdapter) emitStream(event map[string]any) {
	a.cb.OnEvent(model.Message{Type: model.TypeStreamEvent, Data: mustJSON(event)})
}
