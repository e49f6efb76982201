package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentbridge/agentbridge/internal/model"
)

// completeHandshake plays the backend side of the initialize and
// thread-start exchange, returning the adapter once it reports ready.
func completeHandshake(t *testing.T, conn *fakeConn, resume string) {
	t.Helper()
	frame := awaitWritten(t, conn)
	if frame["method"] != "initialize" {
		t.Fatalf("expected initialize, got %+v", frame)
	}
	conn.feed(t, map[string]any{"id": frame["id"], "result": map[string]any{}})

	frame = awaitWritten(t, conn)
	if frame["method"] != "initialized" {
		t.Fatalf("expected initialized notification, got %+v", frame)
	}
	if _, hasID := frame["id"]; hasID {
		t.Fatalf("initialized must be a notification, got %+v", frame)
	}

	frame = awaitWritten(t, conn)
	wantMethod := "thread/start"
	if resume != "" {
		wantMethod = "thread/resume"
	}
	if frame["method"] != wantMethod {
		t.Fatalf("expected %s, got %+v", wantMethod, frame)
	}
	if resume != "" {
		params := frame["params"].(map[string]any)
		if params["threadId"] != resume {
			t.Fatalf("expected resume thread id %q, got %+v", resume, params)
		}
	}
	conn.feed(t, map[string]any{"id": frame["id"], "result": map[string]any{"threadId": "thread-1"}})
}

func startRPC(t *testing.T, opts RPCOptions) (*RPCAdapter, *fakeConn, *recorder) {
	t.Helper()
	conn := newFakeConn()
	rec := newRecorder()
	a := NewRPCAdapter(conn, rec.callbacks(), opts, discardLogger())
	go a.Run()
	completeHandshake(t, conn, opts.ResumeThreadID)
	meta := awaitMeta(t, rec)
	if meta.Kind != model.BackendRPC || meta.NativeSessionID != "thread-1" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	awaitConnected(t, rec)
	t.Cleanup(func() { _ = a.Close() })
	return a, conn, rec
}

func notify(t *testing.T, conn *fakeConn, method string, params any) {
	t.Helper()
	conn.feed(t, map[string]any{"method": method, "params": params})
}

func TestRPCHandshakeStartsThread(t *testing.T) {
	startRPC(t, RPCOptions{Cwd: "/work"})
}

func TestRPCResumeUsesThreadResume(t *testing.T) {
	startRPC(t, RPCOptions{ResumeThreadID: "old-thread"})
}

func TestRPCPreReadyCommandsQueuedAndFlushed(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	a := NewRPCAdapter(conn, rec.callbacks(), RPCOptions{}, discardLogger())

	data, _ := json.Marshal(model.UserMessageData{Text: "queued turn"})
	if err := a.Send(context.Background(), model.Command{Type: model.CmdUserMessage, Data: data}); err != nil {
		t.Fatalf("pre-ready send must queue, got %v", err)
	}

	go a.Run()
	completeHandshake(t, conn, "")
	awaitConnected(t, rec)
	t.Cleanup(func() { _ = a.Close() })

	frame := awaitWritten(t, conn)
	if frame["method"] != "thread/sendUserTurn" {
		t.Fatalf("expected flushed user turn, got %+v", frame)
	}
	params := frame["params"].(map[string]any)
	if params["threadId"] != "thread-1" {
		t.Fatalf("expected thread id in params, got %+v", params)
	}
}

func TestRPCInitFailureRejectsSends(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	a := NewRPCAdapter(conn, rec.callbacks(), RPCOptions{}, discardLogger())
	go a.Run()

	frame := awaitWritten(t, conn)
	conn.feed(t, map[string]any{"id": frame["id"], "error": map[string]any{"code": -1, "message": "no license"}})

	msg := awaitEventOfType(t, rec, model.TypeError)
	var data model.ErrorData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if data.Code != model.ErrAdapterInit {
		t.Fatalf("expected adapter init code, got %+v", data)
	}
	awaitDisconnected(t, rec)

	err := a.Send(context.Background(), model.Command{Type: model.CmdInterrupt})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestRPCToolInvocationSynthesizedOnCompletion(t *testing.T) {
	_, conn, rec := startRPC(t, RPCOptions{})

	// Approval was bypassed: the completion arrives with no start.
	exit := 0
	notify(t, conn, "item/completed", map[string]any{
		"item": map[string]any{
			"id":               "item-1",
			"kind":             "commandExecution",
			"command":          "go test ./...",
			"exitCode":         exit,
			"aggregatedOutput": "ok",
		},
	})

	first := awaitEventOfType(t, rec, model.TypeAssistant)
	var invocation model.AssistantData
	if err := json.Unmarshal(first.Data, &invocation); err != nil {
		t.Fatalf("decode invocation: %v", err)
	}
	if invocation.Content[0].Type != model.BlockToolUse || invocation.Content[0].ToolName != "Bash" {
		t.Fatalf("expected synthesized Bash invocation first, got %+v", invocation.Content)
	}

	second := awaitEventOfType(t, rec, model.TypeAssistant)
	var result model.AssistantData
	if err := json.Unmarshal(second.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Content[0].Type != model.BlockToolResult || result.Content[0].Content != "ok" {
		t.Fatalf("expected tool result second, got %+v", result.Content)
	}
	if result.Content[0].IsError {
		t.Fatal("exit code 0 must not be an error result")
	}
}

func TestRPCStartedCompletionEmitsInvocationOnce(t *testing.T) {
	_, conn, rec := startRPC(t, RPCOptions{})

	item := map[string]any{"id": "item-2", "kind": "webSearch", "query": "golang"}
	notify(t, conn, "item/started", map[string]any{"item": item})
	first := awaitEventOfType(t, rec, model.TypeAssistant)
	var invocation model.AssistantData
	if err := json.Unmarshal(first.Data, &invocation); err != nil {
		t.Fatalf("decode invocation: %v", err)
	}
	if invocation.Content[0].ToolName != "WebSearch" {
		t.Fatalf("expected WebSearch invocation, got %+v", invocation.Content)
	}

	item["results"] = []string{"golang.org"}
	notify(t, conn, "item/completed", map[string]any{"item": item})
	second := awaitEventOfType(t, rec, model.TypeAssistant)
	var result model.AssistantData
	if err := json.Unmarshal(second.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Content[0].Type != model.BlockToolResult {
		t.Fatalf("expected exactly one invocation then the result, got %+v", result.Content)
	}
}

func TestRPCAgentMessageAccumulatesDeltas(t *testing.T) {
	_, conn, rec := startRPC(t, RPCOptions{})

	item := map[string]any{"id": "msg-1", "kind": "agentMessage"}
	notify(t, conn, "item/started", map[string]any{"item": item})
	notify(t, conn, "item/updated", map[string]any{"item": item, "delta": "Hel"})
	notify(t, conn, "item/updated", map[string]any{"item": item, "delta": "lo"})
	notify(t, conn, "item/completed", map[string]any{"item": item})

	// Two streaming deltas, one block stop, then the complete message.
	for i := 0; i < 2; i++ {
		ev := awaitEventOfType(t, rec, model.TypeStreamEvent)
		var body struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			t.Fatalf("decode stream event: %v", err)
		}
		if body.Type != "content_block_delta" {
			t.Fatalf("expected delta event, got %+v", body)
		}
	}
	msg := awaitEventOfType(t, rec, model.TypeAssistant)
	var assistant model.AssistantData
	if err := json.Unmarshal(msg.Data, &assistant); err != nil {
		t.Fatalf("decode assistant: %v", err)
	}
	if assistant.Content[0].Text != "Hello" {
		t.Fatalf("expected accumulated text Hello, got %q", assistant.Content[0].Text)
	}
}

func TestRPCExecApprovalRoundTrip(t *testing.T) {
	a, conn, rec := startRPC(t, RPCOptions{})

	conn.feed(t, map[string]any{
		"id":     int64(41),
		"method": "execCommandApproval",
		"params": map[string]any{"callId": "call-1", "command": "rm -rf build", "cwd": "/work", "reason": "cleanup"},
	})
	req := awaitPermission(t, rec)
	if req.RequestID != "rpc-41" || req.Tool != "Bash" || req.CorrelationID != "call-1" {
		t.Fatalf("unexpected permission request: %+v", req)
	}

	if err := a.RespondPermission(req.RequestID, model.PermissionResponseData{Behavior: model.BehaviorAllow}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	frame := awaitWritten(t, conn)
	if frame["id"].(float64) != 41 {
		t.Fatalf("reply must reuse the backend request id, got %+v", frame)
	}
	result := frame["result"].(map[string]any)
	if result["decision"] != "accepted" {
		t.Fatalf("expected accepted decision, got %+v", result)
	}

	err := a.RespondPermission(req.RequestID, model.PermissionResponseData{Behavior: model.BehaviorDeny})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest on second response, got %v", err)
	}
}

func TestRPCQuestionAnswersKeyedByID(t *testing.T) {
	a, conn, rec := startRPC(t, RPCOptions{})

	conn.feed(t, map[string]any{
		"id":     int64(7),
		"method": "user/requestInput",
		"params": map[string]any{
			"questions": []map[string]any{
				{"id": "q-color", "prompt": "favorite color?"},
				{"id": "q-lang", "prompt": "favorite language?"},
			},
		},
	})
	req := awaitPermission(t, rec)
	if req.Tool != "questions" {
		t.Fatalf("unexpected permission request: %+v", req)
	}

	if err := a.RespondPermission(req.RequestID, model.PermissionResponseData{
		Answers: []string{"green", "go"},
	}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	frame := awaitWritten(t, conn)
	answers := frame["result"].(map[string]any)["answers"].(map[string]any)
	if answers["q-color"] != "green" || answers["q-lang"] != "go" {
		t.Fatalf("answers must be keyed by question id, got %+v", answers)
	}
}

func TestRPCDynamicToolCallTimesOut(t *testing.T) {
	_, conn, rec := startRPC(t, RPCOptions{DynamicToolTimeout: 50 * time.Millisecond})

	conn.feed(t, map[string]any{
		"id":     int64(9),
		"method": "tool/call",
		"params": map[string]any{"name": "lookup", "arguments": map[string]any{"key": "x"}},
	})
	req := awaitPermission(t, rec)
	if req.Tool != "dynamic:lookup" {
		t.Fatalf("unexpected permission request: %+v", req)
	}

	// Nobody answers; the bridge fails the call for the backend.
	frame := awaitWritten(t, conn)
	result := frame["result"].(map[string]any)
	if result["success"] != false {
		t.Fatalf("expected failed tool result, got %+v", result)
	}

	failure := awaitEventOfType(t, rec, model.TypeAssistant)
	var assistant model.AssistantData
	if err := json.Unmarshal(failure.Data, &assistant); err != nil {
		t.Fatalf("decode assistant: %v", err)
	}
	if !assistant.Content[0].IsError {
		t.Fatalf("expected error tool result for viewers, got %+v", assistant.Content)
	}
	cancelled := awaitEventOfType(t, rec, model.TypePermissionCancelled)
	var data model.PermissionCancelledData
	if err := json.Unmarshal(cancelled.Data, &data); err != nil {
		t.Fatalf("decode cancellation: %v", err)
	}
	if data.RequestID != req.RequestID {
		t.Fatalf("cancellation for wrong request: %+v", data)
	}
}

func TestRPCDynamicToolAnswerStopsTimer(t *testing.T) {
	a, conn, rec := startRPC(t, RPCOptions{DynamicToolTimeout: 50 * time.Millisecond})

	conn.feed(t, map[string]any{
		"id":     int64(11),
		"method": "tool/call",
		"params": map[string]any{"name": "lookup", "arguments": map[string]any{}},
	})
	req := awaitPermission(t, rec)
	ok := true
	if err := a.RespondPermission(req.RequestID, model.PermissionResponseData{
		Content: []model.ToolResultContent{{Type: "text", Text: "42"}},
		Success: &ok,
	}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	frame := awaitWritten(t, conn)
	result := frame["result"].(map[string]any)
	if result["success"] != true {
		t.Fatalf("expected successful tool result, got %+v", result)
	}

	// The timeout window passes without a second (expired) reply.
	time.Sleep(80 * time.Millisecond)
	select {
	case raw := <-conn.written:
		t.Fatalf("unexpected extra write after answered call: %s", raw)
	default:
	}
}

func TestRPCTurnCompletedEmitsResult(t *testing.T) {
	_, conn, rec := startRPC(t, RPCOptions{})

	notify(t, conn, "turn/completed", map[string]any{
		"usage": map[string]any{"input_tokens": 10, "output_tokens": 4},
	})
	msg := awaitEventOfType(t, rec, model.TypeResult)
	var result model.ResultData
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.TurnCount != 1 || result.Usage == nil || result.Usage.InputTokens != 10 {
		t.Fatalf("unexpected result: %+v", result)
	}
	patch := awaitState(t, rec)
	if patch.TurnCount == nil || *patch.TurnCount != 1 {
		t.Fatalf("expected turn count patch, got %+v", patch)
	}
}

func TestRPCTokenCountPatchesContext(t *testing.T) {
	_, conn, rec := startRPC(t, RPCOptions{})
	notify(t, conn, "thread/tokenCount", map[string]any{"usedPct": 61.5})
	patch := awaitState(t, rec)
	if patch.ContextUsedPct == nil || *patch.ContextUsedPct != 61.5 {
		t.Fatalf("expected context usage patch, got %+v", patch)
	}
}
