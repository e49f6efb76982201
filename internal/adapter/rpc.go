package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/model"
)

const (
	rpcClientName = "agentbridge"
	// defaultDynamicToolTimeout bounds how long a dynamic tool call may
	// wait for a viewer before the bridge fails it on the backend's
	// behalf.
	defaultDynamicToolTimeout = 60 * time.Second
)

// rpcFrame is one JSON-RPC message in either direction. A frame with
// both id and method is a request, id alone is a response, method alone
// is a notification.
type rpcFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// rpcResolver is invoked when the backend answers a bridge-initiated
// request.
type rpcResolver func(result json.RawMessage, errMsg string)

// RPCOptions configure one RPC backend attach.
type RPCOptions struct {
	// Cwd is the working directory for a fresh thread.
	Cwd string
	// ResumeThreadID resumes an existing conversation context instead
	// of starting a new one.
	ResumeThreadID string
	// DynamicToolTimeout overrides the dynamic tool call window.
	DynamicToolTimeout time.Duration
}

// RPCAdapter speaks the JSON-RPC request/notification protocol over a
// subprocess's stdio pipes. The link is unusable until the two-step
// handshake (initialize call, initialized notification) and the thread
// start complete; canonical commands submitted before that are queued
// and flushed in order.
type RPCAdapter struct {
	conn   Conn
	cb     Callbacks
	logger *slog.Logger
	opts   RPCOptions

	writeMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	failed      bool
	ready       bool
	threadID    string
	preQueue    []model.Command
	nextID      int64
	pendingReqs map[int64]rpcResolver
	// pendingPerms remembers, per outstanding backend request id, which
	// reply shape the backend expects.
	pendingPerms map[string]*rpcPendingPermission

	items *rpcItemTracker
}

// NewRPCAdapter wraps the subprocess connection. The caller must run
// [RPCAdapter.Run] on its own goroutine; Run performs the handshake.
func NewRPCAdapter(conn Conn, cb Callbacks, opts RPCOptions, logger *slog.Logger) *RPCAdapter {
	if opts.DynamicToolTimeout <= 0 {
		opts.DynamicToolTimeout = defaultDynamicToolTimeout
	}
	return &RPCAdapter{
		conn:         conn,
		cb:           cb,
		logger:       logger,
		opts:         opts,
		pendingReqs:  map[int64]rpcResolver{},
		pendingPerms: map[string]*rpcPendingPermission{},
		items:        newRPCItemTracker(),
	}
}

func (a *RPCAdapter) Kind() model.BackendKind { return model.BackendRPC }

// Run performs the handshake and then reads frames until the subprocess
// pipe closes. Malformed frames are logged and skipped.
func (a *RPCAdapter) Run() {
	if err := a.handshake(); err != nil {
		a.failInit(err)
		return
	}
	for {
		raw, err := a.conn.ReadRecord()
		if err != nil {
			a.markClosed()
			a.cb.OnDisconnected(fmt.Sprintf("rpc read: %v", err))
			return
		}
		if len(raw) == 0 {
			continue
		}
		var frame rpcFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			a.logger.Warn("skipping malformed rpc frame", "error", err, "bytes", len(raw))
			continue
		}
		a.dispatch(frame)
	}
}

// handshake sends initialize, acknowledges with the initialized
// notification, then starts or resumes the session's thread. Responses
// are read inline: nothing else is on the wire before the handshake
// finishes.
func (a *RPCAdapter) handshake() error {
	initID := a.allocID()
	if err := a.writeFrame(rpcFrame{ID: &initID, Method: "initialize", Params: mustJSON(map[string]any{
		"clientInfo": map[string]any{"name": rpcClientName, "version": "v1"},
		"capabilities": map[string]any{
			"streaming": true,
			"approvals": true,
		},
	})}); err != nil {
		return fmt.Errorf("write initialize: %w", err)
	}
	if _, err := a.awaitResponse(initID); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := a.writeFrame(rpcFrame{Method: "initialized"}); err != nil {
		return fmt.Errorf("write initialized: %w", err)
	}

	threadID := a.allocID()
	method := "thread/start"
	params := map[string]any{"cwd": a.opts.Cwd}
	if a.opts.ResumeThreadID != "" {
		method = "thread/resume"
		params = map[string]any{"threadId": a.opts.ResumeThreadID}
	}
	if err := a.writeFrame(rpcFrame{ID: &threadID, Method: method, Params: mustJSON(params)}); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}
	result, err := a.awaitResponse(threadID)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	var started struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(result, &started); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}

	a.mu.Lock()
	a.threadID = started.ThreadID
	a.ready = true
	queued := a.preQueue
	a.preQueue = nil
	a.mu.Unlock()

	a.cb.OnMeta(Meta{Kind: model.BackendRPC, NativeSessionID: started.ThreadID})
	a.cb.OnConnected()

	for _, cmd := range queued {
		if err := a.Send(context.Background(), cmd); err != nil {
			a.logger.Warn("flushing queued command", "type", cmd.Type, "error", err)
		}
	}
	return nil
}

// awaitResponse reads frames until the matching response arrives. Only
// used during the handshake; afterwards the read loop dispatches.
func (a *RPCAdapter) awaitResponse(id int64) (json.RawMessage, error) {
	for {
		raw, err := a.conn.ReadRecord()
		if err != nil {
			return nil, err
		}
		var frame rpcFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			a.logger.Warn("skipping malformed rpc frame during handshake", "error", err)
			continue
		}
		if frame.ID == nil || frame.Method != "" || *frame.ID != id {
			continue
		}
		if frame.Error != nil {
			return nil, fmt.Errorf("backend error: %s", frame.Error.Message)
		}
		return frame.Result, nil
	}
}

// failInit marks the session unusable: an error event reaches viewers
// and every further Send is rejected until a fresh adapter attaches.
func (a *RPCAdapter) failInit(err error) {
	a.mu.Lock()
	a.failed = true
	a.preQueue = nil
	a.mu.Unlock()
	a.logger.Error("rpc adapter initialization failed", "error", err)
	if msg, mErr := model.NewMessage(model.TypeError, model.ErrorData{
		Code:    model.ErrAdapterInit,
		Message: err.Error(),
	}); mErr == nil {
		a.cb.OnEvent(msg)
	}
	a.cb.OnDisconnected(fmt.Sprintf("init failed: %v", err))
}

func (a *RPCAdapter) dispatch(frame rpcFrame) {
	switch {
	case frame.ID != nil && frame.Method != "":
		a.handleBackendRequest(*frame.ID, frame.Method, frame.Params)
	case frame.ID != nil:
		a.handleResponse(frame)
	case frame.Method != "":
		a.handleNotification(frame.Method, frame.Params)
	default:
		a.logger.Warn("rpc frame with neither id nor method")
	}
}

func (a *RPCAdapter) handleResponse(frame rpcFrame) {
	a.mu.Lock()
	resolver, ok := a.pendingReqs[*frame.ID]
	delete(a.pendingReqs, *frame.ID)
	a.mu.Unlock()
	if !ok {
		a.logger.Warn("unmatched rpc response", "id", *frame.ID)
		return
	}
	if frame.Error != nil {
		resolver(nil, frame.Error.Message)
		return
	}
	resolver(frame.Result, "")
}

// Send encodes a canonical command for the RPC backend. Before the
// handshake completes commands are queued; after an init failure they
// are rejected outright.
func (a *RPCAdapter) Send(ctx context.Context, cmd model.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.failed {
		a.mu.Unlock()
		return ErrNotInitialized
	}
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if !a.ready {
		a.preQueue = append(a.preQueue, cmd)
		a.mu.Unlock()
		return nil
	}
	threadID := a.threadID
	a.mu.Unlock()

	switch cmd.Type {
	case model.CmdUserMessage:
		var data model.UserMessageData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode user_message: %w", err)
		}
		items := []map[string]any{{"type": "text", "text": data.Text}}
		for _, img := range data.Images {
			items = append(items, map[string]any{"type": "image", "mediaType": img.MediaType, "data": img.Data})
		}
		return a.request("thread/sendUserTurn", map[string]any{"threadId": threadID, "input": items}, nil)
	case model.CmdInterrupt:
		return a.writeFrame(rpcFrame{Method: "thread/interrupt", Params: mustJSON(map[string]any{"threadId": threadID})})
	case model.CmdSetModel:
		var data model.SetModelData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode set_model: %w", err)
		}
		return a.request("model/set", map[string]any{"threadId": threadID, "model": data.Model}, nil)
	case model.CmdSetPermissionMode:
		var data model.SetPermissionModeData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode set_permission_mode: %w", err)
		}
		return a.request("thread/setPermissionMode", map[string]any{"threadId": threadID, "mode": data.Mode}, nil)
	case model.CmdMCPStatus:
		return a.request("mcp/status", map[string]any{}, a.mcpStatusResolver())
	case model.CmdMCPToggle:
		var data model.MCPToggleData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode mcp_toggle: %w", err)
		}
		return a.request("mcp/toggle", map[string]any{"server": data.Server, "enabled": data.Enabled}, nil)
	case model.CmdMCPReconnect:
		var data model.MCPReconnectData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode mcp_reconnect: %w", err)
		}
		return a.request("mcp/reconnect", map[string]any{"server": data.Server}, nil)
	case model.CmdMCPSetServers:
		var data model.MCPSetServersData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("decode mcp_set_servers: %w", err)
		}
		return a.request("mcp/setServers", map[string]any{"servers": data.Servers}, nil)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Type)
	}
}

// request issues a bridge-initiated call. A nil resolver records a
// logging-only resolver so the response still matches its pending entry.
func (a *RPCAdapter) request(method string, params map[string]any, resolver rpcResolver) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.nextID++
	id := a.nextID
	if resolver == nil {
		resolver = func(_ json.RawMessage, errMsg string) {
			if errMsg != "" {
				a.logger.Warn("rpc request failed", "method", method, "error", errMsg)
			}
		}
	}
	a.pendingReqs[id] = resolver
	a.mu.Unlock()

	err := a.writeFrame(rpcFrame{ID: &id, Method: method, Params: mustJSON(params)})
	if err != nil {
		a.mu.Lock()
		delete(a.pendingReqs, id)
		a.mu.Unlock()
	}
	return err
}

func (a *RPCAdapter) mcpStatusResolver() rpcResolver {
	return func(result json.RawMessage, errMsg string) {
		status := model.StatusChangeData{Status: "mcp_status", Detail: string(result)}
		if errMsg != "" {
			status.Status = model.StatusError
			status.Detail = errMsg
		}
		if msg, err := model.NewMessage(model.TypeStatusChange, status); err == nil {
			a.cb.OnEvent(msg)
		}
	}
}

func (a *RPCAdapter) allocID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	return a.nextID
}

func (a *RPCAdapter) reply(id int64, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal rpc reply: %w", err)
	}
	return a.writeFrame(rpcFrame{ID: &id, Result: data})
}

func (a *RPCAdapter) writeFrame(frame rpcFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal rpc frame: %w", err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.isClosed() {
		return ErrClosed
	}
	if err := a.conn.WriteRecord(data); err != nil {
		return fmt.Errorf("write rpc frame: %w", err)
	}
	return nil
}

func (a *RPCAdapter) markClosed() {
	a.mu.Lock()
	a.closed = true
	a.pendingReqs = map[int64]rpcResolver{}
	perms := a.pendingPerms
	a.pendingPerms = map[string]*rpcPendingPermission{}
	a.mu.Unlock()
	for _, pending := range perms {
		pending.stopTimer()
	}
}

func (a *RPCAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *RPCAdapter) Close() error {
	a.markClosed()
	return a.conn.Close()
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable params, which are all
		// literal maps in this package.
		panic(fmt.Sprintf("adapter: marshal params: %v", err))
	}
	return data
}
