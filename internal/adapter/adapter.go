package adapter

import (
	"context"
	"errors"

	"github.com/agentbridge/agentbridge/internal/model"
)

var (
	// ErrClosed is returned by Send after the adapter's link is gone.
	ErrClosed = errors.New("adapter closed")
	// ErrNotInitialized is returned when the link failed its handshake
	// and the session must attach a fresh adapter.
	ErrNotInitialized = errors.New("adapter not initialized")
	// ErrUnknownRequest is returned when a permission response names a
	// request id with no pending entry.
	ErrUnknownRequest = errors.New("unknown request id")
	// ErrUnsupportedCommand is returned for command types the backend
	// protocol has no encoding for.
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// Meta is the session metadata an adapter learns during attach.
type Meta struct {
	Kind model.BackendKind
	// NativeSessionID is the identifier the backend reports internally
	// (thread id for RPC backends, session id for stream backends). It
	// never replaces the bridge's own session identifier.
	NativeSessionID string
}

// Callbacks are invoked by an adapter as it translates backend traffic.
// All callbacks must be non-nil; they are invoked from the adapter's
// read loop, one at a time.
type Callbacks struct {
	// OnEvent delivers a translated canonical event for broadcast.
	OnEvent func(model.Message)
	// OnState delivers a partial state patch to merge and broadcast.
	OnState func(model.StatePatch)
	// OnPermission surfaces a backend approval request to viewers.
	OnPermission func(model.PermissionRequest)
	// OnConnected fires once the link is usable for outgoing commands.
	OnConnected func()
	// OnMeta fires when the adapter learns session metadata (backend
	// kind, the backend's own session identifier).
	OnMeta func(Meta)
	// OnDisconnected fires when the link is gone. Pending permission
	// cleanup is the session's job, not the adapter's.
	OnDisconnected func(reason string)
}

// Adapter is the capability surface shared by both backend protocols.
// The session layer never branches on the concrete type except to
// select which implementation to attach.
type Adapter interface {
	Kind() model.BackendKind
	// Send encodes a canonical viewer command into the backend-native
	// shape and writes it. Commands submitted before the link is ready
	// are queued by the adapter and flushed in order.
	Send(ctx context.Context, cmd model.Command) error
	// RespondPermission encodes a viewer's permission decision into the
	// reply shape recorded for the pending request.
	RespondPermission(requestID string, resp model.PermissionResponseData) error
	Close() error
}

// Conn is one record-oriented backend connection, provided by the
// transport layer. ReadRecord blocks until a full record arrives and
// returns io.EOF (or a close error) when the peer is gone.
type Conn interface {
	ReadRecord() ([]byte, error)
	WriteRecord(data []byte) error
	Close() error
}
