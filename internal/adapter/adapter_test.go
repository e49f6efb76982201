package adapter

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentbridge/agentbridge/internal/model"
)

// fakeConn is a channel-backed record transport: tests feed incoming
// records and observe written ones.
type fakeConn struct {
	incoming chan []byte
	written  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		written:  make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadRecord() ([]byte, error) {
	select {
	case rec := <-c.incoming:
		return rec, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteRecord(data []byte) error {
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written <- cp
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) feed(t *testing.T, record any) {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal test record: %v", err)
	}
	c.incoming <- data
}

func (c *fakeConn) feedRaw(raw string) {
	c.incoming <- []byte(raw)
}

// recorder collects adapter callbacks on channels so tests can await
// them without sleeping.
type recorder struct {
	events       chan model.Message
	states       chan model.StatePatch
	perms        chan model.PermissionRequest
	metas        chan Meta
	connected    chan struct{}
	disconnected chan string
}

func newRecorder() *recorder {
	return &recorder{
		events:       make(chan model.Message, 64),
		states:       make(chan model.StatePatch, 64),
		perms:        make(chan model.PermissionRequest, 16),
		metas:        make(chan Meta, 4),
		connected:    make(chan struct{}, 4),
		disconnected: make(chan string, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnEvent:        func(msg model.Message) { r.events <- msg },
		OnState:        func(p model.StatePatch) { r.states <- p },
		OnPermission:   func(req model.PermissionRequest) { r.perms <- req },
		OnMeta:         func(m Meta) { r.metas <- m },
		OnConnected:    func() { r.connected <- struct{}{} },
		OnDisconnected: func(reason string) { r.disconnected <- reason },
	}
}

const waitTimeout = 2 * time.Second

func awaitEvent(t *testing.T, r *recorder) model.Message {
	t.Helper()
	select {
	case msg := <-r.events:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return model.Message{}
	}
}

func awaitEventOfType(t *testing.T, r *recorder, want model.MessageType) model.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-r.events:
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func awaitState(t *testing.T, r *recorder) model.StatePatch {
	t.Helper()
	select {
	case p := <-r.states:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for state patch")
		return model.StatePatch{}
	}
}

func awaitPermission(t *testing.T, r *recorder) model.PermissionRequest {
	t.Helper()
	select {
	case req := <-r.perms:
		return req
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for permission request")
		return model.PermissionRequest{}
	}
}

func awaitMeta(t *testing.T, r *recorder) Meta {
	t.Helper()
	select {
	case meta := <-r.metas:
		return meta
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for meta")
		return Meta{}
	}
}

func awaitConnected(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.connected:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connect")
	}
}

func awaitDisconnected(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case reason := <-r.disconnected:
		return reason
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for disconnect")
		return ""
	}
}

func awaitWritten(t *testing.T, conn *fakeConn) map[string]any {
	t.Helper()
	select {
	case raw := <-conn.written:
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode written record: %v\n%s", err, raw)
		}
		return out
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for written record")
		return nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
