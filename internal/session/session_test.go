package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/agentbridge/agentbridge/internal/adapter"
	"github.com/agentbridge/agentbridge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	return NewRegistry(testLogger(), nil, nil)
}

type fakeViewer struct {
	id   string
	fail bool

	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeViewer) ID() string { return f.id }

func (f *fakeViewer) Send(data []byte) error {
	if f.fail {
		return errors.New("socket gone")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeViewer) Close() error { return nil }

func (f *fakeViewer) messages(t *testing.T) []model.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, 0, len(f.sent))
	for _, raw := range f.sent {
		var msg model.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode sent message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

type fakeBackend struct {
	mu        sync.Mutex
	sent      []model.Command
	responses []model.PermissionResponseData
	sendErr   error
	closed    bool
}

func (f *fakeBackend) Kind() model.BackendKind { return model.BackendStream }

func (f *fakeBackend) Send(_ context.Context, cmd model.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeBackend) RespondPermission(requestID string, resp model.PermissionResponseData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp.RequestID = requestID
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) sentCommands() []model.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Command(nil), f.sent...)
}

// attachFake installs a fake backend and returns it with the callbacks
// the session registered, so tests drive the adapter side directly.
func attachFake(t *testing.T, s *Session) (*fakeBackend, adapter.Callbacks) {
	t.Helper()
	backend := &fakeBackend{}
	var cb adapter.Callbacks
	err := s.AttachBackend(model.BackendStream, func(c adapter.Callbacks) (adapter.Adapter, error) {
		cb = c
		return backend, nil
	})
	if err != nil {
		t.Fatalf("attach backend: %v", err)
	}
	return backend, cb
}

func statusMessage(t *testing.T, status string) model.Message {
	t.Helper()
	msg, err := model.NewMessage(model.TypeStatusChange, model.StatusChangeData{Status: status})
	if err != nil {
		t.Fatalf("build status message: %v", err)
	}
	return msg
}

func TestBroadcastAssignsMonotonicSeq(t *testing.T) {
	s := newTestRegistry().GetOrCreate("alpha", model.BackendUnknown)
	viewer := &fakeViewer{id: "v1"}
	if err := s.AddViewer(viewer); err != nil {
		t.Fatalf("add viewer: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.Broadcast(statusMessage(t, model.StatusReady))
	}

	msgs := viewer.messages(t)
	// First message is the session_init snapshot with seq 0.
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Type != model.TypeSessionInit || msgs[0].Seq != 0 {
		t.Fatalf("expected unsequenced session_init first, got %+v", msgs[0])
	}
	for i, msg := range msgs[1:] {
		if msg.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, msg.Seq)
		}
	}
	if s.LastSeq() != 3 {
		t.Fatalf("expected last seq 3, got %d", s.LastSeq())
	}
}

func TestBroadcastSkipsFailingViewerWithoutRemoval(t *testing.T) {
	s := newTestRegistry().GetOrCreate("alpha", model.BackendUnknown)
	good := &fakeViewer{id: "good"}
	bad := &fakeViewer{id: "bad", fail: true}
	if err := s.AddViewer(good); err != nil {
		t.Fatalf("add good viewer: %v", err)
	}
	_ = s.AddViewer(bad) // init send fails, viewer stays attached

	s.Broadcast(statusMessage(t, model.StatusReady))
	s.Broadcast(statusMessage(t, model.StatusCompacting))

	if got := len(good.messages(t)); got != 3 {
		t.Fatalf("healthy viewer should have 3 messages, got %d", got)
	}
	if s.ViewerCount() != 2 {
		t.Fatalf("failing viewer must stay attached, count=%d", s.ViewerCount())
	}
}

func TestBufferEvictsOldestAtCapacity(t *testing.T) {
	s := newTestRegistry().GetOrCreate("alpha", model.BackendUnknown)
	s.bufferCap = 3

	for i := 0; i < 5; i++ {
		s.Broadcast(statusMessage(t, model.StatusReady))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) != 3 {
		t.Fatalf("expected buffer len 3, got %d", len(s.buffer))
	}
	if s.buffer[0].Seq != 3 || s.buffer[2].Seq != 5 {
		t.Fatalf("expected seqs 3..5 retained, got %d..%d", s.buffer[0].Seq, s.buffer[2].Seq)
	}
}

func TestStateUpdatesAccumulate(t *testing.T) {
	s := newTestRegistry().GetOrCreate("alpha", model.BackendUnknown)
	_, cb := attachFake(t, s)

	modelName := "opus"
	cb.OnState(model.StatePatch{Model: &modelName})
	cost := 0.25
	turns := 2
	cb.OnState(model.StatePatch{TotalCostUSD: &cost, TurnCount: &turns})

	state := s.State()
	if state.Model != "opus" {
		t.Fatalf("expected model preserved across patches, got %q", state.Model)
	}
	if state.TotalCostUSD != 0.25 || state.TurnCount != 2 {
		t.Fatalf("unexpected accumulated state: %+v", state)
	}
}

func TestHistoryBackedEventsRecorded(t *testing.T) {
	s := newTestRegistry().GetOrCreate("alpha", model.BackendUnknown)
	_, cb := attachFake(t, s)

	assistant, err := model.NewMessage(model.TypeAssistant, model.AssistantData{
		Content: []model.ContentBlock{{Type: model.BlockText, Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("build assistant message: %v", err)
	}
	cb.OnEvent(assistant)
	cb.OnEvent(statusMessage(t, model.StatusReady))

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(s.history))
	}
	if s.history[0].Type != model.TypeAssistant {
		t.Fatalf("expected assistant history entry, got %s", s.history[0].Type)
	}
}

func TestBackendDisconnectCancelsPendingSorted(t *testing.T) {
	s := newTestRegistry().GetOrCreate("alpha", model.BackendUnknown)
	_, cb := attachFake(t, s)
	cb.OnConnected()

	viewer := &fakeViewer{id: "v1"}
	if err := s.AddViewer(viewer); err != nil {
		t.Fatalf("add viewer: %v", err)
	}
	for _, id := range []string{"req-c", "req-a", "req-b"} {
		cb.OnPermission(model.PermissionRequest{RequestID: id, Tool: "bash"})
	}

	cb.OnDisconnected("stream closed")

	var cancelled []string
	var sawDisconnect bool
	for _, msg := range viewer.messages(t) {
		switch msg.Type {
		case model.TypePermissionCancelled:
			var data model.PermissionCancelledData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				t.Fatalf("decode cancellation: %v", err)
			}
			cancelled = append(cancelled, data.RequestID)
		case model.TypeCLIDisconnected:
			sawDisconnect = true
		}
	}
	want := []string{"req-a", "req-b", "req-c"}
	if len(cancelled) != len(want) {
		t.Fatalf("expected %d cancellations, got %v", len(want), cancelled)
	}
	for i := range want {
		if cancelled[i] != want[i] {
			t.Fatalf("expected sorted cancellation order %v, got %v", want, cancelled)
		}
	}
	if !sawDisconnect {
		t.Fatal("expected cli_disconnected broadcast")
	}
	if s.BackendConnected() {
		t.Fatal("backend must be marked disconnected")
	}
}

func TestStaleBackendGenerationIgnored(t *testing.T) {
	s := newTestRegistry().GetOrCreate("alpha", model.BackendUnknown)
	_, oldCB := attachFake(t, s)
	newBackend, newCB := attachFake(t, s)
	newCB.OnConnected()

	viewer := &fakeViewer{id: "v1"}
	if err := s.AddViewer(viewer); err != nil {
		t.Fatalf("add viewer: %v", err)
	}

	before := s.LastSeq()
	oldCB.OnEvent(statusMessage(t, model.StatusError))
	if s.LastSeq() != before {
		t.Fatal("stale generation event must not be broadcast")
	}
	oldCB.OnDisconnected("old socket")
	if !s.BackendConnected() {
		t.Fatal("stale disconnect must not tear down the live backend")
	}

	newCB.OnEvent(statusMessage(t, model.StatusReady))
	if s.LastSeq() != before+1 {
		t.Fatal("live generation event must be broadcast")
	}
	_ = newBackend
}

func TestAddViewerReceivesSortedPending(t *testing.T) {
	s := newTestRegistry().GetOrCreate("alpha", model.BackendUnknown)
	_, cb := attachFake(t, s)
	cb.OnConnected()
	cb.OnPermission(model.PermissionRequest{RequestID: "req-b", Tool: "bash"})
	cb.OnPermission(model.PermissionRequest{RequestID: "req-a", Tool: "edit"})

	viewer := &fakeViewer{id: "v1"}
	if err := s.AddViewer(viewer); err != nil {
		t.Fatalf("add viewer: %v", err)
	}

	msgs := viewer.messages(t)
	if msgs[0].Type != model.TypeSessionInit {
		t.Fatalf("expected session_init, got %s", msgs[0].Type)
	}
	var init model.SessionInitData
	if err := json.Unmarshal(msgs[0].Data, &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if !init.Connected || init.SessionID != "alpha" {
		t.Fatalf("unexpected init: %+v", init)
	}
	if len(init.Pending) != 2 || init.Pending[0].RequestID != "req-a" || init.Pending[1].RequestID != "req-b" {
		t.Fatalf("expected sorted pending requests, got %+v", init.Pending)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	reg := newTestRegistry()
	s := reg.GetOrCreate("alpha", model.BackendUnknown)
	backend, cb := attachFake(t, s)
	cb.OnConnected()

	if !reg.Close("alpha") {
		t.Fatal("expected close to report true")
	}
	if !backend.closed {
		t.Fatal("backend must be closed with the session")
	}
	if err := s.AddViewer(&fakeViewer{id: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.AttachBackend(model.BackendStream, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on attach, got %v", err)
	}
	if reg.Close("alpha") {
		t.Fatal("second close must report false")
	}
}
