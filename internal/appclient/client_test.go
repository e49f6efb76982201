package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentbridge/agentbridge/internal/api"
)

func TestHealthDecodesResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"ok","session_count":3}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	resp, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.Status != "ok" || resp.SessionCount != 3 {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestListSessionsDecodesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		env := api.SessionsEnvelope{
			SchemaVersion: api.SchemaVersion,
			Sessions: []api.SessionResponse{
				{SessionID: "alpha", BackendKind: "rpc", Connected: true, LastSeq: 42},
				{SessionID: "beta"},
			},
		}
		_ = json.NewEncoder(w).Encode(env)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	env, err := client.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(env.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(env.Sessions))
	}
	if env.Sessions[0].SessionID != "alpha" || env.Sessions[0].LastSeq != 42 {
		t.Fatalf("unexpected first session: %+v", env.Sessions[0])
	}
}

func TestGetSessionEscapesID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/v1/sessions/has%2Fslash" {
			t.Fatalf("unexpected path %q", r.URL.EscapedPath())
		}
		env := api.SessionEnvelope{
			SchemaVersion: api.SchemaVersion,
			Session:       api.SessionResponse{SessionID: "has/slash"},
		}
		_ = json.NewEncoder(w).Encode(env)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	env, err := client.GetSession(context.Background(), "has/slash")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if env.Session.SessionID != "has/slash" {
		t.Fatalf("unexpected session id %q", env.Session.SessionID)
	}
}

func TestSpawnRPCBackendSendsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.SpawnRPCBackendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Command != "agent" || len(req.Args) != 1 || req.Args[0] != "--rpc" {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.SpawnRPCBackendResponse{
			SchemaVersion: api.SchemaVersion,
			SessionID:     "alpha",
			PID:           1234,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	resp, err := client.SpawnRPCBackend(context.Background(), "alpha", api.SpawnRPCBackendRequest{
		Command: "agent",
		Args:    []string{"--rpc"},
	})
	if err != nil {
		t.Fatalf("spawn backend: %v", err)
	}
	if resp.PID != 1234 {
		t.Fatalf("expected pid 1234, got %d", resp.PID)
	}
}

func TestRequestErrorFromEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_BACKEND_CONFLICT","message":"session already has a live backend"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.SpawnRPCBackend(context.Background(), "alpha", api.SpawnRPCBackendRequest{Command: "agent"})
	if err == nil {
		t.Fatal("expected error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T: %v", err, err)
	}
	if reqErr.StatusCode != http.StatusConflict || reqErr.Code != "E_BACKEND_CONFLICT" {
		t.Fatalf("unexpected error: %+v", reqErr)
	}
	if reqErr.Retryable() {
		t.Fatal("conflict must not be retryable")
	}
}

func TestRequestErrorFromOpaqueBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream exploded")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.Health(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T: %v", err, err)
	}
	if reqErr.Code != "HTTP_502" || reqErr.Message != "upstream exploded" {
		t.Fatalf("unexpected error: %+v", reqErr)
	}
	if !reqErr.Retryable() {
		t.Fatal("502 should be retryable")
	}
}

func TestCloseSessionReportsClosedFlag(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		_ = json.NewEncoder(w).Encode(api.CloseSessionResponse{
			SchemaVersion: api.SchemaVersion,
			SessionID:     "gone",
			Closed:        false,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	resp, err := client.CloseSession(context.Background(), "gone")
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if resp.Closed {
		t.Fatal("expected closed=false for unknown session")
	}
}
