package daemon

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentbridge/agentbridge/internal/adapter"
	"github.com/agentbridge/agentbridge/internal/api"
	"github.com/agentbridge/agentbridge/internal/model"
	"github.com/agentbridge/agentbridge/internal/proc"
	"github.com/agentbridge/agentbridge/internal/session"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		SessionCount:  len(s.registry.List()),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sessions := s.registry.List()
	resp := api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      make([]api.SessionResponse, 0, len(sessions)),
	}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, toSessionResponse(sess))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// sessionByIDHandler routes /v1/sessions/{id}[/viewer|/backend|/rpc-backend].
func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session route not found")
		return
	}
	sessionID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid session id encoding")
		return
	}
	sessionID = strings.TrimSpace(sessionID)

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getSession(w, sessionID)
		case http.MethodDelete:
			s.closeSession(w, r, sessionID)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
		return
	}
	if len(parts) != 2 {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session route not found")
		return
	}
	switch parts[1] {
	case "viewer":
		s.viewerHandler(w, r, sessionID)
	case "backend":
		s.backendHandler(w, r, sessionID)
	case "rpc-backend":
		s.spawnRPCBackendHandler(w, r, sessionID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session route not found")
	}
}

func (s *Server) getSession(w http.ResponseWriter, sessionID string) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	resp := api.SessionEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Session:       toSessionResponse(sess),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	closed := s.registry.Close(sessionID)
	if closed {
		if p := s.takeProc(sessionID); p != nil {
			if err := p.Close(); err != nil {
				s.logger.Warn("stopping backend process", "session_id", sessionID, "error", err)
			}
		}
		if err := s.ckpt.Delete(r.Context(), sessionID); err != nil {
			s.logger.Warn("deleting persisted session", "session_id", sessionID, "error", err)
		}
	}
	// DELETE is idempotent: closing an unknown session reports
	// closed=false instead of failing.
	resp := api.CloseSessionResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     sessionID,
		Closed:        closed,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// spawnRPCBackendHandler launches a managed subprocess speaking the
// RPC protocol and attaches it to the session. An already-attached
// live backend is a conflict; the caller must close it first.
func (s *Server) spawnRPCBackendHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.SpawnRPCBackendRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, "invalid request body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, "command is required")
		return
	}

	sess := s.registry.GetOrCreate(sessionID, model.BackendRPC)
	if sess.BackendConnected() {
		s.writeError(w, http.StatusConflict, model.ErrBackendConflict, "session already has a live backend")
		return
	}

	process, err := proc.Start(req.Command, req.Args, req.Cwd, s.cfg.TeardownGrace, s.logger)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, model.ErrBackendUnavailable, err.Error())
		return
	}

	opts := adapter.RPCOptions{
		Cwd:                req.Cwd,
		ResumeThreadID:     req.ResumeThreadID,
		DynamicToolTimeout: s.cfg.DynamicToolTimeout,
	}
	err = sess.AttachBackend(model.BackendRPC, func(cb adapter.Callbacks) (adapter.Adapter, error) {
		a := adapter.NewRPCAdapter(process, cb, opts, s.logger.With("session", sessionID))
		go a.Run()
		return a, nil
	})
	if err != nil {
		process.Close() //nolint:errcheck
		s.writeError(w, http.StatusConflict, model.ErrSessionClosed, err.Error())
		return
	}
	s.trackProc(sessionID, process)
	go func() {
		<-process.Done()
		s.untrackProc(sessionID)
	}()

	resp := api.SpawnRPCBackendResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     sessionID,
		PID:           process.PID(),
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func toSessionResponse(sess *session.Session) api.SessionResponse {
	state := sess.State()
	return api.SessionResponse{
		SessionID:      sess.ID,
		BackendKind:    string(sess.BackendKind()),
		Connected:      sess.BackendConnected(),
		ViewerCount:    sess.ViewerCount(),
		LastSeq:        sess.LastSeq(),
		Model:          state.Model,
		WorkingDir:     state.WorkingDir,
		PermissionMode: state.PermissionMode,
		TotalCostUSD:   state.TotalCostUSD,
		TurnCount:      state.TurnCount,
	}
}
