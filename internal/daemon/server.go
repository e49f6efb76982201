// Package daemon hosts the bridge's HTTP surface: the REST control
// plane, the viewer and backend websocket endpoints, and the metrics
// listener. One daemon process owns all sessions; the unix socket lock
// guarantees single-instance operation.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/agentbridge/agentbridge/internal/api"
	"github.com/agentbridge/agentbridge/internal/checkpoint"
	"github.com/agentbridge/agentbridge/internal/config"
	"github.com/agentbridge/agentbridge/internal/db"
	"github.com/agentbridge/agentbridge/internal/metrics"
	"github.com/agentbridge/agentbridge/internal/model"
	"github.com/agentbridge/agentbridge/internal/session"
)

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *db.Store
	registry *session.Registry
	ckpt     *checkpoint.Checkpointer
	metrics  *metrics.Bridge

	httpSrv  *http.Server
	lockFile *os.File

	mu        sync.Mutex
	listeners []net.Listener
	// procs tracks spawned RPC backend subprocesses by session id so
	// shutdown can tear them down with the configured grace window.
	procs map[string]io.Closer

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, logger *slog.Logger) *Server {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: m,
		procs:   map[string]io.Closer{},
	}
	s.ckpt = checkpoint.New(store, logger, m, cfg.CheckpointDebounce)
	s.registry = session.NewRegistry(logger, m, s.ckpt.MarkDirty)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Registry exposes the session registry for tests.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Start restores persisted sessions, binds the unix socket (and the
// optional TCP address), and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if err := s.ckpt.Restore(ctx, s.registry); err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("restore sessions: %w", err)
	}

	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}

	unixLn, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		unixLn.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	listeners := []net.Listener{unixLn}
	if s.cfg.ListenAddr != "" {
		tcpLn, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			unixLn.Close() //nolint:errcheck
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("listen tcp %s: %w", s.cfg.ListenAddr, err)
		}
		listeners = append(listeners, tcpLn)
	}
	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	s.logger.Info("daemon listening", "socket", s.cfg.SocketPath, "addr", s.cfg.ListenAddr)

	// gctx cancels when the caller shuts us down or a listener fails.
	<-gctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	_ = s.Shutdown(shutdownCtx)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return ctx.Err()
}

// Shutdown stops accepting connections, tears down spawned backends,
// flushes the checkpointer, and releases the socket lock. Sessions are
// persisted, not closed: their state survives the restart.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listeners := s.listeners
		s.listeners = nil
		procs := s.procs
		s.procs = map[string]io.Closer{}
		s.mu.Unlock()
		for _, ln := range listeners {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		for id, p := range procs {
			if err := p.Close(); err != nil {
				s.logger.Warn("stopping backend process", "session_id", id, "error", err)
			}
		}
		s.ckpt.Close()
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) trackProc(sessionID string, p io.Closer) {
	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()
}

func (s *Server) untrackProc(sessionID string) {
	s.mu.Lock()
	delete(s.procs, sessionID)
	s.mu.Unlock()
}

func (s *Server) takeProc(sessionID string) io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[sessionID]
	delete(s.procs, sessionID)
	return p
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
