package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentbridge/agentbridge/internal/adapter"
	"github.com/agentbridge/agentbridge/internal/model"
	"github.com/agentbridge/agentbridge/internal/session"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// viewerConn adapts a websocket to the session's viewer interface.
// Writes are serialized; Broadcast may race with replay sends.
type viewerConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (v *viewerConn) ID() string { return v.id }

func (v *viewerConn) Send(data []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
	return v.conn.WriteMessage(websocket.TextMessage, data)
}

func (v *viewerConn) Close() error {
	return v.conn.Close()
}

// viewerHandler attaches a viewer websocket: snapshot on attach, then
// a command read loop until the socket closes.
func (s *Server) viewerHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("viewer upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	sess := s.registry.GetOrCreate(sessionID, model.BackendUnknown)
	viewer := &viewerConn{id: uuid.NewString(), conn: conn}
	if err := sess.AddViewer(viewer); err != nil {
		s.logger.Warn("attaching viewer", "session_id", sessionID, "error", err)
		conn.Close() //nolint:errcheck
		return
	}
	s.logger.Info("viewer attached", "session_id", sessionID, "viewer", viewer.id)

	defer func() {
		sess.RemoveViewer(viewer.id)
		conn.Close() //nolint:errcheck
		s.logger.Info("viewer detached", "session_id", sessionID, "viewer", viewer.id)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd model.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.sendViewerError(sess, viewer, model.ErrPayloadInvalid, "invalid command payload")
			continue
		}
		if err := sess.HandleCommand(viewer, cmd); err != nil {
			s.logger.Warn("command failed", "session_id", sessionID, "type", cmd.Type, "error", err)
			s.sendViewerError(sess, viewer, errorCode(err), err.Error())
		}
	}
}

// sendViewerError reports a command failure to the submitting viewer
// only; other viewers never see it.
func (s *Server) sendViewerError(sess *session.Session, v *viewerConn, code, message string) {
	msg, err := model.NewMessage(model.TypeError, model.ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := v.Send(data); err != nil {
		s.logger.Debug("sending viewer error", "session_id", sess.ID, "error", err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrBackendUnavailable):
		return model.ErrBackendUnavailable
	case errors.Is(err, session.ErrClosed):
		return model.ErrSessionClosed
	default:
		return model.ErrPayloadInvalid
	}
}

// wsRecordConn adapts a websocket to the adapter's record transport.
type wsRecordConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *wsRecordConn) ReadRecord() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsRecordConn) WriteRecord(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsRecordConn) Close() error {
	return c.conn.Close()
}

// backendHandler attaches a websocket backend speaking the stream
// protocol. A live backend is superseded, not rejected: the newest
// connection wins and stale callbacks are dropped by generation.
func (s *Server) backendHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != string(model.BackendStream) {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "backend websocket only speaks the stream protocol")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("backend upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	sess := s.registry.GetOrCreate(sessionID, model.BackendStream)
	record := &wsRecordConn{conn: conn}
	var a *adapter.StreamAdapter
	err = sess.AttachBackend(model.BackendStream, func(cb adapter.Callbacks) (adapter.Adapter, error) {
		a = adapter.NewStreamAdapter(record, cb, s.logger.With("session", sessionID))
		return a, nil
	})
	if err != nil {
		conn.Close() //nolint:errcheck
		return
	}
	s.logger.Info("stream backend attached", "session_id", sessionID)
	// Run owns the socket from here; it returns when the peer is gone.
	a.Run()
}
