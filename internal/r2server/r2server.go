// Package r2server is the Session Registry's transport half: it accepts R2
// WebSocket connections, mints a ws_id per connection, and pumps frames
// to/from the Controller. Grounded on the hub/per-client pump pattern in
// other_examples' streamerbrainz state_ws.go (register/unregister
// tracking, one write pump per client so a slow R2 peer cannot block
// others), adapted from a broadcast hub to a per-session duplex relay since
// fanout here is the Controller's job, not the transport's.
package r2server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuf    = 32
)

// Sink is the outbound half of a registered session: the Controller calls
// Send for every frame addressed to this ws_id and never blocks on it.
type Sink interface {
	Send(raw []byte)
}

// Controller is the seam r2server depends on instead of importing
// package controller directly, avoiding the cyclic reference §9 calls out
// between the Controller and its collaborators. Implemented by
// *controller.Controller.
type Controller interface {
	NewSession(wsID string, out Sink)
	SessionDisconnect(wsID string)
	HandleFrame(wsID string, raw []byte)
}

// Server upgrades incoming HTTP connections to R2 WebSocket sessions.
type Server struct {
	logger     *slog.Logger
	controller Controller
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Server. Call Register to wire it onto a mux.
func New(logger *slog.Logger, controller Controller) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:     logger,
		controller: controller,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions:   make(map[string]*session),
	}
}

// Register attaches the R2 WebSocket upgrade handler at path.
func (s *Server) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("r2 websocket upgrade failed", "error", err)
		return
	}

	wsID := uuid.NewString()
	sess := &session{
		wsID:   wsID,
		conn:   conn,
		send:   make(chan []byte, sendBuf),
		server: s,
		logger: s.logger.With("ws_id", wsID),
	}

	s.mu.Lock()
	s.sessions[wsID] = sess
	s.mu.Unlock()

	s.controller.NewSession(wsID, sess)

	// Pumps run on their own background context: tying them to the HTTP
	// request context would cancel on handler return and close the socket
	// abnormally, the same caveat noted in the streamerbrainz WS handler.
	go sess.writePump(context.Background())
	go sess.readPump(context.Background())
}

func (s *Server) remove(wsID string) {
	s.mu.Lock()
	_, ok := s.sessions[wsID]
	delete(s.sessions, wsID)
	s.mu.Unlock()
	if ok {
		s.controller.SessionDisconnect(wsID)
	}
}

// Shutdown closes every live session, for process shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

// session is one live R2 connection: a reader goroutine feeding the
// Controller and a writer goroutine draining Send's buffered queue.
type session struct {
	wsID   string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	logger *slog.Logger

	closeOnce sync.Once
}

// Send enqueues a frame for delivery. Never blocks: a full queue means the
// session is too slow and gets dropped, matching §9's "per-session
// outbound... if full, drop and log (R2 is expected to reconnect)".
func (sess *session) Send(raw []byte) {
	select {
	case sess.send <- raw:
	default:
		sess.logger.Warn("r2 session outbound queue full, dropping frame and disconnecting")
		sess.closeOnce.Do(func() { _ = sess.conn.Close() })
	}
}

func (sess *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					sess.logger.Debug("r2 write pump exiting", "error", err)
				}
				return
			}

		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sess *session) readPump(ctx context.Context) {
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer sess.server.remove(sess.wsID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				sess.logger.Debug("r2 read pump exiting", "error", err)
			}
			return
		}
		sess.server.controller.HandleFrame(sess.wsID, raw)
	}
}
