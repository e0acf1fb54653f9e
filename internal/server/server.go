// Package server exposes the Voxhaven HTTP surface: the /ws voice socket,
// cached audio artifacts, the agent CRUD API, health probes, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxhaven/voxhaven/internal/agentstore"
	"github.com/voxhaven/voxhaven/internal/artifact"
	"github.com/voxhaven/voxhaven/internal/dialog"
	"github.com/voxhaven/voxhaven/internal/health"
	"github.com/voxhaven/voxhaven/internal/observe"
	"github.com/voxhaven/voxhaven/internal/protocol"
)

// Config parameterises the HTTP server.
type Config struct {
	// Session is the per-session dialog configuration template. Its ID field
	// is ignored; every accepted connection gets a fresh UUID.
	Session dialog.SessionConfig
}

// Server wires the dialog pipeline, agent store, and artifact cache into an
// HTTP handler.
type Server struct {
	cfg       Config
	providers dialog.Providers
	agents    agentstore.Store
	store     *artifact.Store
	metrics   *observe.Metrics
	health    *health.Handler
}

// New creates a [Server]. All collaborators are required; health may carry
// zero checkers.
func New(cfg Config, providers dialog.Providers, agents agentstore.Store, store *artifact.Store, metrics *observe.Metrics, h *health.Handler) *Server {
	return &Server{
		cfg:       cfg,
		providers: providers,
		agents:    agents,
		store:     store,
		metrics:   metrics,
		health:    h,
	}
}

// Handler returns the root HTTP handler. The /ws route bypasses the
// observability middleware: the WebSocket upgrade needs the raw hijackable
// ResponseWriter, and a session is traced through its own lifecycle logs
// rather than a single request span.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.Handle("/audio/", artifact.Handler(s.store, "/audio/"))
	agentstore.NewRESTHandler(s.agents).Register(api)
	s.health.Register(api)
	api.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.HandleFunc("GET /ws", s.handleWS)
	root.Handle("/", observe.Middleware(s.metrics)(api))
	return root
}

// wsWriter adapts a websocket connection to the dialog transport interface.
// The dialog egress is the only goroutine calling WriteText.
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) WriteText(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// errMalformedFrame signals a text frame that is not valid JSON. The client
// broke the control protocol, so the connection is closed with a policy
// violation instead of an in-band marker.
var errMalformedFrame = errors.New("malformed control frame")

// handleWS upgrades the connection and runs one dialog session on it: a read
// loop feeding frames into the session, and the session's own event loop
// writing markers back through the egress.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	cfg := s.cfg.Session
	cfg.ID = uuid.NewString()

	sess, err := dialog.NewSession(wsWriter{conn: conn}, s.providers, s.agents, s.store, cfg)
	if err != nil {
		slog.Error("session init failed", "session", cfg.ID, "error", err)
		conn.Close(websocket.StatusInternalError, "session init failed")
		return
	}

	s.metrics.ActiveSessions.Add(r.Context(), 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(r.Context()), -1)

	slog.Info("session connected", "session", cfg.ID, "remote", r.RemoteAddr)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return sess.Run(ctx) })
	g.Go(func() error { return s.readLoop(ctx, conn, sess) })

	s.closeConn(conn, cfg.ID, g.Wait())
}

// readLoop pumps inbound frames into the session until the connection or the
// session dies. Binary frames are audio; text frames are control messages.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *dialog.Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			sess.HandleAudio(data)
		case websocket.MessageText:
			frame, err := protocol.ParseClientFrame(data)
			if err != nil {
				return fmt.Errorf("%w: %v", errMalformedFrame, err)
			}
			sess.HandleControl(frame)
		}
	}
}

// closeConn maps the session outcome to a close status. The egress has
// already delivered any final error marker by the time Run returns.
func (s *Server) closeConn(conn *websocket.Conn, sessionID string, err error) {
	var derr *dialog.Error
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, errMalformedFrame):
		conn.Close(websocket.StatusPolicyViolation, errMalformedFrame.Error())
	case errors.As(err, &derr):
		switch derr.Kind {
		case dialog.KindProtocol:
			conn.Close(websocket.StatusPolicyViolation, string(derr.Kind))
		case dialog.KindTimeoutIdle:
			conn.Close(websocket.StatusNormalClosure, "idle timeout")
		default:
			conn.Close(websocket.StatusInternalError, string(derr.Kind))
		}
	case websocket.CloseStatus(err) != -1:
		// Client initiated the close; nothing more to do.
	default:
		slog.Warn("session ended abnormally", "session", sessionID, "error", err)
		conn.Close(websocket.StatusInternalError, "session failure")
	}
	slog.Info("session closed", "session", sessionID)
}
