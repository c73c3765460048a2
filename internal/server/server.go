// Package server exposes the orchestrator over HTTP: POST /chat (JSON or
// server-sent events), a websocket variant, health and tool introspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/logger"
	"github.com/codefionn/bizpilot/internal/orchestrator"
	"github.com/codefionn/bizpilot/internal/schema"
	"github.com/codefionn/bizpilot/internal/tools"
)

// UserHeader carries the authenticated user id, set by the gateway in front
// of this service.
const UserHeader = "X-User-ID"

// Orchestrator is the part of *orchestrator.Controller the server needs.
type Orchestrator interface {
	Handle(ctx context.Context, userID string, req *schema.Request) (*orchestrator.Outcome, error)
	ModelName() string
	Registry() *tools.Registry
}

// Options configures a Server.
type Options struct {
	Addr       string
	MaxHistory int
	// Ping reports backend health for /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error
	Log  *logger.Logger
}

// Server provides the HTTP interface of the assistant
type Server struct {
	orch       Orchestrator
	addr       string
	maxHistory int
	ping       func(ctx context.Context) error
	log        *logger.Logger
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	server     *http.Server
}

// New creates a server and its routes.
func New(orch Orchestrator, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logger.Global()
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = consts.DefaultMaxHistory
	}
	s := &Server{
		orch:       orch,
		addr:       opts.Addr,
		maxHistory: maxHistory,
		ping:       opts.Ping,
		log:        log.WithPrefix("http"),
		router:     httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  consts.BufferSize64KB,
			WriteBufferSize: consts.BufferSize64KB,
		},
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.Timeout10Seconds,
		// must outlive the total request budget of a streamed answer
		WriteTimeout: consts.Timeout2Minutes,
		IdleTimeout:  consts.Timeout2Minutes,
		ErrorLog:     slog.NewLogLogger(logger.NewSlogHandler(s.log), slog.LevelError),
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.POST("/chat", s.handleChat)
	s.router.GET("/chat/ws", s.handleWebSocket)
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/tools", s.handleTools)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("listening on %s", l.Addr())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends. A later Serve returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.log.Warn("health check failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "model": s.orch.ModelName()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "model": s.orch.ModelName()})
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"readOnly"`
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	specs := s.orch.Registry().Specs()
	out := make([]toolInfo, len(specs))
	for i, spec := range specs {
		out[i] = toolInfo{Name: spec.Name, Description: spec.Description, ReadOnly: spec.ReadOnly}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
