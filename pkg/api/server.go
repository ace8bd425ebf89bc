// Package api exposes the orchestration layer over HTTP: query submission,
// agent card discovery, and the message trace (snapshot, summary, and a
// live websocket stream).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/agentlink/servicedesk/pkg/agents"
	"github.com/agentlink/servicedesk/pkg/router"
	"github.com/agentlink/servicedesk/pkg/trace"
)

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Host         string
	Port         int
	AllowOrigins []string
}

// DefaultServerConfig returns the standard listen address and an open CORS
// policy suitable for local development.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		AllowOrigins: []string{"*"},
	}
}

// orchestrator is the slice of the router the server consumes.
type orchestrator interface {
	HandleQuery(ctx context.Context, query string, customerID *int64) (*router.Outcome, error)
}

// Server is the HTTP front end over the router, registry, and tracer.
type Server struct {
	config   *ServerConfig
	mux      *http.ServeMux
	orch     orchestrator
	registry *agents.Registry
	tracer   *trace.Recorder
	upgrader websocket.Upgrader
	logger   *slog.Logger

	httpServer *http.Server
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query      string `json:"query"`
	CustomerID *int64 `json:"customer_id,omitempty"`
}

// NewServer wires the API server to its collaborators.
func NewServer(config *ServerConfig, orch orchestrator, registry *agents.Registry, tracer *trace.Recorder, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   config,
		orch:     orch,
		registry: registry,
		tracer:   tracer,
		logger:   logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/query", s.handleQuery)
	s.mux.HandleFunc("/agents", s.handleListAgents)
	s.mux.HandleFunc("/agents/", s.handleGetAgent)
	s.mux.HandleFunc("/trace", s.handleTrace)
	s.mux.HandleFunc("/trace/summary", s.handleTraceSummary)
	s.mux.HandleFunc("/trace/stream", s.handleTraceStream)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

// Handler returns the full middleware-wrapped handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})
	return c.Handler(s.mux)
}

// Start runs the HTTP server until the listener fails or Stop is called.
func (s *Server) Start() error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api server listening", "address", address)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query must not be empty", http.StatusBadRequest)
		return
	}

	outcome, err := s.orch.HandleQuery(r.Context(), req.Query, req.CustomerID)
	if err != nil {
		s.logger.Error("query failed", "error", err)
		http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if outcome.State == router.StateFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Cards())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/agents/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return
	}
	proxy, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, proxy.Card())
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.tracer.Entries())
}

func (s *Server) handleTraceSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.tracer.Summary())
}

// handleTraceStream pushes every traced message to the websocket client as
// it is recorded. The subscription is dropped when the client goes away.
func (s *Server) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	entries, cancel := s.tracer.Subscribe(64)
	defer cancel()

	// Reader loop just watches for the client closing the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("trace stream write failed", "error", err)
				}
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
