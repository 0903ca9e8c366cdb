// Package server exposes one agent service over HTTP: JSON-RPC task
// dispatch on POST /, SSE streaming for subscriptions, the agent card,
// Prometheus metrics, and JWT-protected ops endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agentpay/agentpay/comms"
	"github.com/agentpay/agentpay/config"
	"github.com/agentpay/agentpay/manager"
	"github.com/agentpay/agentpay/metrics"
	"github.com/agentpay/agentpay/protocol"
	"github.com/agentpay/agentpay/task"
)

// Server is the agent service HTTP server.
type Server struct {
	cfg     config.Config
	card    protocol.AgentCard
	mgr     manager.TaskManager
	logger  *slog.Logger
	mux     *http.ServeMux
	httpSrv *http.Server

	tasks   task.Store
	bus     comms.Bus
	metrics *metrics.Metrics

	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
}

// New creates a Server for the given card and task manager.
func New(cfg config.Config, card protocol.AgentCard, mgr manager.TaskManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		card:      card,
		mgr:       mgr,
		logger:    logger,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
}

// SetTaskStore attaches a task store for the ops endpoints.
func (s *Server) SetTaskStore(store task.Store) { s.tasks = store }

// SetBus attaches the task event bus feeding the ops SSE stream.
func (s *Server) SetBus(bus comms.Bus) { s.bus = bus }

// SetMetrics attaches Prometheus collectors and the /metrics endpoint.
func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Handler returns the fully-routed handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	s.registerRoutes()
	return s.mux
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":10003"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr), slog.String("agent", s.card.Name))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /{$}", s.handleRPC)
	s.mux.HandleFunc("GET "+protocol.AgentCardPath, s.handleCard)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Public ops routes
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// Ops SSE — auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleOpsEvents)

	// Protected ops API
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/tasks/{id}", s.handleOpsTask)
	s.mux.Handle("/api/tasks/", s.authMiddleware(apiMux))
}

// handleCard serves the public agent card.
func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

// handleRPC decodes one JSON-RPC request and dispatches it by method.
// Streaming methods switch the response to SSE.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, protocol.NewErrorResponse(nil, protocol.ErrParse()))
		return
	}

	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
		}
	}()

	ctx := r.Context()
	switch req.Method {
	case protocol.MethodSendTask:
		var params protocol.TaskSendParams
		if !s.decodeParams(w, req, &params) {
			return
		}
		t, perr := s.mgr.OnSendTask(ctx, params)
		s.writeResult(w, req.ID, t, perr)

	case protocol.MethodGetTask:
		var params protocol.TaskQueryParams
		if !s.decodeParams(w, req, &params) {
			return
		}
		t, perr := s.mgr.OnGetTask(ctx, params)
		s.writeResult(w, req.ID, t, perr)

	case protocol.MethodCancelTask:
		var params protocol.TaskIDParams
		if !s.decodeParams(w, req, &params) {
			return
		}
		t, perr := s.mgr.OnCancelTask(ctx, params)
		s.writeResult(w, req.ID, t, perr)

	case protocol.MethodSetPushNotification:
		var params protocol.TaskPushNotificationConfig
		if !s.decodeParams(w, req, &params) {
			return
		}
		cfg, perr := s.mgr.OnSetPushNotification(ctx, params)
		s.writeResult(w, req.ID, cfg, perr)

	case protocol.MethodGetPushNotification:
		var params protocol.TaskIDParams
		if !s.decodeParams(w, req, &params) {
			return
		}
		cfg, perr := s.mgr.OnGetPushNotification(ctx, params)
		s.writeResult(w, req.ID, cfg, perr)

	case protocol.MethodSendTaskSubscribe:
		var params protocol.TaskSendParams
		if !s.decodeParams(w, req, &params) {
			return
		}
		events, perr := s.mgr.OnSendTaskSubscribe(ctx, params)
		if perr != nil {
			writeJSON(w, http.StatusOK, protocol.NewErrorResponse(req.ID, perr))
			return
		}
		s.streamEvents(w, r, req.ID, events)

	case protocol.MethodResubscribe:
		var params protocol.TaskQueryParams
		if !s.decodeParams(w, req, &params) {
			return
		}
		events, perr := s.mgr.OnResubscribe(ctx, params)
		if perr != nil {
			writeJSON(w, http.StatusOK, protocol.NewErrorResponse(req.ID, perr))
			return
		}
		s.streamEvents(w, r, req.ID, events)

	default:
		writeJSON(w, http.StatusOK, protocol.NewErrorResponse(req.ID, protocol.ErrMethodNotFound()))
	}
}

func (s *Server) decodeParams(w http.ResponseWriter, req protocol.Request, dst any) bool {
	if err := json.Unmarshal(req.Params, dst); err != nil {
		writeJSON(w, http.StatusOK, protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest(err.Error())))
		return false
	}
	return true
}

func (s *Server) writeResult(w http.ResponseWriter, id json.RawMessage, result any, perr *protocol.Error) {
	if perr != nil {
		writeJSON(w, http.StatusOK, protocol.NewErrorResponse(id, perr))
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewResponse(id, result))
}

// streamEvents relays a manager event channel as SSE. Each element is
// wrapped in a JSON-RPC response envelope carrying the request id.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, id json.RawMessage, events <-chan any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var resp *protocol.Response
			if perr, isErr := ev.(*protocol.Error); isErr {
				resp = protocol.NewErrorResponse(id, perr)
			} else {
				resp = protocol.NewResponse(id, ev)
			}
			data, err := json.Marshal(resp)
			if err != nil {
				s.logger.Error("marshal stream event", slog.Any("error", err))
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
			flusher.Flush()
		}
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
