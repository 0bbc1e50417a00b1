// Package server exposes the agent platform over REST and Server-Sent
// Events. All routes live under /agents. Callers identify themselves with
// the X-User-ID header; there is no authentication layer here, front this
// server with one in production.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/calderahq/caldera"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// Server handles HTTP traffic for the agent service.
type Server struct {
	svc    *caldera.AgentService
	tools  *caldera.ToolRegistry
	skills *caldera.SkillRegistry
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server over the given service and registries.
func New(svc *caldera.AgentService, tools *caldera.ToolRegistry, skills *caldera.SkillRegistry, opts ...Option) *Server {
	s := &Server{svc: svc, tools: tools, skills: skills, logger: caldera.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the chi router for the full REST surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.createAgent)
		r.Get("/", s.listAgents)
		r.Get("/public", s.listPublicAgents)
		r.Get("/tools/available", s.availableTools)
		r.Get("/skills/available", s.availableSkills)

		r.Route("/sessions/{sid}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/messages", s.listMessages)
			r.Post("/messages", s.sendMessage)
			r.Get("/stream", s.streamMessage)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getAgent)
			r.Put("/", s.updateAgent)
			r.Delete("/", s.deleteAgent)
			r.Post("/sessions", s.createSession)
			r.Get("/sessions", s.listSessions)
			r.Get("/tools", s.agentTools)
			r.Post("/tools", s.addTool)
			r.Get("/skills", s.agentSkills)
			r.Post("/skills", s.addSkill)
			r.Post("/skills/{skillID}/execute", s.executeSkill)
			r.Post("/start", s.startRuntime)
			r.Post("/stop", s.stopRuntime)
			r.Post("/reset", s.resetRuntime)
		})
	})
	return r
}

// userID identifies the caller. Empty is allowed; such callers only see
// public agents.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Warn("encode response", "error", err)
		}
	}
}

type errorBody struct {
	Error         string `json:"error"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// fail maps an error kind to its HTTP status. Internal errors are returned
// opaque with a correlation id; the detail goes to the log.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := caldera.KindOf(err)
	status, opaque := statusFor(kind)
	if opaque {
		corr := middleware.GetReqID(r.Context())
		if corr == "" {
			corr = caldera.NewID()
		}
		s.logger.Error("request failed", "correlation", corr, "kind", string(kind), "error", err)
		s.respond(w, status, errorBody{Error: "internal error", Kind: string(kind), CorrelationID: corr})
		return
	}
	if kind == caldera.KindRuntimeBusy {
		w.Header().Set("Retry-After", "5")
	}
	s.respond(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func statusFor(kind caldera.Kind) (status int, opaque bool) {
	switch kind {
	case caldera.KindNotFound:
		return http.StatusNotFound, false
	case caldera.KindBadRequest:
		return http.StatusBadRequest, false
	case caldera.KindConflict, caldera.KindRuntimeNotReady:
		return http.StatusConflict, false
	case caldera.KindRuntimeBusy:
		return http.StatusTooManyRequests, false
	case caldera.KindLLMUpstream:
		return http.StatusBadGateway, false
	default:
		return http.StatusInternalServerError, true
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return caldera.BadRequest("invalid request body: %v", err)
	}
	return nil
}

// pagination reads limit and offset query params with the documented
// defaults and caps.
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// sseWriter writes {id, content, done} frames in text/event-stream format.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, f: f}, true
}

type streamFrame struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

func (s *sseWriter) send(frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// ListenAndServe runs the server until ctx-independent shutdown; callers
// wanting graceful shutdown should construct their own http.Server around
// Router().
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
