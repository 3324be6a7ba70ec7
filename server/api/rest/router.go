// Package rest implements the Job Service's HTTP surface (spec §6): the
// /v1/ingest CRUD-ish routes, the live-progress WebSocket, and the
// composite health endpoint.
package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"github.com/buildbeaver/ingestioncore/common/gerror"
	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
	"github.com/buildbeaver/ingestioncore/server/services/health"
	"github.com/buildbeaver/ingestioncore/server/services/job"
	"github.com/buildbeaver/ingestioncore/server/services/progressbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the chi router and the services it fronts.
type Server struct {
	log       logger.Log
	jobs      *job.Service
	bus       *progressbus.Bus
	health    *health.Service
	heartbeat time.Duration
	router    chi.Router
}

func New(jobs *job.Service, bus *progressbus.Bus, healthSvc *health.Service, logFactory logger.LogFactory) *Server {
	s := &Server{
		log:    logFactory("RESTServer"),
		jobs:   jobs,
		bus:    bus,
		health: healthSvc,
	}
	s.router = s.buildRouter()
	return s
}

// WithHeartbeat overrides the WebSocket heartbeat interval (default 30s,
// applied by the progress bus when zero).
func (s *Server) WithHeartbeat(d time.Duration) *Server {
	s.heartbeat = d
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/ingest", func(r chi.Router) {
			r.Post("/", s.handleStart)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Get("/ws/status/{id}", s.handleWebSocket)
		})
	})
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, gerror.ValidationFailed("malformed request body", err))
		return
	}
	result, err := s.jobs.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, j)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.ListFilter{
		Limit:     atoiOr(q.Get("limit"), 0),
		Offset:    atoiOr(q.Get("offset"), 0),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	for _, st := range q["status"] {
		filter.Status = append(filter.Status, model.JobStatus(st))
	}

	result, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("error", err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown job"),
			time.Now().Add(time.Second))
		return
	}

	if err := s.bus.DeliverTo(r.Context(), conn, id, s.heartbeat); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(time.Second))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	render.Status(r, status)
	render.JSON(w, r, report)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpStatus := http.StatusInternalServerError
	message := "internal error"
	var gErr gerror.Error
	if errors.As(err, &gErr) {
		httpStatus = gErr.HTTPStatusCode()
		if gErr.Audience() == gerror.AudienceExternal {
			message = gErr.Message()
		}
	}
	s.log.WithField("error", err).Warn("request failed")
	render.Status(r, httpStatus)
	render.JSON(w, r, map[string]string{"error": message})
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
