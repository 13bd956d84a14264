// Package server is the broker's HTTP API.
//
// Endpoints:
//   - POST /api/v1/query runs one federated top-k query
//   - GET  /api/v1/stats reports broker counters and silo traffic
//   - GET  /health and /healthz for liveness probes
//
// When Config.Token is set every /api route requires "Authorization: Bearer <token>".
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opaque/fedknn/internal/broker"
	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/client"
)

// Querier runs queries. *broker.Broker implements it.
type Querier interface {
	Query(ctx context.Context, q broker.Query) (*broker.Result, error)
	Stats() broker.Stats
}

// Server handles REST API requests for federated search.
type Server struct {
	broker     Querier
	token      string
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// QueryTimeout bounds one query, including all silo round trips.
	QueryTimeout time.Duration

	// Token enables bearer authentication on /api routes.
	Token string
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		QueryTimeout: 50 * time.Second,
	}
}

// New creates a new server instance.
func New(cfg Config, q Querier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		broker: q,
		token:  cfg.Token,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.registerRoutes(cfg.QueryTimeout)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes(queryTimeout time.Duration) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.withAuth)
		r.With(timeout(queryTimeout)).Post("/query", s.handleQuery)
		r.Get("/stats", s.handleStats)
	})
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func timeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.Timeout(d)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// withAuth checks the bearer token when one is configured.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" {
			writeError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"silos":  s.broker.Stats().Silos,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	ID             string    `json:"id,omitempty"`
	Vector         []float32 `json:"vector"`
	K              int       `json:"k"`
	Predicate      string    `json:"predicate,omitempty"`
	IncludeVectors bool      `json:"include_vectors,omitempty"`
}

// Hit is one result vector.
type Hit struct {
	SiloID    int       `json:"silo_id"`
	VectorID  int64     `json:"vector_id"`
	Distance  float32   `json:"distance"`
	Attribute string    `json:"attribute"`
	Vector    []float32 `json:"vector,omitempty"`
}

// PhaseTiming is the duration of one protocol phase.
type PhaseTiming struct {
	Phase     string  `json:"phase"`
	ElapsedMs float64 `json:"elapsed_ms"`
}

// QueryResponse is the body returned for a successful query.
type QueryResponse struct {
	QueryID   string         `json:"query_id"`
	Hits      []Hit          `json:"hits"`
	Counts    []int          `json:"counts"`
	Short     bool           `json:"short"`
	ElapsedMs float64        `json:"elapsed_ms"`
	Phases    []PhaseTiming  `json:"phases"`
	Traffic   client.Traffic `json:"traffic"`
}

// ErrorResponse is returned for every failure.
type ErrorResponse struct {
	Error  string `json:"error"`
	Phase  string `json:"phase,omitempty"`
	SiloID *int   `json:"silo_id,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.broker.Query(r.Context(), broker.Query{
		ID:        req.ID,
		Vector:    req.Vector,
		K:         req.K,
		Predicate: req.Predicate,
	})
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res, req.IncludeVectors))
}

func toResponse(res *broker.Result, vectors bool) QueryResponse {
	out := QueryResponse{
		QueryID:   res.QueryID,
		Hits:      make([]Hit, len(res.Hits)),
		Counts:    res.Counts,
		Short:     res.Short,
		ElapsedMs: ms(res.Elapsed),
		Phases:    make([]PhaseTiming, len(res.Phases)),
		Traffic:   res.Traffic,
	}
	for i, h := range res.Hits {
		out.Hits[i] = hit(h, vectors)
	}
	for i, p := range res.Phases {
		out.Phases[i] = PhaseTiming{Phase: string(p.Phase), ElapsedMs: ms(p.Elapsed)}
	}
	return out
}

func hit(c store.Candidate, vectors bool) Hit {
	h := Hit{SiloID: c.SiloID, VectorID: c.VectorID, Distance: c.Distance, Attribute: c.Attribute}
	if vectors {
		h.Vector = c.Vector
	}
	return h
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	var pe *broker.PhaseError
	switch {
	case errors.Is(err, broker.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, phaseBody(err))
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadGateway, phaseBody(err))
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func phaseBody(err error) ErrorResponse {
	body := ErrorResponse{Error: err.Error()}
	var pe *broker.PhaseError
	if errors.As(err, &pe) {
		body.Phase = string(pe.Phase)
		if pe.SiloID != broker.BrokerSide {
			id := pe.SiloID
			body.SiloID = &id
		}
	}
	return body
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Stats())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
