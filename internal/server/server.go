// Package server is the HTTP face of the mirror: paint admission, the grid
// snapshot and the websocket change feed.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/admission"
	"github.com/iceweasel13/monplace/internal/auth"
	"github.com/iceweasel13/monplace/internal/broadcast"
	"github.com/iceweasel13/monplace/internal/mirror"
	"github.com/iceweasel13/monplace/internal/observability"
)

type Server struct {
	gate     *admission.Gate
	store    mirror.Reader
	feed     broadcast.Feed
	verifier auth.Verifier
	logger   zerolog.Logger
	origins  []string
	started  time.Time
	upgrader websocket.Upgrader
}

type Option func(*Server)

// WithAllowedOrigins restricts browser origins. Empty allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		for _, o := range origins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				s.origins = append(s.origins, o)
			}
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func New(gate *admission.Gate, store mirror.Reader, feed broadcast.Feed, verifier auth.Verifier, opts ...Option) *Server {
	s := &Server{
		gate:     gate,
		store:    store,
		feed:     feed,
		verifier: verifier,
		logger:   zerolog.Nop(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

// Handler builds the router. CORS preflights are answered before routing.
func (s *Server) Handler() http.Handler {
	observability.RegisterMetrics()
	r := mux.NewRouter()
	r.Use(observability.RequestLogger(s.logger))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/paint", s.handlePaint).Methods(http.MethodPost)
	api.HandleFunc("/grid", s.handleGrid).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	cors := handlers.CORS(
		handlers.AllowedOriginValidator(s.originAllowed),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.MaxAge(43200),
		handlers.OptionStatusCode(http.StatusNoContent),
	)
	return cors(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	cells, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("grid snapshot failed")
		writeError(w, http.StatusInternalServerError, "grid unavailable")
		return
	}
	writeJSON(w, http.StatusOK, broadcast.SnapshotMessage(cells))
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.origins) == 0 || origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
