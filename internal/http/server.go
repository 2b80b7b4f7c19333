package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-negotiator/internal/dispatch"
	"github.com/example/ride-negotiator/internal/negotiation"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Logger             *slog.Logger
	Hub                *dispatch.Hub
	Health             Pinger
	CORSAllowedOrigins []string
	ListLimit          int
	MaxBodyBytes       int64
}

type Server struct {
	engine    *negotiation.Service
	hub       *dispatch.Hub
	health    Pinger
	logger    *slog.Logger
	listLimit int
	maxBody   int64
	upgrader  websocket.Upgrader
	mux       *mux.Router
	handler   http.Handler
}

func NewServer(engine *negotiation.Service, opts Options) *Server {
	s := &Server{
		engine:    engine,
		hub:       opts.Hub,
		health:    opts.Health,
		logger:    opts.Logger,
		listLimit: opts.ListLimit,
		maxBody:   opts.MaxBodyBytes,
		mux:       mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.listLimit <= 0 {
		s.listLimit = 500
	}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}
	origins := opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(origins)}

	s.registerMiddleware()
	s.routes()
	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})(s.mux)
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept/{negotiation_id}", s.handleAccept).Methods("POST")
	api.HandleFunc("/negotiations", s.handleStartNegotiation).Methods("POST")
	api.HandleFunc("/negotiations/counter", s.handleCounter).Methods("POST")
	api.HandleFunc("/negotiations/{ride_id}", s.handleThread).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/rides/{ride_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health_check_failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleWS subscribes the client to live events of one ride. Unknown rides
// are refused before the upgrade.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "live updates disabled", http.StatusNotFound)
		return
	}
	ride, err := s.engine.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("ws_upgrade_failed", "ride_id", ride.ID, "error", err)
		return
	}
	s.hub.Serve(ride.ID, conn)
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
