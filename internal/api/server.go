// Package api exposes the HTTP surface of the call engine: the carrier
// webhooks that drive the phone-call lifecycle, the media-stream WebSocket
// the dialog runtime consumes, hosted greeting audio, and the health and
// metrics endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxjournal/voxjournal/internal/api/middleware"
	"github.com/voxjournal/voxjournal/internal/clock"
	"github.com/voxjournal/voxjournal/internal/config"
	"github.com/voxjournal/voxjournal/internal/database"
	"github.com/voxjournal/voxjournal/internal/dialog"
	"github.com/voxjournal/voxjournal/internal/provider/tts"
	"github.com/voxjournal/voxjournal/internal/schedule"
)

// Deps carries everything the HTTP handlers need.
type Deps struct {
	Cfg *config.Config

	Profiles  database.ProfileRepository
	Sessions  database.SessionRepository
	Calls     database.PhoneCallRepository
	Scheduled database.ScheduledCallRepository

	Runtime    *dialog.Runtime
	Dispatcher *schedule.Dispatcher
	TTS        *tts.Cache
	Voice      tts.VoiceProfile
	Crypto     *database.Encryptor

	Gatherer prometheus.Gatherer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	deps     Deps
	limiter  *middleware.IPRateLimiter
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		limiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Carrier media streams carry no browser origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/telephony", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		r.Post("/answer", s.handleAnswer)
		r.Post("/status", s.handleStatus)
		r.Post("/recording", s.handleRecording)
		r.Get("/stream", s.handleStream)
	})

	// Greeting clips the answer instructions reference by cache key.
	r.Get("/audio/{key}", s.handleAudio)
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.deps.Runtime.ActiveCallCount(),
	})
}
