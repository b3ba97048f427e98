package apihttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/domain/ports"
	"github.com/ezerobledo91/streams-sub000/internal/session"
)

type Orchestrator interface {
	Play(ctx context.Context, req domain.PlayRequest) (domain.PlayResult, error)
}

type Sessions interface {
	Create(ctx context.Context, p session.CreateParams) (domain.SessionDescriptor, error)
	CreateDirect(ctx context.Context, p session.DirectParams) (domain.SessionDescriptor, error)
	Touch(id string) (domain.SessionDescriptor, error)
	List() []domain.SessionDescriptor
	Delete(id string) error
	OpenStream(id string) (ports.StreamReader, domain.FileRef, error)
	SubtitleReader(id string, fileIdx int) (io.ReadCloser, domain.SubtitleTrack, error)
	HLSFile(id, name string) (string, error)
}

type Reliability interface {
	Summary() []domain.ProviderReliability
	Reset(providerID, sourceKey string)
}

type Attempts interface {
	Recent(limit int) []domain.AttemptEvent
}

type Server struct {
	orchestrator   Orchestrator
	sessions       Sessions
	reliability    Reliability
	attempts       Attempts
	logger         *slog.Logger
	allowedOrigins []string
	rateLimitRPS   float64
	rateLimitBurst int
	wsHub          *wsHub
	wsUpgrader     websocket.Upgrader
	handler        http.Handler
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit enables per-client request limiting. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimitRPS = rps
		s.rateLimitBurst = burst
	}
}

func WithReliability(r Reliability) ServerOption {
	return func(s *Server) {
		s.reliability = r
	}
}

func WithAttempts(a Attempts) ServerOption {
	return func(s *Server) {
		s.attempts = a
	}
}

func NewServer(orch Orchestrator, sessions Sessions, opts ...ServerOption) *Server {
	s := &Server{
		orchestrator: orch,
		sessions:     sessions,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = newWSHub(s.logger)
	s.wsUpgrader = newWSUpgrader(newOriginPolicy(s.allowedOrigins))
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /play", s.handlePlay)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /sessions/{id}/hls/{file}", s.handleHLS)
	mux.HandleFunc("GET /sessions/{id}/subtitles/{fileIdx}", s.handleSubtitle)

	mux.HandleFunc("GET /reliability", s.handleReliability)
	mux.HandleFunc("DELETE /reliability", s.handleResetReliability)
	mux.HandleFunc("GET /attempts", s.handleAttempts)

	traced := otelhttp.NewHandler(observeMiddleware(s.logger, mux), "playback-engine",
		otelhttp.WithFilter(func(r *http.Request) bool {
			route, _ := routeOf(r.URL.Path)
			return !quietRoute(route) && route != "/ws"
		}),
	)
	var handler http.Handler = corsMiddleware(s.allowedOrigins, requestIDMiddleware(traced))
	if s.rateLimitRPS > 0 {
		burst := s.rateLimitBurst
		if burst <= 0 {
			burst = int(s.rateLimitRPS)
		}
		handler = rateLimitMiddleware(s.rateLimitRPS, burst, handler)
	}
	s.handler = recoveryMiddleware(s.logger, handler)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// BroadcastSession pushes a session snapshot to websocket clients.
func (s *Server) BroadcastSession(d domain.SessionDescriptor) {
	s.wsHub.BroadcastSession(d)
}

// BroadcastAttempt pushes an attempt-log event to websocket clients.
func (s *Server) BroadcastAttempt(ev domain.AttemptEvent) {
	s.wsHub.BroadcastAttempt(ev)
}

// Close disconnects websocket clients.
func (s *Server) Close() {
	s.wsHub.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS streams session and attempt events. Clients may narrow the feed
// with ?topics= and ?session=; unless excluded, the first frame is a
// snapshot of the current sessions.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filter := parseWSFilter(r.URL.Query())
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := newWSClient(s.wsHub, conn, filter)
	if filter.wants(topicSnapshot) {
		payload, err := snapshotPayload(s.sessions.List(), filter)
		if err != nil {
			s.logger.Error("ws snapshot failed", slog.String("error", err.Error()))
		} else {
			client.send <- payload
		}
	}
	if !s.wsHub.join(client) {
		_ = conn.Close()
		return
	}
	go client.writeLoop()
	go client.readLoop()
}

func pathID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("id"))
}
