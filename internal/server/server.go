package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"vigil/internal/auth"
	"vigil/internal/database"
	"vigil/internal/health"
	"vigil/internal/middleware"
	"vigil/internal/pipeline"
	"vigil/internal/recorder"
	"vigil/internal/rtp"
	"vigil/internal/rtsp"
	"vigil/internal/stream"
	"vigil/internal/ws"
)

//go:embed static/index.html
var static embed.FS

// EventStore is the read side of the event database
type EventStore interface {
	CountEvents() (int, error)
	CountEventsToday(now time.Time) (int, error)
	ListEvents(limit int) ([]*database.EventRecord, error)
	GetEvent(id int64) (*database.EventRecord, error)
}

// HealthReporter exposes the pipeline liveness verdict
type HealthReporter interface {
	Status() health.Status
}

// PipelineStatus exposes motion analysis state
type PipelineStatus interface {
	Motion() bool
	Stats() pipeline.Stats
	ResetMotion() bool
}

// RTSPStatus counts connected RTSP clients
type RTSPStatus interface {
	ConnectionCount() int
}

// RTPStatus counts RTP packets sent to playing sessions
type RTPStatus interface {
	PacketsSent() uint64
}

// RecorderStatus exposes the clip in progress
type RecorderStatus interface {
	Status() recorder.Status
}

var (
	_ EventStore     = (*database.Database)(nil)
	_ HealthReporter = (*health.Monitor)(nil)
	_ PipelineStatus = (*pipeline.Broadcaster)(nil)
	_ RecorderStatus = (*recorder.Recorder)(nil)
	_ RTSPStatus     = (*rtsp.Server)(nil)
	_ RTPStatus      = (*rtp.Packetizer)(nil)
)

// Deps are the collaborators behind the HTTP surface. Only Hub is required.
type Deps struct {
	Hub          *stream.Hub
	Events       EventStore
	Health       HealthReporter
	Pipeline     PipelineStatus
	Recorder     RecorderStatus
	RTSP         RTSPStatus
	RTP          RTPStatus
	EventHub     *ws.EventHub
	Auth         *auth.Authenticator
	RTSPURL      string
	StartedAt    time.Time
	FrameTimeout time.Duration
}

// Server serves the live stream, the status page and the JSON API
type Server struct {
	deps    Deps
	logger  *slog.Logger
	handler http.Handler
	srv     *http.Server
	now     func() time.Time
}

// New builds the route table
func New(deps Deps) *Server {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	s := &Server{
		deps:   deps,
		logger: slog.With("component", "HTTPServer"),
		now:    time.Now,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler with logging and request ids applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	protect := middleware.AuthMiddleware(s.deps.Auth)

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	// frame feeds: <img> and websocket clients pass ?token= when auth is on
	mux.Handle("GET /stream.mjpg", protect(stream.NewMJPEGHandler(s.deps.Hub, s.deps.FrameTimeout)))
	mux.Handle("GET /snapshot.jpg", protect(stream.NewSnapshotHandler(s.deps.Hub)))
	mux.Handle("GET /ws/stream", protect(stream.NewWebSocketHandler(s.deps.Hub, s.deps.FrameTimeout)))

	mux.HandleFunc("GET /api/events/count", s.handleEventCount)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("GET /api/events", protect(http.HandlerFunc(s.handleListEvents)))
	mux.Handle("GET /api/events/{id}", protect(http.HandlerFunc(s.handleGetEvent)))
	mux.Handle("GET /api/status", protect(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /api/motion/reset", protect(http.HandlerFunc(s.handleMotionReset)))
	if s.deps.EventHub != nil {
		mux.Handle("GET /ws/events", protect(ws.NewHandler(s.deps.EventHub)))
	}

	var h http.Handler = mux
	h = middleware.Log(s.logger)(h)
	h = middleware.RequestID()(h)
	return h
}

// Listen binds addr; a bind failure is a resource error for the supervisor to retry
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind http server on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs the server on ln until ctx is done, then shuts it down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server", "addr", ln.Addr().String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		// streaming viewers never go idle; cut them off
		s.logger.Debug("graceful shutdown timed out, closing connections", "error", err)
		_ = s.srv.Close()
	}
	return nil
}
