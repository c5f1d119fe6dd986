// Package webserver is the local bridge the desktop UI talks to. Stream
// events reach the UI over SSE or a WebSocket; commands arrive as JSON
// requests.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/zsprackett/prd-relay/internal/apiclient"
	"github.com/zsprackett/prd-relay/internal/auth"
	"github.com/zsprackett/prd-relay/internal/db"
	"github.com/zsprackett/prd-relay/internal/events"
	"github.com/zsprackett/prd-relay/internal/relay"
)

type Config struct {
	Enabled bool
	Host    string
	Port    int
	Token   string
}

// RunStore lists finished stream runs.
type RunStore interface {
	RecentRuns(limit int) ([]db.StreamRun, error)
}

type Deps struct {
	Relay *relay.Relay
	Auth  *auth.Store
	API   *apiclient.Client
	Runs  RunStore
	// Sink also receives everything published to the UI.
	Sink events.Sink
	// SaveBaseURL persists a base URL changed from the UI.
	SaveBaseURL func(string) error
	Logger      *slog.Logger
}

const keepaliveInterval = 30 * time.Second

var (
	eventStreamType = contenttype.NewMediaType("text/event-stream")
	jsonType        = contenttype.NewMediaType("application/json")
)

type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	srv *http.Server
}

func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Publish implements events.Sink.
func (s *Server) Publish(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("failed to encode stream event", "kind", env.Kind, "err", err)
		return
	}
	s.broadcast(data)
}

// AuthExpired implements events.Sink.
func (s *Server) AuthExpired() {
	s.broadcast(events.AuthExpiredPayload())
}

// sink is what streams started from the UI publish to.
func (s *Server) sink() events.Sink {
	if s.deps.Sink == nil {
		return s
	}
	return events.Fanout{s, s.deps.Sink}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/streams/message", s.handleSendMessage)
	mux.HandleFunc("POST /api/streams/resend", s.handleResendMessage)
	mux.HandleFunc("POST /api/streams/preview-ask", s.handlePreviewAsk)
	mux.HandleFunc("POST /api/streams/guide", s.handleStartGuide)
	mux.HandleFunc("POST /api/streams/group", s.handleSubscribeGroup)
	mux.HandleFunc("POST /api/streams/chat-run", s.handleSubscribeChatRun)
	mux.HandleFunc("POST /api/streams/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/streams", s.handleStreams)

	mux.HandleFunc("GET /api/auth/session", s.handleGetSession)
	mux.HandleFunc("PUT /api/auth/session", s.handleSetSession)
	mux.HandleFunc("DELETE /api/auth/session", s.handleClearSession)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)

	mux.HandleFunc("GET /api/config/base-url", s.handleGetBaseURL)
	mux.HandleFunc("PUT /api/config/base-url", s.handleSetBaseURL)
	mux.HandleFunc("GET /api/config/health", s.handleCheckHealth)

	mux.Handle("GET /", http.FileServer(staticFiles()))
	return tokenMiddleware(s.cfg.Token, []string{"/healthz", "/", "/index.html"}, mux)
}

// Start listens on the configured address and serves in the background.
// It returns the bound address, which matters when Port is 0.
func (s *Server) Start() (string, error) {
	if !s.cfg.Enabled {
		return "", nil
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bridge server stopped", "err", err)
		}
	}()
	s.logger.Info("bridge listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "clients": s.Clients()})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamType}); err != nil {
			http.Error(w, "event stream not acceptable", http.StatusNotAcceptable)
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := newClient(clientQueueSize)
	s.addClient(c)
	defer s.removeClient(c)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-c.ch:
			writeSSE(w, flusher, msg)
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, f http.Flusher, data []byte) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
