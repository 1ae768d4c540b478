package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/majorcontext/guestpull/internal/image"
	"github.com/majorcontext/guestpull/internal/log"
	"github.com/majorcontext/guestpull/internal/sandbox"
)

// Puller performs image pulls.
type Puller interface {
	PullImage(ctx context.Context, req image.Request) (*image.Response, error)
}

// Server is the agent's HTTP API server over a Unix socket.
type Server struct {
	sockPath  string
	puller    Puller
	images    *sandbox.Images
	backend   string
	state     func() string
	server    *http.Server
	listener  net.Listener
	startedAt time.Time
}

// Options configures NewServer.
type Options struct {
	SocketPath string
	Puller     Puller
	Images     *sandbox.Images

	// Backend and SideServiceState are reported by the health endpoint.
	Backend          string
	SideServiceState func() string
}

// NewServer creates an API server that will listen on opts.SocketPath.
func NewServer(opts Options) *Server {
	s := &Server{
		sockPath:  opts.SocketPath,
		puller:    opts.Puller,
		images:    opts.Images,
		backend:   opts.Backend,
		state:     opts.SideServiceState,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/images/pull", s.handlePull)
	mux.HandleFunc("GET /v1/images", s.handleListImages)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening on the Unix socket. Any stale socket file is removed first.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.sockPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	os.Remove(s.sockPath) // remove stale socket
	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}
	s.listener = listener
	go func() { _ = s.server.Serve(listener) }()
	return nil
}

// Stop gracefully shuts down the server and removes the socket file.
// In-flight pulls are allowed to finish until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	os.Remove(s.sockPath)
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		PID:        os.Getpid(),
		StartedAt:  s.startedAt.Format(time.RFC3339),
		Backend:    s.backend,
		ImageCount: s.images.Len(),
	}
	if s.state != nil {
		resp.SideService = s.state()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePull runs one pull. Every failure, whatever its class, is reported
// as an internal error carrying the error text.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req image.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	resp, err := s.puller.PullImage(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListImages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ImagesResponse{Images: s.images.List()})
}

func writeError(w http.ResponseWriter, err error) {
	log.Debug("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
