// Package httpserver hosts the HTTP surface of the signalling server:
// the /signal WebSocket endpoint, the ICE configuration endpoint used by
// clients to build their PeerConnections, and the usual health, version
// and metrics plumbing.
package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/vrdavis/signalling-server/internal/config"
	"github.com/vrdavis/signalling-server/internal/metrics"
	"github.com/vrdavis/signalling-server/internal/origin"
)

// BuildInfo is reported by /version.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	signal http.Handler
	met    *metrics.Metrics

	httpSrv *http.Server
}

func New(log *slog.Logger, cfg config.Config, build BuildInfo, signal http.Handler, met *metrics.Metrics) *Server {
	s := &Server{
		log:    log,
		cfg:    cfg,
		build:  build,
		signal: signal,
		met:    met,
	}
	s.httpSrv = &http.Server{
		Handler:           s.middleware(s.Mux()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Mux returns the route table without the middleware chain. Tests use it
// to hit handlers directly.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /webrtc/ice", s.handleICE)
	mux.Handle("GET /metrics", metrics.PrometheusHandler(s.met))
	mux.Handle("GET /signal", s.signal)
	return mux
}

func (s *Server) Serve(ln net.Listener) error {
	return s.httpSrv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.httpSrv.Close()
}

// The original service greeted plain HTTP requests at the root; clients
// probe it to tell the server apart from a generic 404.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hello World!"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports degraded when the ICE configuration failed to
// parse. The signalling protocol itself still works in that state, but
// clients will not get STUN/TURN servers.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.build)
}

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// handleICE hands out the STUN/TURN configuration. Browser requests are
// subject to the same origin policy as the WebSocket endpoint since TURN
// credentials may be embedded.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	writeJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}

func (s *Server) originAllowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, originHost, ok := origin.Normalize(header)
	if !ok {
		return false
	}
	return origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins)
}

// middleware wraps the mux with panic recovery and request logging.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panicked", "request_id", reqID, "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)

		// WebSocket upgrades log their own lifecycle.
		if r.URL.Path != "/signal" {
			s.log.Debug("request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"duration", time.Since(start))
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
