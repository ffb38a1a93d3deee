package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "homepi/pkg/logx"
)

// HealthFunc reports component health for /healthz. Returned details are
// encoded into the response body.
type HealthFunc func(ctx context.Context) (details any, err error)

// Server is the optional observability listener. Apply starts, moves or
// stops it according to config.
type Server struct {
	rec    *Recorder
	health HealthFunc
	log    logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(rec *Recorder, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{rec: rec, health: health, log: log.With(logx.String("comp", "metrics"))}
}

func (s *Server) Apply(ctx context.Context, enabled bool, addr string) {
	if addr == "" {
		addr = "127.0.0.1:9108"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == addr {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(addr)
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	if reg := s.rec.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		details, err := s.health(ctx)
		if details != nil {
			body["details"] = details
		}
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) startLocked(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Warn("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}
	srv := &http.Server{Handler: s.handler(), ReadHeaderTimeout: 5 * time.Second}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	go func(bound string) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server error", logx.String("addr", bound), logx.Err(err))
		}
	}(s.addr)
	s.log.Info("metrics listening", logx.String("addr", s.addr))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("metrics shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("metrics stopped", logx.String("addr", addr))
}

// Addr is the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
