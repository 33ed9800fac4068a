// Package ops serves the operational HTTP endpoints: /healthz, /metrics and,
// when enabled, /debug/pprof/.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "proxybot/internal/runtime/supervisor"
	logx "proxybot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9090"

type Config struct {
	Enabled      bool
	Addr         string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Check reports the health of one dependency. A nil error is healthy.
type Check func(ctx context.Context) error

type Server struct {
	log      logx.Logger
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	cfg    Config
	checks map[string]Check
	sups   map[string]*rtsup.Supervisor
	sup    *rtsup.Supervisor
	addr   string
	ready  chan struct{}
}

// New returns a stopped server. g defaults to prometheus.DefaultGatherer.
func New(cfg Config, g prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{
		log:      log.With(logx.String("comp", "ops")),
		gatherer: g,
		cfg:      cfg,
		checks:   map[string]Check{},
		sups:     map[string]*rtsup.Supervisor{},
	}
}

// AddCheck registers a named health check.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	s.checks[name] = c
	s.mu.Unlock()
}

// Watch includes sup's snapshot in /healthz output.
func (s *Server) Watch(name string, sup *rtsup.Supervisor) {
	s.mu.Lock()
	s.sups[name] = sup
	s.mu.Unlock()
}

// Addr returns the bound listen address once serving, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed when the listener is bound. Nil before Start.
func (s *Server) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Reconfigure applies cfg, starting, stopping or restarting as needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is a no-op when disabled or already running.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.ready = make(chan struct{})
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	cfg, ready := s.cfg, s.ready
	s.sup.GoRestart("ops.serve", func(c context.Context) error {
		return s.serve(c, cfg, ready)
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.addr = ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("ops stop", logx.Err(err))
	}
	s.log.Info("ops server stopped")
}

func (s *Server) serve(ctx context.Context, cfg Config, ready chan struct{}) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Pprof && !isLoopback(addr) {
		s.log.Warn("pprof exposed on a non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg.Pprof),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	select {
	case <-ready:
	default:
		close(ready)
	}
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof))

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler builds the route tree. Exposed for tests.
func (s *Server) Handler(pprof bool) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if pprof {
		d := r.PathPrefix("/debug/pprof").Subrouter()
		d.HandleFunc("/cmdline", hpprof.Cmdline)
		d.HandleFunc("/profile", hpprof.Profile)
		d.HandleFunc("/symbol", hpprof.Symbol)
		d.HandleFunc("/trace", hpprof.Trace)
		d.PathPrefix("/").HandlerFunc(hpprof.Index)
	}

	logged := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, p handlers.LogFormatterParams) {
		s.log.Debug("ops request",
			logx.String("method", p.Request.Method), logx.String("path", p.URL.Path),
			logx.Int("status", p.StatusCode), logx.Int("size", p.Size))
	})
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLog{s.log}))(logged)
}

type healthReport struct {
	Status      string                    `json:"status"`
	Checks      map[string]string         `json:"checks,omitempty"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	sups := make(map[string]*rtsup.Supervisor, len(s.sups))
	for k, v := range s.sups {
		sups[k] = v
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rep := healthReport{Status: "ok", Checks: map[string]string{}}
	for name, c := range checks {
		if err := c(ctx); err != nil {
			rep.Status = "degraded"
			rep.Checks[name] = err.Error()
			continue
		}
		rep.Checks[name] = "ok"
	}
	if len(sups) > 0 {
		rep.Supervisors = make(map[string]rtsup.Snapshot, len(sups))
		for name, sup := range sups {
			rep.Supervisors[name] = sup.Snapshot()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}

type recoveryLog struct{ log logx.Logger }

func (l recoveryLog) Println(v ...interface{}) {
	l.log.Error("ops handler panic", logx.Any("panic", v))
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
