package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	rtsup "tickhost/internal/runtime/supervisor"
	logx "tickhost/pkg/logx"
)

const shutdownGrace = 2 * time.Second

// Service runs the diagnostics server under its own supervisor, so a failed
// bind is retried with backoff and never takes the host down.
type Service struct {
	log    logx.Logger
	status StatusFunc
	tp     trace.TracerProvider

	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor
	addr string // bound address while serving
}

func New(cfg Config, status StatusFunc, tp trace.TracerProvider, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, status: status, tp: tp, log: log.With(logx.String("comp", "diag"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Supervisor returns the server's supervisor, or nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg, starting, stopping or rebinding the server when
// needed. Profiling rates apply immediately.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	cfg.applyRates()
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case running && prev.sameServer(cfg):
	default:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	// A refused bind is a config error; retrying cannot fix it.
	if _, err := s.cfg.normalized().bindCheck(); err != nil {
		s.log.Error("diag not started", logx.String("addr", s.cfg.normalized().Addr), logx.Err(err))
		return
	}
	s.cfg.applyRates()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("diag stop timed out", logx.Err(err))
		return
	}
	s.log.Info("diag stopped")
}

// serveOnce binds and serves until ctx is done. It returns nil on a clean
// stop and an error for anything that should be retried.
func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg.normalized()
	s.mu.Unlock()

	insecure, err := cfg.bindCheck()
	if err != nil {
		s.log.Error("diag refused to start", logx.String("addr", cfg.Addr))
		return err
	}
	if insecure {
		s.log.Warn("diag running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("diag listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           Handler(cfg, s.status, s.tp),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	bound := ln.Addr().String()
	s.setAddr("", bound)
	defer s.setAddr(bound, "")

	unwatch := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer unwatch()

	s.log.Info("diag started",
		logx.String("addr", bound),
		logx.String("prefix", cfg.Prefix),
		logx.Bool("token_set", cfg.Token != ""),
		logx.String("hint", "http://"+bound+"/status"),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("diag server exited unexpectedly")
	}
	return err
}

// setAddr swaps the published address only if it still equals from.
func (s *Service) setAddr(from, to string) {
	s.mu.Lock()
	if s.addr == from {
		s.addr = to
	}
	s.mu.Unlock()
}
