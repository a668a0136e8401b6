// Package server runs the API, probe and metrics HTTP servers.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/config"
	"github.com/n3tuk/action-branch-deploy-lock/internal/handlers"
	"github.com/n3tuk/action-branch-deploy-lock/internal/health"
	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
	"github.com/n3tuk/action-branch-deploy-lock/internal/middleware"
)

// Options supplies the parts of the service the servers expose.
type Options struct {
	// Locks serves the lock API. Without it only /ping is mounted.
	Locks handlers.LockService

	// Metrics is created from the configured namespace when nil.
	Metrics *metrics.Metrics

	// Dependencies must pass for the service to report ready; Checkers
	// are only reported by the startup probe.
	Dependencies []health.Checker
	Checkers     []health.Checker
}

// Server manages the three HTTP servers (API, Probe, Metrics).
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	health  *health.Manager
	locks   handlers.LockService

	apiServer     *http.Server
	probeServer   *http.Server
	metricsServer *http.Server

	mu        sync.Mutex
	listeners map[*http.Server]net.Listener
	errs      chan error
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates a new Server instance.
func New(cfg *config.Config, logger *zap.Logger, buildInfo map[string]string, opts Options) (*Server, error) {
	if cfg.TLSEnabled && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return nil, errors.New("TLS enabled without certificate and key")
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics(cfg.MetricsNamespace, buildInfo)
	}

	hm := health.NewManager(logger, cfg.HealthCheckCacheDuration, cfg.HealthCheckTimeout)
	hm.SetMetrics(m)
	hm.RegisterChecker(health.NewConfigChecker())
	hm.RegisterChecker(health.NewServerChecker())
	hm.RegisterChecker(health.NewReadinessChecker())
	for _, c := range opts.Dependencies {
		hm.RegisterDependency(c)
	}
	for _, c := range opts.Checkers {
		hm.RegisterChecker(c)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		health:    hm,
		locks:     opts.Locks,
		listeners: make(map[*http.Server]net.Listener),
		errs:      make(chan error, 3),
		done:      make(chan struct{}),
	}

	s.apiServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:           s.apiRouter(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLSEnabled {
		s.apiServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s.probeServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ProbeHost, cfg.ProbePort),
		Handler:           s.probeRouter(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.HealthCheckTimeout + 5*time.Second,
		IdleTimeout:       30 * time.Second,
	}

	s.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort),
		Handler:           s.metricsRouter(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	return s, nil
}

func (s *Server) apiRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(s.logger, "api", false))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.Metrics(s.metrics, "api"))

	setupAPIRoutes(r, s.logger, s.locks)

	return r
}

func (s *Server) probeRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logging(s.logger, "probe", true))
	r.Use(middleware.Recoverer(s.logger))

	setupProbeRoutes(r, s.logger, s.health, s.metrics)

	return r
}

func (s *Server) metricsRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer(s.logger))
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
		ErrorLog:          zap.NewStdLog(s.logger),
		EnableOpenMetrics: true,
	}))

	return r
}

// Start binds all three servers and serves them in the background. Bind
// failures are returned; later serve failures are sent on Errors.
func (s *Server) Start() error {
	servers := []struct {
		name string
		srv  *http.Server
		tls  bool
	}{
		{"API", s.apiServer, s.cfg.TLSEnabled},
		{"probe", s.probeServer, false},
		{"metrics", s.metricsServer, false},
	}

	var bound []net.Listener
	for _, sv := range servers {
		ln, err := net.Listen("tcp", sv.srv.Addr)
		if err != nil {
			for _, l := range bound {
				_ = l.Close()
			}
			return fmt.Errorf("%s server listen on %s: %w", sv.name, sv.srv.Addr, err)
		}
		bound = append(bound, ln)

		s.mu.Lock()
		s.listeners[sv.srv] = ln
		s.mu.Unlock()
	}

	for i, sv := range servers {
		ln := bound[i]
		s.logger.Info("Starting "+sv.name+" server", zap.String("addr", ln.Addr().String()), zap.Bool("tls", sv.tls))

		go func(name string, srv *http.Server, ln net.Listener, useTLS bool) {
			var err error
			if useTLS {
				err = srv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
			} else {
				err = srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errs <- fmt.Errorf("%s server error: %w", name, err)
			}
		}(sv.name, sv.srv, ln, sv.tls)
	}

	s.health.SetServersRunning(true)
	go s.updateUptime()

	return nil
}

// Errors reports servers that stopped serving unexpectedly.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// APIAddr returns the address the API server is listening on, which
// differs from the configured one when port 0 was requested.
func (s *Server) APIAddr() string { return s.addr(s.apiServer) }

// ProbeAddr returns the address the probe server is listening on.
func (s *Server) ProbeAddr() string { return s.addr(s.probeServer) }

// MetricsAddr returns the address the metrics server is listening on.
func (s *Server) MetricsAddr() string { return s.addr(s.metricsServer) }

func (s *Server) addr(srv *http.Server) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.listeners[srv]; ok {
		return ln.Addr().String()
	}
	return srv.Addr
}

func (s *Server) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.metrics.AppUptimeSeconds.Add(1)
		case <-s.done:
			return
		}
	}
}

// Shutdown marks the service not ready, then drains the API server
// before stopping the metrics and probe servers, so probes keep
// answering while requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down servers gracefully")

	s.health.SetShuttingDown(true)
	s.stopOnce.Do(func() { close(s.done) })

	var errs []error
	if err := s.apiServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("API server shutdown error: %w", err))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, srv := range map[string]*http.Server{"metrics": s.metricsServer, "probe": s.probeServer} {
		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			s.logger.Info("Shutting down " + name + " server")
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s server shutdown error: %w", name, err))
				mu.Unlock()
			}
		}(name, srv)
	}
	wg.Wait()

	s.health.SetServersRunning(false)

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("All servers shut down successfully")
	return nil
}

// WaitForServers waits until all servers accept connections.
func (s *Server) WaitForServers(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if checkServer(s.APIAddr()) && checkServer(s.ProbeAddr()) && checkServer(s.MetricsAddr()) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("servers did not become ready within %s", timeout)
}

func checkServer(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
