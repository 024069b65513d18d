package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snowops/taokey/internal/logging"
)

// The listener only ever serves small scrape responses, so the timeouts are
// fixed rather than configurable.
const (
	listenerReadTimeout  = 5 * time.Second
	listenerWriteTimeout = 10 * time.Second

	defaultMetricsPort = 9090
	defaultMetricsPath = "/metrics"
)

// MetricsServerConfig holds the listener settings from taokey.yaml.
type MetricsServerConfig struct {
	Enabled bool
	Port    int
	Path    string
}

// MetricsServer serves Prometheus metrics and a liveness endpoint.
type MetricsServer struct {
	config MetricsServerConfig
	logger *logging.Logger
	server *http.Server
}

// NewMetricsServer creates a metrics listener. It does nothing until Start.
func NewMetricsServer(config MetricsServerConfig, logger *logging.Logger) *MetricsServer {
	if config.Port == 0 {
		config.Port = defaultMetricsPort
	}
	if config.Path == "" {
		config.Path = defaultMetricsPath
	}
	return &MetricsServer{config: config, logger: logger}
}

// Start registers the lifecycle metrics and begins serving in the
// background. A disabled listener is a no-op.
func (s *MetricsServer) Start() error {
	if !s.config.Enabled {
		return nil
	}

	InitMetrics()

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      mux,
		ReadTimeout:  listenerReadTimeout,
		WriteTimeout: listenerWriteTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Metrics are non-critical, keep the process alive.
			s.warnf("metrics listener stopped: %v", err)
		}
	}()

	s.debugf("Serving metrics on %s%s", s.server.Addr, s.config.Path)
	return nil
}

// Stop gracefully shuts the listener down.
func (s *MetricsServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the listen address, or "" before Start.
func (s *MetricsServer) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

func (s *MetricsServer) warnf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(format, args...)
	}
}

func (s *MetricsServer) debugf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(format, args...)
	}
}
