package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/IEatCodeDaily/mongo-sync/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const indexPage = `<!DOCTYPE html>
<html>
<head><title>mongo-sync</title></head>
<body>
<h1>mongo-sync</h1>
<ul>
<li><a href="/metrics">/metrics</a> Prometheus metrics</li>
<li><a href="/health">/health</a> sync status as JSON</li>
<li><a href="/ready">/ready</a> readiness probe</li>
</ul>
</body>
</html>
`

// HealthChecker reports the health of a sync. It is implemented by
// pipeline.Sync.
type HealthChecker interface {
	Status() pipeline.HealthStatus
}

// Server exposes Prometheus metrics along with health and readiness probes
type Server struct {
	http   *http.Server
	health HealthChecker
	logger *zap.Logger
}

// NewServer creates a server listening on addr. Metrics are gathered from
// gatherer, or from the default registry when it is nil.
func NewServer(addr string, health HealthChecker, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{health: health, logger: logger.With(zap.String("component", "metrics"))}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.routes(gatherer),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.withStatus(s.writeHealth))
	mux.HandleFunc("/ready", s.withStatus(s.writeReady))
	mux.HandleFunc("/", s.writeIndex)
	return mux
}

// Handler returns the HTTP handler serving all endpoints
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens in the background. It fails if the listener cannot be
// opened within a short grace period, e.g. when the port is taken.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server", zap.String("address", s.http.Addr))

	failed := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return errors.Wrap(err, "failed to start metrics server")
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.http.Shutdown(ctx)
}

// withStatus resolves the current status for handlers that need one
func (s *Server) withStatus(next func(http.ResponseWriter, pipeline.HealthStatus)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.health == nil {
			http.Error(w, "Health checker not configured", http.StatusInternalServerError)
			return
		}
		next(w, s.health.Status())
	}
}

func (s *Server) writeHealth(w http.ResponseWriter, status pipeline.HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(status))
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("failed to encode health status", zap.Error(err))
	}
}

// writeReady reports ready while a change stream or scan is running
func (s *Server) writeReady(w http.ResponseWriter, status pipeline.HealthStatus) {
	body := "not ready"
	if status.Healthy {
		body = "ready"
	}
	w.WriteHeader(statusCode(status))
	s.write(w, body)
}

func (s *Server) writeIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	s.write(w, indexPage)
}

func (s *Server) write(w http.ResponseWriter, body string) {
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func statusCode(status pipeline.HealthStatus) int {
	if status.Healthy {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
