// Package supervisor composes the liveness server, the metrics listener and
// the work loop into one process with a single stop path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/platform-worker/internal/buildinfo"
	"github.com/psantana5/platform-worker/internal/config"
	"github.com/psantana5/platform-worker/internal/liveness"
	"github.com/psantana5/platform-worker/internal/worker"
	"github.com/psantana5/platform-worker/pkg/logging"
	"github.com/psantana5/platform-worker/pkg/metrics"
	"github.com/psantana5/platform-worker/pkg/shutdown"
	"github.com/psantana5/platform-worker/pkg/tracing"
)

// Supervisor owns every long-running component of the worker process
type Supervisor struct {
	cfg        *config.Config
	logger     *logging.Logger
	instanceID string

	shutdown *shutdown.Manager
	tracer   *tracing.Provider
	metrics  *metrics.WorkerMetrics
	liveness *liveness.Server
	loop     *worker.Loop

	metricsSrv *http.Server
	metricsLn  net.Listener
}

// Option adjusts the supervisor before it starts
type Option func(*options)

type options struct {
	loopOpts []worker.Option
}

// WithLoopOptions passes extra options to the work loop
func WithLoopOptions(opts ...worker.Option) Option {
	return func(o *options) { o.loopOpts = append(o.loopOpts, opts...) }
}

// New builds every component but binds nothing
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (*Supervisor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	instanceID := uuid.New().String()
	logger = logger.WithFields(map[string]interface{}{
		"service":     cfg.ServiceName,
		"instance_id": instanceID,
	})

	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: buildinfo.Version,
		Environment:    cfg.Region,
		InstanceID:     instanceID,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	m := metrics.NewWorkerMetrics(metrics.Labels{
		Service:    cfg.ServiceName,
		InstanceID: instanceID,
		Region:     cfg.Region,
		Version:    buildinfo.Version,
	})

	loopOpts := append([]worker.Option{
		worker.WithRecorder(m),
		worker.WithTracer(tp.Tracer()),
	}, o.loopOpts...)

	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		instanceID: instanceID,
		shutdown:   shutdown.New(cfg.ShutdownTimeout, logger),
		tracer:     tp,
		metrics:    m,
		liveness: liveness.NewServer(liveness.Config{
			Addr:        cfg.HealthAddr,
			ServiceName: cfg.ServiceName,
		}, logger),
		loop: worker.New(worker.Config{
			Interval: cfg.Interval,
			Region:   cfg.Region,
		}, logger, loopOpts...),
	}
	return s, nil
}

// InstanceID identifies this process in logs, traces and metrics
func (s *Supervisor) InstanceID() string { return s.instanceID }

// Loop exposes the work loop, mostly for its counters
func (s *Supervisor) Loop() *worker.Loop { return s.loop }

// Liveness exposes the liveness server
func (s *Supervisor) Liveness() *liveness.Server { return s.liveness }

// Shutdown exposes the shutdown manager so callers can trigger a stop
func (s *Supervisor) Shutdown() *shutdown.Manager { return s.shutdown }

// MetricsAddr returns the bound metrics address, or "" when disabled
func (s *Supervisor) MetricsAddr() string {
	if s.metricsLn == nil {
		return ""
	}
	return s.metricsLn.Addr().String()
}

// Start binds both listeners. Any bind failure is returned and whatever was
// already started is stopped again.
func (s *Supervisor) Start() error {
	s.shutdown.Register("tracer", s.tracer.Shutdown)

	if err := s.liveness.Start(); err != nil {
		s.shutdown.Shutdown()
		return err
	}
	s.shutdown.Register("liveness", s.liveness.Stop)

	if s.cfg.MetricsAddr != "" {
		if err := s.startMetrics(); err != nil {
			s.shutdown.Shutdown()
			return err
		}
		s.shutdown.Register("metrics", shutdown.StopHTTPServer(s.metricsSrv, "metrics"))
	}
	return nil
}

func (s *Supervisor) startMetrics() error {
	ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to bind metrics server on %s: %w", s.cfg.MetricsAddr, err)
	}

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	s.metricsLn = ln
	s.metricsSrv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          log.New(s.logger.Writer(logging.WARN), "", 0),
	}

	go func() {
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	s.logger.Info(fmt.Sprintf("Prometheus metrics endpoint: http://%s/metrics", ln.Addr()))
	return nil
}

// Run starts both listeners, runs the work loop until ctx is cancelled or
// shutdown is triggered, then runs every stop hook.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	loopCtx, cancel := s.shutdown.Context(ctx)
	defer cancel()

	loopErr := s.loop.Run(loopCtx)
	stopErr := s.shutdown.Shutdown()
	return errors.Join(loopErr, stopErr)
}
