// Package worker runs the recurring background work loop.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/psantana5/platform-worker/pkg/logging"
	"github.com/psantana5/platform-worker/pkg/tracing"
)

// DefaultInterval between iterations
const DefaultInterval = 30 * time.Second

// Task is the unit of work run once per iteration. A returned error or a
// panic is logged and counted; the loop keeps going either way.
type Task func(ctx context.Context, iteration int64) error

// Recorder receives the outcome of every iteration
type Recorder interface {
	ObserveIteration(iteration int64, took time.Duration, err error)
}

// Config for the work loop
type Config struct {
	Interval time.Duration
	Region   string
}

// Ticker abstracts time.Ticker so tests can drive cycles by hand
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Option configures a Loop
type Option func(*Loop)

// WithTask replaces the default log-only task
func WithTask(task Task) Option {
	return func(l *Loop) { l.task = task }
}

// WithRecorder reports iteration outcomes, typically to Prometheus
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithTracer wraps each iteration in a span
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// WithTicker overrides how the interval ticker is built
func WithTicker(newTicker func(time.Duration) Ticker) Option {
	return func(l *Loop) { l.newTicker = newTicker }
}

// Loop performs one iteration per interval until its context is cancelled
type Loop struct {
	cfg       Config
	logger    *logging.Logger
	task      Task
	recorder  Recorder
	tracer    trace.Tracer
	newTicker func(time.Duration) Ticker

	iterations atomic.Int64
	failures   atomic.Int64
}

// New creates a work loop
func New(cfg Config, logger *logging.Logger, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Region == "" {
		cfg.Region = "unknown"
	}
	if logger == nil {
		logger = logging.Discard()
	}

	l := &Loop{
		cfg:    cfg,
		logger: logger.WithField("component", "worker"),
		tracer: noop.NewTracerProvider().Tracer("worker"),
		newTicker: func(d time.Duration) Ticker {
			return realTicker{t: time.NewTicker(d)}
		},
	}
	l.task = l.logOnly
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Iterations returns how many iterations have started. Safe from any goroutine.
func (l *Loop) Iterations() int64 {
	return l.iterations.Load()
}

// Failures returns how many iterations failed
func (l *Loop) Failures() int64 {
	return l.failures.Load()
}

// Run blocks, running the first iteration immediately and one more on every
// tick, until ctx is cancelled. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Platform worker starting")
	l.logger.Info(fmt.Sprintf("Region: %s", l.cfg.Region))

	ticker := l.newTicker(l.cfg.Interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		l.iterate(ctx)

		select {
		case <-ctx.Done():
		case <-ticker.C():
		}
	}

	l.logger.Info("Platform worker stopped", map[string]interface{}{"iterations": l.Iterations()})
	return nil
}

func (l *Loop) iterate(ctx context.Context) {
	n := l.iterations.Add(1)
	l.logger.Info(fmt.Sprintf("Worker iteration %d - processing...", n))

	ctx, span := l.tracer.Start(ctx, "worker.iteration",
		trace.WithAttributes(
			attribute.Int64("worker.iteration", n),
			attribute.String("worker.region", l.cfg.Region),
		),
	)
	defer span.End()

	start := time.Now()
	err := l.runTask(ctx, n)
	took := time.Since(start)

	if err != nil {
		l.failures.Add(1)
		tracing.SetError(ctx, err)
		l.logger.Error("Worker iteration failed", map[string]interface{}{
			"iteration": n,
			"error":     err.Error(),
		})
	}
	if l.recorder != nil {
		l.recorder.ObserveIteration(n, took, err)
	}
}

// runTask converts a panic into an error so one bad iteration cannot end the loop
func (l *Loop) runTask(ctx context.Context, n int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Debug("Recovered task panic", map[string]interface{}{"stack": string(debug.Stack())})
			err = fmt.Errorf("iteration %d panicked: %v", n, r)
		}
	}()
	return l.task(ctx, n)
}

// logOnly is the default task; the iteration log line is the whole job.
func (l *Loop) logOnly(ctx context.Context, iteration int64) error {
	return nil
}
