package worker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/platform-worker/pkg/logging"
)

// manualTicker only fires when the test says so
type manualTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.once.Do(func() { close(m.stopped) }) }
func (m *manualTicker) tick()               { m.ch <- time.Now() }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type observation struct {
	iteration int64
	err       error
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []observation
}

func (f *fakeRecorder) ObserveIteration(iteration int64, took time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, observation{iteration: iteration, err: err})
}

func (f *fakeRecorder) snapshot() []observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]observation(nil), f.obs...)
}

type harness struct {
	loop   *Loop
	ticker *manualTicker
	cancel context.CancelFunc
	done   chan error
}

func startLoop(t *testing.T, logger *logging.Logger, opts ...Option) *harness {
	t.Helper()
	ticker := newManualTicker()
	opts = append(opts, WithTicker(func(time.Duration) Ticker { return ticker }))
	loop := New(Config{Interval: time.Hour, Region: "eu-west-1"}, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{loop: loop, ticker: ticker, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ticker.stopped
	})
	return h
}

func (h *harness) waitFor(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.loop.Iterations() == n },
		2*time.Second, time.Millisecond, "expected %d iterations, got %d", n, h.loop.Iterations())
}

func TestFirstIterationRunsImmediately(t *testing.T) {
	h := startLoop(t, nil)
	h.waitFor(t, 1)
}

func TestCounterIncreasesByOnePerTick(t *testing.T) {
	h := startLoop(t, nil)
	h.waitFor(t, 1)

	for want := int64(2); want <= 5; want++ {
		h.ticker.tick()
		h.waitFor(t, want)
		// no extra iteration sneaks in without a tick
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, want, h.loop.Iterations())
	}
}

func TestRunReturnsNilOnCancelWhileSleeping(t *testing.T) {
	h := startLoop(t, nil)
	h.waitFor(t, 1)

	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int64(1), h.loop.Iterations())
}

func TestCancelledBeforeStartRunsNothing(t *testing.T) {
	loop := New(Config{Interval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, loop.Run(ctx))
	assert.Zero(t, loop.Iterations())
}

func TestFailingIterationsDoNotStopTheLoop(t *testing.T) {
	buf := &syncBuffer{}
	logger := logging.New(buf, logging.INFO, logging.FormatText)
	rec := &fakeRecorder{}
	errBoom := errors.New("boom")

	task := func(ctx context.Context, n int64) error {
		switch n {
		case 2:
			return errBoom
		case 3:
			panic("unexpected nil item")
		}
		return nil
	}

	h := startLoop(t, logger, WithTask(task), WithRecorder(rec))
	h.waitFor(t, 1)
	for want := int64(2); want <= 4; want++ {
		h.ticker.tick()
		h.waitFor(t, want)
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, time.Millisecond)

	assert.Equal(t, int64(2), h.loop.Failures())
	obs := rec.snapshot()
	assert.NoError(t, obs[0].err)
	assert.ErrorIs(t, obs[1].err, errBoom)
	require.Error(t, obs[2].err)
	assert.Contains(t, obs[2].err.Error(), "iteration 3 panicked: unexpected nil item")
	assert.NoError(t, obs[3].err)

	out := buf.String()
	assert.Contains(t, out, "Worker iteration failed")
	assert.Contains(t, out, "error=boom")
}

func TestStartupAndIterationLogLines(t *testing.T) {
	buf := &syncBuffer{}
	logger := logging.New(buf, logging.INFO, logging.FormatText)

	h := startLoop(t, logger)
	h.waitFor(t, 1)
	h.ticker.tick()
	h.waitFor(t, 2)
	h.cancel()
	<-h.done

	out := buf.String()
	assert.Contains(t, out, "Platform worker starting")
	assert.Contains(t, out, "Region: eu-west-1")
	assert.Contains(t, out, "Worker iteration 1 - processing...")
	assert.Contains(t, out, "Worker iteration 2 - processing...")
	assert.Contains(t, out, "Platform worker stopped")
}

func TestRegionDefaultsToUnknown(t *testing.T) {
	buf := &syncBuffer{}
	loop := New(Config{}, logging.New(buf, logging.INFO, logging.FormatText))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, loop.Run(ctx))

	assert.Contains(t, buf.String(), "Region: unknown")
	assert.Equal(t, DefaultInterval, loop.cfg.Interval)
}

func TestIterationSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	task := func(ctx context.Context, n int64) error {
		if n == 2 {
			return errors.New("bad input")
		}
		return nil
	}

	h := startLoop(t, nil, WithTracer(tp.Tracer("test")), WithTask(task))
	h.waitFor(t, 1)
	h.ticker.tick()
	h.waitFor(t, 2)
	require.Eventually(t, func() bool { return len(sr.Ended()) == 2 }, time.Second, time.Millisecond)

	spans := sr.Ended()
	assert.Equal(t, "worker.iteration", spans[0].Name())
	assert.Equal(t, "Unset", spans[0].Status().Code.String())
	assert.Equal(t, "Error", spans[1].Status().Code.String())
}

func TestRealTickerCycles(t *testing.T) {
	loop := New(Config{Interval: 50 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var seen []int64
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case <-deadline:
			t.Fatalf("only observed %v", seen)
		case <-time.After(time.Millisecond):
		}
		n := loop.Iterations()
		if len(seen) == 0 || n != seen[len(seen)-1] {
			seen = append(seen, n)
		}
	}

	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1]+1, seen[i], "counter must step by exactly one: %v", seen)
	}

	cancel()
	assert.NoError(t, <-done)
}
