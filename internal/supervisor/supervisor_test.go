package supervisor

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/platform-worker/internal/config"
	"github.com/psantana5/platform-worker/internal/worker"
	"github.com/psantana5/platform-worker/pkg/logging"
)

const healthyBody = `{"status":"healthy","service":"platform-worker"}`

func testConfig(interval time.Duration) *config.Config {
	return &config.Config{
		ServiceName:     "platform-worker",
		Region:          "unknown",
		HealthAddr:      "127.0.0.1:0",
		MetricsAddr:     "127.0.0.1:0",
		Interval:        interval,
		ShutdownTimeout: 2 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

func probe(t *testing.T, s *Supervisor) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get("http://" + s.Liveness().Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

type runHandle struct {
	sup    *Supervisor
	cancel context.CancelFunc
	done   chan error
}

func run(t *testing.T, cfg *config.Config, opts ...Option) *runHandle {
	t.Helper()
	sup, err := New(context.Background(), cfg, logging.Discard(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{sup: sup, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Liveness().Serving() }, 2*time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return h
}

type stepTicker struct{ ch chan time.Time }

func (s stepTicker) C() <-chan time.Time { return s.ch }
func (s stepTicker) Stop()               {}

func TestScenarioTwoIterationsThirdPending(t *testing.T) {
	ticks := stepTicker{ch: make(chan time.Time)}
	h := run(t, testConfig(30*time.Second),
		WithLoopOptions(worker.WithTicker(func(time.Duration) worker.Ticker { return ticks })))

	// t≈0
	require.Eventually(t, func() bool { return h.sup.Loop().Iterations() == 1 }, 2*time.Second, time.Millisecond)
	// t≈30
	ticks.ch <- time.Now()
	require.Eventually(t, func() bool { return h.sup.Loop().Iterations() == 2 }, 2*time.Second, time.Millisecond)

	// third tick has not fired yet
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(2), h.sup.Loop().Iterations())

	code, body := probe(t, h.sup)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthyBody, body)
}

func TestScenarioRealClock(t *testing.T) {
	const interval = 300 * time.Millisecond
	h := run(t, testConfig(interval))

	// iterations at t≈0 and t≈interval; the third at t≈2*interval is still pending
	time.Sleep(interval * 3 / 2)
	assert.Equal(t, int64(2), h.sup.Loop().Iterations())

	code, _ := probe(t, h.sup)
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthAnswersWhileIterationIsBlocked(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	task := func(ctx context.Context, n int64) error {
		if n == 1 {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return nil
	}

	h := run(t, testConfig(time.Hour), WithLoopOptions(worker.WithTask(task)))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("iteration never started")
	}

	// mid-iteration
	for i := 0; i < 5; i++ {
		code, body := probe(t, h.sup)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, healthyBody, body)
	}
	close(release)

	// mid-sleep (the hour-long interval)
	code, _ := probe(t, h.sup)
	assert.Equal(t, http.StatusOK, code)
}

// scrape returns "" on any failure so it is safe inside Eventually
func scrape(addr string) string {
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestMetricsListenerIsSeparate(t *testing.T) {
	h := run(t, testConfig(time.Hour))
	require.Eventually(t, func() bool { return h.sup.Loop().Iterations() == 1 }, 2*time.Second, time.Millisecond)

	addr := h.sup.MetricsAddr()
	require.NotEmpty(t, addr)
	assert.NotEqual(t, h.sup.Liveness().Addr(), addr)

	require.Eventually(t, func() bool {
		return strings.Contains(scrape(addr), `platform_worker_iterations_total{service="platform-worker"} 1`)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, scrape(addr), h.sup.InstanceID())

	// the liveness port never serves metrics
	resp, err := http.Get("http://" + h.sup.Liveness().Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsCanBeDisabled(t *testing.T) {
	cfg := testConfig(time.Hour)
	cfg.MetricsAddr = ""
	h := run(t, cfg)
	assert.Empty(t, h.sup.MetricsAddr())
}

func TestInstanceIDIsUUID(t *testing.T) {
	sup, err := New(context.Background(), testConfig(time.Hour), logging.Discard())
	require.NoError(t, err)
	_, err = uuid.Parse(sup.InstanceID())
	assert.NoError(t, err)
}

func TestBindFailureAbortsRun(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(time.Hour)
	cfg.HealthAddr = ln.Addr().String()
	sup, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	err = sup.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to bind liveness server"))
	assert.Zero(t, sup.Loop().Iterations())
}

func TestTriggerStopsEverything(t *testing.T) {
	sup, err := New(context.Background(), testConfig(time.Hour), logging.Discard())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	require.Eventually(t, func() bool { return sup.Loop().Iterations() == 1 }, 2*time.Second, time.Millisecond)

	sup.Shutdown().Trigger("test")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Trigger")
	}
	assert.False(t, sup.Liveness().Serving())
}
