package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Labels identify the process in every exported series
type Labels struct {
	Service    string
	InstanceID string
	Region     string
	Version    string
}

// WorkerMetrics exports Prometheus metrics for the work loop and the host.
// Each instance owns its registry so tests can build as many as they like.
type WorkerMetrics struct {
	registry      *prometheus.Registry
	startTime     time.Time
	iterations    prometheus.Counter
	failures      prometheus.Counter
	duration      prometheus.Histogram
	lastIteration prometheus.Gauge
}

// NewWorkerMetrics creates and registers all worker collectors
func NewWorkerMetrics(l Labels) *WorkerMetrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": l.Service}

	m := &WorkerMetrics{
		registry:  reg,
		startTime: time.Now(),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "platform_worker_iterations_total",
			Help:        "Total work loop iterations started",
			ConstLabels: constLabels,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "platform_worker_iteration_failures_total",
			Help:        "Total work loop iterations that returned an error or panicked",
			ConstLabels: constLabels,
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "platform_worker_iteration_duration_seconds",
			Help:        "Time spent inside a single work loop iteration",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		lastIteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "platform_worker_last_iteration_timestamp_seconds",
			Help:        "Unix time of the last completed iteration",
			ConstLabels: constLabels,
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "platform_worker_build_info",
		Help: "Build and deployment information (always 1)",
		ConstLabels: prometheus.Labels{
			"service":     l.Service,
			"version":     l.Version,
			"region":      l.Region,
			"instance_id": l.InstanceID,
		},
	})
	buildInfo.Set(1)

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "platform_worker_uptime_seconds",
		Help:        "Worker uptime in seconds",
		ConstLabels: constLabels,
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	reg.MustRegister(
		m.iterations,
		m.failures,
		m.duration,
		m.lastIteration,
		buildInfo,
		uptime,
		newHostCollector(constLabels),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveIteration records one finished iteration
func (m *WorkerMetrics) ObserveIteration(iteration int64, took time.Duration, err error) {
	m.iterations.Inc()
	m.duration.Observe(took.Seconds())
	m.lastIteration.SetToCurrentTime()
	if err != nil {
		m.failures.Inc()
	}
}

// Registry exposes the underlying registry
func (m *WorkerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format
func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// hostCollector samples CPU and memory at scrape time
type hostCollector struct {
	cpuUsage    *prometheus.Desc
	memoryUsed  *prometheus.Desc
	memoryTotal *prometheus.Desc
}

func newHostCollector(constLabels prometheus.Labels) *hostCollector {
	return &hostCollector{
		cpuUsage: prometheus.NewDesc("platform_worker_host_cpu_usage_percent",
			"Host CPU usage percentage (0-100) since the previous scrape", nil, constLabels),
		memoryUsed: prometheus.NewDesc("platform_worker_host_memory_used_bytes",
			"Host memory in use", nil, constLabels),
		memoryTotal: prometheus.NewDesc("platform_worker_host_memory_total_bytes",
			"Host memory total", nil, constLabels),
	}
}

func (c *hostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuUsage
	ch <- c.memoryUsed
	ch <- c.memoryTotal
}

// Collect skips a series when gopsutil cannot read it (e.g. restricted containers)
func (c *hostCollector) Collect(ch chan<- prometheus.Metric) {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		ch <- prometheus.MustNewConstMetric(c.cpuUsage, prometheus.GaugeValue, pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memoryUsed, prometheus.GaugeValue, float64(vm.Used))
		ch <- prometheus.MustNewConstMetric(c.memoryTotal, prometheus.GaugeValue, float64(vm.Total))
	}
}
