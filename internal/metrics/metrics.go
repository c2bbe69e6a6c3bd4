// Package metrics exposes the kernel's Prometheus collectors: router cycle
// throughput and latency, run-queue depth, active vats, GC actions, and
// worker crashes. Grounded on the teacher's internal/metrics package,
// narrowed to one registry (no secondary in-process JSON store — the
// kernel has no dashboard to serve it to).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	registry *prometheus.Registry

	cyclesTotal      *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	cycleRetries     prometheus.Counter
	queueDepth       prometheus.Gauge
	activeVats       prometheus.Gauge
	brokenVatsTotal  prometheus.Counter
	gcActionsTotal   *prometheus.CounterVec
	syscallsTotal    *prometheus.CounterVec
	uptime           prometheus.GaugeFunc
}

var (
	m         *collectors
	startedAt = time.Now()
)

var defaultBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

// Init initializes the Prometheus registry under namespace (e.g. "ocapkernel").
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &collectors{
		registry: registry,
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total", Help: "Total router cycles processed, by outcome.",
		}, []string{"kind", "outcome"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_milliseconds", Help: "Router cycle duration in milliseconds.",
			Buckets: defaultBuckets,
		}, []string{"kind"}),
		cycleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycle_retries_total", Help: "Total transactional commit retries.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_queue_depth", Help: "Current run queue depth.",
		}),
		activeVats: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_vats", Help: "Number of vats with a live worker.",
		}),
		brokenVatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broken_vats_total", Help: "Total vats marked broken.",
		}),
		gcActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_actions_total", Help: "Total GC actions scheduled, by kind.",
		}, []string{"kind"}),
		syscallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "syscalls_total", Help: "Total syscalls applied, by kind.",
		}, []string{"kind"}),
	}
	c.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds", Help: "Time since the kernel process started.",
	}, func() float64 { return time.Since(startedAt).Seconds() })

	registry.MustRegister(
		c.cyclesTotal, c.cycleDuration, c.cycleRetries, c.queueDepth,
		c.activeVats, c.brokenVatsTotal, c.gcActionsTotal, c.syscallsTotal, c.uptime,
	)
	m = c
}

func RecordCycle(kind string, success bool, durationMs int64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	m.cyclesTotal.WithLabelValues(kind, outcome).Inc()
	m.cycleDuration.WithLabelValues(kind).Observe(float64(durationMs))
}

func RecordRetry() {
	if m == nil {
		return
	}
	m.cycleRetries.Inc()
}

func SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func SetActiveVats(count int) {
	if m == nil {
		return
	}
	m.activeVats.Set(float64(count))
}

func RecordBrokenVat() {
	if m == nil {
		return
	}
	m.brokenVatsTotal.Inc()
}

func RecordGCAction(kind string) {
	if m == nil {
		return
	}
	m.gcActionsTotal.WithLabelValues(kind).Inc()
}

func RecordSyscall(kind string) {
	if m == nil {
		return
	}
	m.syscallsTotal.WithLabelValues(kind).Inc()
}

// Handler serves the Prometheus exposition format for scraping.
func Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
