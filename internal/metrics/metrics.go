package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spectracam/internal/jobs"
)

const namespace = "spectracam"

// Metrics owns a private registry so tests and multiple engines in one
// process do not collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	JobsCompleted *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobQueueWait  prometheus.Histogram
	FramesSaved   prometheus.Counter
	Captures      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		JobsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Jobs settled, by job name and final status.",
			},
			[]string{"name", "status"},
		),
		// 1ms to ~65s
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time from job start to settlement.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 17),
			},
			[]string{"name"},
		),
		JobQueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_wait_seconds",
			Help:      "Time a job spent queued before it started.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		FramesSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framelog_frames_total",
			Help:      "Frames appended to the frame log.",
		}),
		Captures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_saved_total",
			Help:      "Capture sets written to disk.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveJob is a jobs.Observer.
func (m *Metrics) ObserveJob(rec jobs.Record) {
	m.JobsCompleted.WithLabelValues(rec.Name, rec.Status.String()).Inc()
	if rec.Started.IsZero() {
		return
	}
	m.JobQueueWait.Observe(rec.Started.Sub(rec.Enqueued).Seconds())
	m.JobDuration.WithLabelValues(rec.Name).Observe(rec.Completed.Sub(rec.Started).Seconds())
}

// Gauge exposes fn as spectracam_<name>.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Counter exposes a monotonically increasing fn as spectracam_<name>.
func (m *Metrics) Counter(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
