package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slok/codeclaw/internal/metrics"
)

const namespace = "codeclaw"

// Recorder is a metrics.Recorder backed by Prometheus collectors.
type Recorder struct {
	jobsRunning       prometheus.Gauge
	jobsQueued        prometheus.Gauge
	jobDuration       *prometheus.HistogramVec
	spawnRetries      prometheus.Counter
	containerDuration *prometheus.HistogramVec
	ipcCalls          *prometheus.CounterVec
	eventDecisions    *prometheus.CounterVec
	taskDispatches    *prometheus.CounterVec
}

var _ metrics.Recorder = &Recorder{}

// MustNewRecorder returns a new recorder registering the collectors on reg, it
// panics if they can't be registered.
func MustNewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_running",
			Help:      "Number of jobs holding a concurrency slot.",
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_queued",
			Help:      "Number of jobs waiting for their thread turn or a slot.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of the jobs from dispatch to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"kind", "status"}),
		spawnRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "spawn_retries_total",
			Help:      "Number of sandbox spawn retries.",
		}),
		containerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "run_duration_seconds",
			Help:      "Duration of the sandbox runs by terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"status"}),
		ipcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "tool_calls_total",
			Help:      "Number of IPC tool calls handled.",
		}, []string{"tool", "result"}),
		eventDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "event_decisions_total",
			Help:      "Number of inbound events by admission decision.",
		}, []string{"decision"}),
		taskDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatches_total",
			Help:      "Number of due scheduled tasks submitted to the queue.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		r.jobsRunning,
		r.jobsQueued,
		r.jobDuration,
		r.spawnRetries,
		r.containerDuration,
		r.ipcCalls,
		r.eventDecisions,
		r.taskDispatches,
	)

	return r
}

func (r *Recorder) SetJobsRunning(n int) { r.jobsRunning.Set(float64(n)) }
func (r *Recorder) SetJobsQueued(n int)  { r.jobsQueued.Set(float64(n)) }
func (r *Recorder) IncSpawnRetry()       { r.spawnRetries.Inc() }

func (r *Recorder) ObserveJob(kind, status string, d time.Duration) {
	r.jobDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

func (r *Recorder) ObserveContainerRun(status string, d time.Duration) {
	r.containerDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (r *Recorder) IncIPCCall(tool, result string) {
	r.ipcCalls.WithLabelValues(tool, result).Inc()
}

func (r *Recorder) IncEventDecision(decision string) {
	r.eventDecisions.WithLabelValues(decision).Inc()
}

func (r *Recorder) IncScheduledDispatch(result string) {
	r.taskDispatches.WithLabelValues(result).Inc()
}
