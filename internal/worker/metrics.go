package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"studio/internal/domain"
)

const namespace = "studio_worker"

// Metrics is a prometheus collector shared by every runtime of a process.
type Metrics struct {
	claimed  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	reaped   prometheus.Counter
	duration *prometheus.HistogramVec
	active   *prometheus.GaugeVec
}

// NewMetrics builds the collector and registers it when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "", "jobs_claimed_total"),
			Help: "Jobs claimed from the ledger.",
		}, []string{"job_type"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "", "job_outcomes_total"),
			Help: "Reported job outcomes by kind (completed, retry, failed, released).",
		}, []string{"job_type", "outcome"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "", "jobs_reaped_total"),
			Help: "In-progress jobs reclaimed after missing heartbeats.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prometheus.BuildFQName(namespace, "", "job_duration_seconds"),
			Help:    "Processing time of one job attempt.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job_type", "outcome"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prometheus.BuildFQName(namespace, "", "jobs_active"),
			Help: "Jobs currently being processed.",
		}, []string{"job_type"}),
	}
	if reg != nil {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Describe(d chan<- *prometheus.Desc) {
	m.claimed.Describe(d)
	m.outcomes.Describe(d)
	d <- m.reaped.Desc()
	m.duration.Describe(d)
	m.active.Describe(d)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.claimed.Collect(ch)
	m.outcomes.Collect(ch)
	ch <- m.reaped
	m.duration.Collect(ch)
	m.active.Collect(ch)
}

// The helpers below accept a nil receiver so runtimes without metrics skip
// the bookkeeping.

func (m *Metrics) jobClaimed(t domain.JobType) {
	if m == nil {
		return
	}
	m.claimed.WithLabelValues(string(t)).Inc()
	m.active.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) jobFinished(t domain.JobType, kind domain.OutcomeKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(string(t)).Dec()
	m.outcomes.WithLabelValues(string(t), string(kind)).Inc()
	m.duration.WithLabelValues(string(t), string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) jobsReaped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.reaped.Add(float64(n))
}
