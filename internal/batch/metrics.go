package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xkilldash9x/socialdriver/api/schemas"
)

// Metrics are the batch runner's collectors. A nil *Metrics records nothing.
type Metrics struct {
	outcomes *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	reauth   *prometheus.CounterVec
	aborts   prometheus.Counter
	duration *prometheus.HistogramVec
}

// NewMetrics registers the batch collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "socialdriver",
				Subsystem: "batch",
				Name:      "outcomes_total",
				Help:      "Attempted actions by action type and verdict",
			},
			[]string{"action", "verdict"},
		),
		skipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "socialdriver",
				Subsystem: "batch",
				Name:      "skipped_total",
				Help:      "Targets skipped because the ledger already holds a confirmed entry",
			},
			[]string{"action"},
		),
		reauth: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "socialdriver",
				Subsystem: "batch",
				Name:      "reauthentications_total",
				Help:      "Session re-authentications by result",
			},
			[]string{"result"},
		),
		aborts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "socialdriver",
			Subsystem: "batch",
			Name:      "aborted_runs_total",
			Help:      "Runs aborted before processing every target",
		}),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "socialdriver",
				Subsystem: "batch",
				Name:      "action_duration_seconds",
				Help:      "Dispatch plus confirmation time per action",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1m
			},
			[]string{"action"},
		),
	}
}

func (m *Metrics) observe(o schemas.ActionOutcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o.Request.Type), string(o.Verdict)).Inc()
	m.duration.WithLabelValues(string(o.Request.Type)).Observe(o.Duration.Seconds())
}

func (m *Metrics) skip(t schemas.ActionType) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) reauthenticated(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reauth.WithLabelValues(result).Inc()
}

func (m *Metrics) aborted() {
	if m == nil {
		return
	}
	m.aborts.Inc()
}
