package activity

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the optional Prometheus instrumentation surface: broker
// queue depth, redelivery count and run counters. A nil *Metrics (the
// zero value of an Activity not given WithMetrics) makes every
// recording call a no-op.
type Metrics struct {
	runsTaken     prometheus.Counter
	runsDiscarded prometheus.Counter
	runsErrored   prometheus.Counter
	queueDepth    *prometheus.GaugeVec
	redelivered   prometheus.Counter
}

// NewMetrics registers the activity runtime's collectors against reg
// and returns a *Metrics ready to pass to WithMetrics. Every
// registration error is joined rather than aborting early, so a caller
// sharing a registry across several Activities only has to check once.
func NewMetrics(reg prometheus.Registerer, activityId string) (*Metrics, error) {
	var errJoin error

	runsTaken := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "actrt_activity_runs_taken_total",
		Help:        "Number of runs that reached run.end.",
		ConstLabels: prometheus.Labels{"activity_id": activityId},
	})
	errJoin = errors.Join(errJoin, reg.Register(runsTaken))

	runsDiscarded := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "actrt_activity_runs_discarded_total",
		Help:        "Number of runs that left discarded.",
		ConstLabels: prometheus.Labels{"activity_id": activityId},
	})
	errJoin = errors.Join(errJoin, reg.Register(runsDiscarded))

	runsErrored := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "actrt_activity_runs_errored_total",
		Help:        "Number of runs that published run.error.",
		ConstLabels: prometheus.Labels{"activity_id": activityId},
	})
	errJoin = errors.Join(errJoin, reg.Register(runsErrored))

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "actrt_activity_queue_depth",
		Help: "Pending message count on one of the activity's own queues.",
	}, []string{"activity_id", "queue"})
	errJoin = errors.Join(errJoin, reg.Register(queueDepth))

	redelivered := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "actrt_activity_redelivered_total",
		Help:        "Number of run-q deliveries observed with Redelivered set.",
		ConstLabels: prometheus.Labels{"activity_id": activityId},
	})
	errJoin = errors.Join(errJoin, reg.Register(redelivered))

	return &Metrics{
		runsTaken:     runsTaken,
		runsDiscarded: runsDiscarded,
		runsErrored:   runsErrored,
		queueDepth:    queueDepth,
		redelivered:   redelivered,
	}, errJoin
}

// WithMetrics installs a *Metrics collector. Omitting this option
// leaves every recording call a no-op.
func WithMetrics(m *Metrics) Option {
	return func(a *Activity) { a.metrics = m }
}

func (m *Metrics) observeLeave(discarded bool) {
	if m == nil {
		return
	}
	if discarded {
		m.runsDiscarded.Inc()
	} else {
		m.runsTaken.Inc()
	}
}

func (m *Metrics) observeError() {
	if m == nil {
		return
	}
	m.runsErrored.Inc()
}

func (m *Metrics) observeRedelivered() {
	if m == nil {
		return
	}
	m.redelivered.Inc()
}

func (m *Metrics) observeQueueDepth(activityId, queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(activityId, queue).Set(float64(depth))
}
