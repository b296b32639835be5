package robust

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by the sequential solver.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Iterations    prometheus.Counter
	Restarts      *prometheus.CounterVec
	Runs          *prometheus.CounterVec
	SampleSize    prometheus.Gauge
	Tolerance     prometheus.Gauge
	SolveDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robopt",
			Name:      "outer_iterations_total",
			Help:      "Outer iterations performed by the sequential solver.",
		}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robopt",
			Name:      "local_solves_total",
			Help:      "Local solves by outcome.",
		}, []string{"outcome"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robopt",
			Name:      "runs_total",
			Help:      "Finished sequential runs by stop reason.",
		}, []string{"reason"}),
		SampleSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "robopt",
			Name:      "sample_size",
			Help:      "Size of the accumulated parameter sample.",
		}),
		Tolerance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "robopt",
			Name:      "solver_tolerance",
			Help:      "Tolerance handed to the local solver.",
		}),
		SolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "robopt",
			Name:      "local_solve_duration_seconds",
			Help:      "Wall time of the local solves of one outer iteration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Iterations, m.Restarts, m.Runs, m.SampleSize, m.Tolerance, m.SolveDuration)
	}
	return m
}

func (m *Metrics) observeIteration(sampleSize int, tolerance float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Iterations.Inc()
	m.SampleSize.Set(float64(sampleSize))
	m.Tolerance.Set(tolerance)
	m.SolveDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeSolve(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "non_convergence"
	}
	m.Restarts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRun(reason StopReason) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(string(reason)).Inc()
}
