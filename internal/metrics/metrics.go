// Package metrics records client and assertion outcomes in a private
// Prometheus registry that can be written to a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmerrifield20/idevicepower/pkg/power"
)

// Recorder holds the collectors for one process.
type Recorder struct {
	registry *prometheus.Registry

	operationsTotal  *prometheus.CounterVec
	receiveDuration  prometheus.Histogram
	assertionsTotal  *prometheus.CounterVec
	holdSecondsTotal prometheus.Counter
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idevicepower_client_operations_total",
			Help: "Total assertion client operations by operation and result code.",
		}, []string{"op", "code"}),
		receiveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idevicepower_receive_duration_seconds",
			Help:    "Time spent waiting for a response document.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		assertionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idevicepower_assertions_total",
			Help: "Total assertion attempts by type and result.",
		}, []string{"type", "result"}),
		holdSecondsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idevicepower_hold_seconds_total",
			Help: "Total seconds spent holding assertions open.",
		}),
	}
	r.registry.MustRegister(r.operationsTotal, r.receiveDuration, r.assertionsTotal, r.holdSecondsTotal)
	return r
}

// ObserveOperation implements power.Observer.
func (r *Recorder) ObserveOperation(op string, code power.ErrorCode, elapsed time.Duration) {
	r.operationsTotal.WithLabelValues(op, code.String()).Inc()
	if op == "receive" {
		r.receiveDuration.Observe(elapsed.Seconds())
	}
}

// RecordAssertion records the result of one send/acknowledge exchange.
func (r *Recorder) RecordAssertion(t power.AssertionType, success bool) {
	if success {
		r.assertionsTotal.WithLabelValues(string(t), "success").Inc()
	} else {
		r.assertionsTotal.WithLabelValues(string(t), "failure").Inc()
	}
}

// RecordHold adds d to the hold counter.
func (r *Recorder) RecordHold(d time.Duration) {
	r.holdSecondsTotal.Add(d.Seconds())
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
