package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Metric names.
	MetricNameRequests      = "carousel_fleet_requests_total"
	MetricNameErrors        = "carousel_fleet_errors_total"
	MetricNamePollCycles    = "carousel_fleet_poll_cycles_total"
	MetricNameStatusUpdates = "carousel_fleet_status_updates_total"

	// Labels.
	MetricLabelOperation = "operation"
	MetricLabelMachine   = "machine"
	MetricLabelCode      = "code"

	// Operations.
	MetricOperationStatus  = "status"
	MetricOperationCommand = "command"
	MetricOperationMove    = "move"
)

type Metrics struct {
	Requests      *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	PollCycles    *prometheus.CounterVec
	StatusUpdates *prometheus.CounterVec
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNameRequests,
				Help: "Number of fleet operations requested",
			},
			[]string{MetricLabelOperation, MetricLabelMachine},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNameErrors,
				Help: "Number of fleet operations that failed, by error code",
			},
			[]string{MetricLabelCode, MetricLabelMachine},
		),
		PollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNamePollCycles,
				Help: "Number of status poll cycles executed",
			},
			[]string{MetricLabelMachine},
		),
		StatusUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNameStatusUpdates,
				Help: "Number of status changes published to the bus",
			},
			[]string{MetricLabelMachine},
		),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(m.Requests, m.Errors, m.PollCycles, m.StatusUpdates)
}
