package provision

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce      sync.Once
	operationResults *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		operationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudwrap",
			Subsystem: "provision",
			Name:      "operation_results_total",
			Help:      "Number of provisioning operation outcomes",
		}, []string{"action", "outcome"})

		if err := prometheus.Register(operationResults); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					operationResults = existing
				}
			}
		}
	})
}

func recordOutcome(action Action, outcome string) {
	if operationResults == nil {
		return
	}
	operationResults.With(prometheus.Labels{"action": string(action), "outcome": outcome}).Inc()
}
