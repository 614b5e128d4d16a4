package webhook

import "github.com/prometheus/client_golang/prometheus"

// Deliveries exposes the delivery counters for tests.
func (d *Dispatcher) Deliveries() *prometheus.CounterVec {
	return d.deliveries
}
