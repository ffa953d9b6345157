// Package metrics holds the Prometheus collectors shared by the channel and
// acceptor packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Registry is the registry every forkipc collector is registered with.
var Registry = prometheus.NewRegistry()

var (
	// ChannelOps counts channel operations by channel kind and operation.
	ChannelOps = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkipc_channel_ops_total",
			Help: "Total number of channel operations",
		},
		[]string{"kind", "op"},
	)
	// ChannelBytes counts payload bytes moved by reads and writes.
	ChannelBytes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkipc_channel_bytes_total",
			Help: "Total number of payload bytes transferred",
		},
		[]string{"kind", "op"},
	)
	// ChannelErrors counts failed channel operations.
	ChannelErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkipc_channel_errors_total",
			Help: "Total number of failed channel operations",
		},
		[]string{"kind", "op"},
	)
	// AcceptReadiness counts acceptor outcomes by strategy.
	AcceptReadiness = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkipc_accept_readiness_total",
			Help: "Total number of readiness waits by outcome",
		},
		[]string{"strategy", "outcome"},
	)
)

// Readiness outcomes.
const (
	OutcomeReady   = "ready"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// CounterValue reads the current value of c.
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
