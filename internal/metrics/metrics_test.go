package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectorsRegistered(t *testing.T) {
	ChannelOps.WithLabelValues("pipe", "write").Inc()
	ChannelBytes.WithLabelValues("pipe", "write").Add(11)
	AcceptReadiness.WithLabelValues("epoll", OutcomeReady).Inc()

	assert.Equal(t, float64(11), CounterValue(ChannelBytes.WithLabelValues("pipe", "write")))

	families, err := Registry.Gather()
	assert.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "forkipc_channel_ops_total")
	assert.Contains(t, names, "forkipc_channel_bytes_total")
	assert.Contains(t, names, "forkipc_accept_readiness_total")
}
