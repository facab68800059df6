package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/go-virtio/virtio-core/metrics"
)

func TestCollectorsRegisterAndObserve(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.New("blk0")

	require.NoError(t, c.Register(reg))

	c.ObserveDepth(0, 3)
	c.InterruptRaised(0)
	c.InterruptRaised(0)
	c.NotificationSuppressed(0)
	c.BackendError(0)

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				counts[f.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				counts[f.GetName()] = m.GetCounter().GetValue()
			}
		}
	}

	require.Equal(t, float64(3), counts["virtio_queue_depth"])
	require.Equal(t, float64(2), counts["virtio_interrupts_raised_total"])
	require.Equal(t, float64(1), counts["virtio_notifications_suppressed_total"])
	require.Equal(t, float64(1), counts["virtio_backend_errors_total"])
}

func TestCollectorsRegisterTwiceFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.New("net0")

	require.NoError(t, c.Register(reg))
	require.Error(t, c.Register(reg), "registering the same collectors twice must be rejected")
}
