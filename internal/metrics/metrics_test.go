package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvfleet/kvrouter/internal/router"
)

func TestScheduler_ObserveScheduleIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewScheduler(reg)

	s.ObserveSchedule(router.WorkerId(7), 128, 3)
	s.ObserveSchedule(router.WorkerId(7), 256, 5)

	assert.Equal(t, float64(2), testutil.ToFloat64(s.scheduleTotal.WithLabelValues("7")))

	count, err := gatherHistogramCount(reg, "kvrouter_hit_rate_overlap_blocks")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestScheduler_ObserveNoEndpointsIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewScheduler(reg)

	s.ObserveNoEndpoints()
	s.ObserveNoEndpoints()

	assert.Equal(t, float64(2), testutil.ToFloat64(s.noEndpointsTotal))
}

func TestScheduler_ObserveScheduleSeparatesWorkerLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewScheduler(reg)

	s.ObserveSchedule(router.WorkerId(1), 0, 0)
	s.ObserveSchedule(router.WorkerId(2), 0, 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.scheduleTotal.WithLabelValues("1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.scheduleTotal.WithLabelValues("2")))
}

func gatherHistogramCount(reg *prometheus.Registry, name string) (uint64, error) {
	families, err := reg.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount(), nil
		}
	}
	return 0, nil
}
