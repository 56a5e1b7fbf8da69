// Package metrics wires the router's decision points to Prometheus
// instrumentation. These are plain instrumentation points, not a
// telemetry-setup framework: scraping/exporting is left to the process's
// embedding environment (out of scope per spec.md's "logging/telemetry
// setup" collaborator boundary).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvfleet/kvrouter/internal/router"
)

// Scheduler implements router.SchedulerMetrics backed by Prometheus
// collectors. The zero value is not usable; use NewScheduler.
type Scheduler struct {
	scheduleTotal     *prometheus.CounterVec
	noEndpointsTotal  prometheus.Counter
	hitRateOverlap    prometheus.Histogram
}

// NewScheduler registers the scheduler's collectors with reg and returns a ready
// Scheduler. Passing prometheus.NewRegistry() (rather than the global
// DefaultRegisterer) keeps tests hermetic.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{
		scheduleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvrouter_schedule_total",
			Help: "Scheduling decisions, labeled by chosen worker id.",
		}, []string{"worker_id"}),
		noEndpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvrouter_schedule_no_endpoints_total",
			Help: "Scheduling decisions that found no candidate workers.",
		}),
		hitRateOverlap: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvrouter_hit_rate_overlap_blocks",
			Help:    "Overlap blocks (cache hits) observed per scheduling decision.",
			Buckets: prometheus.LinearBuckets(0, 4, 16),
		}),
	}
	reg.MustRegister(s.scheduleTotal, s.noEndpointsTotal, s.hitRateOverlap)
	return s
}

// ObserveSchedule implements router.SchedulerMetrics.
func (s *Scheduler) ObserveSchedule(workerID router.WorkerId, _ uint64, overlapBlocks uint32) {
	s.scheduleTotal.WithLabelValues(strconv.FormatInt(int64(workerID), 10)).Inc()
	s.hitRateOverlap.Observe(float64(overlapBlocks))
}

// ObserveNoEndpoints implements router.SchedulerMetrics.
func (s *Scheduler) ObserveNoEndpoints() {
	s.noEndpointsTotal.Inc()
}
