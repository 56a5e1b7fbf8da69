package router

import (
	"context"

	"github.com/sirupsen/logrus"
)

// InstanceSource is a change-notified view of the live worker id set,
// sourced from the metadata store's membership directory (only the
// interface is defined here; production wiring is internal/discovery's
// MetadataMembership).
type InstanceSource interface {
	Changed() <-chan struct{}
	Instances() []WorkerId
}

// RuntimeConfigSource is a change-notified view of per-worker runtime
// configs.
type RuntimeConfigSource interface {
	Changed() <-chan struct{}
	Configs() map[WorkerId]*WorkerRuntimeConfig
}

// RunMembershipMonitor is the sibling task described in spec §4.3: on any
// change to either source it recomputes the candidate worker set and
// pushes it into the scheduler (which in turn updates F1 and its own
// worker→config snapshot). It runs until ctx is cancelled.
func RunMembershipMonitor(ctx context.Context, sched *Scheduler, instances InstanceSource, configs RuntimeConfigSource) {
	logrus.Trace("kvrouter: membership monitor started")
	apply := func() {
		sched.UpdateWorkers(mergeWorkers(instances.Instances(), configs.Configs()))
	}
	apply()
	for {
		select {
		case <-ctx.Done():
			logrus.Trace("kvrouter: membership monitor shutting down")
			return
		case <-instances.Changed():
			apply()
		case <-configs.Changed():
			apply()
		}
	}
}

func mergeWorkers(ids []WorkerId, configs map[WorkerId]*WorkerRuntimeConfig) map[WorkerId]*WorkerRuntimeConfig {
	out := make(map[WorkerId]*WorkerRuntimeConfig, len(ids))
	for _, id := range ids {
		out[id] = configs[id]
	}
	return out
}
