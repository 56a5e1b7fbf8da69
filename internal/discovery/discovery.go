// Package discovery adapts the metadata store's live-worker directory
// into the router package's InstanceSource/RuntimeConfigSource
// interfaces, so the membership monitor has a concrete source to watch.
// Per-worker runtime capabilities (disaggregation mode, total blocks)
// come from the generate-endpoint registration payload itself, which is
// produced by the external worker fleet and out of scope here; Configs
// reports nil for every known id, which WorkerRuntimeConfig treats as
// "no override" (IsPDSeparated() == false).
package discovery

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvfleet/kvrouter/internal/metadata"
	"github.com/kvfleet/kvrouter/internal/router"
)

// MetadataMembership watches a metadata.Store's generate-endpoint
// directory and maintains the live WorkerId set.
type MetadataMembership struct {
	mu      sync.RWMutex
	workers map[router.WorkerId]struct{}
	changed chan struct{}
}

// NewMetadataMembership starts watching component's worker directory on
// store. The returned value is usable immediately with an empty worker
// set; it populates as directory events arrive.
func NewMetadataMembership(ctx context.Context, store metadata.Store, component string) (*MetadataMembership, error) {
	events, err := store.WatchWorkers(ctx, component)
	if err != nil {
		return nil, err
	}
	m := &MetadataMembership{
		workers: make(map[router.WorkerId]struct{}),
		changed: make(chan struct{}, 1),
	}
	go m.run(ctx, events)
	return m, nil
}

func (m *MetadataMembership) run(ctx context.Context, events <-chan metadata.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ev)
		}
	}
}

func (m *MetadataMembership) apply(ev metadata.Event) {
	id, ok := metadata.ParseHexWorkerID(ev.Key)
	if !ok {
		logrus.WithField("key", ev.Key).Warn("kvrouter: malformed worker directory key in membership watch")
		return
	}
	wid := router.WorkerId(id)

	m.mu.Lock()
	switch ev.Op {
	case metadata.OpPut:
		m.workers[wid] = struct{}{}
	case metadata.OpDelete:
		delete(m.workers, wid)
	}
	m.mu.Unlock()

	m.notify()
}

func (m *MetadataMembership) notify() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Changed implements router.InstanceSource and router.RuntimeConfigSource.
func (m *MetadataMembership) Changed() <-chan struct{} {
	return m.changed
}

// Instances implements router.InstanceSource.
func (m *MetadataMembership) Instances() []router.WorkerId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]router.WorkerId, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// Configs implements router.RuntimeConfigSource. Every known id maps to
// nil: runtime capability metadata beyond liveness is supplied by the
// worker fleet out-of-process.
func (m *MetadataMembership) Configs() map[router.WorkerId]*router.WorkerRuntimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfgs := make(map[router.WorkerId]*router.WorkerRuntimeConfig, len(m.workers))
	for id := range m.workers {
		cfgs[id] = nil
	}
	return cfgs
}
