// Package subscriber implements the fleet-state subscriber (C2): a
// long-running task that bootstraps from and periodically checkpoints a
// compacted snapshot, consumes the durable cache-update event stream,
// and reaps stale workers and orphaned peer consumers.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/kvfleet/kvrouter/internal/metadata"
	"github.com/kvfleet/kvrouter/internal/natsutil"
	"github.com/kvfleet/kvrouter/internal/router"
)

// snapshotObjectKey is the well-known object key within the snapshot
// bucket (spec §6: "Object key: radix_state").
const snapshotObjectKey = "radix_state"

const tickInterval = 1 * time.Second

// fetchWait bounds a single dequeue attempt; expiry is the "None" outcome
// of spec §4.4's dequeue-with-timeout. Reuses natsutil's shared constant
// so the dequeue timeout has one source of truth across the module.
const fetchWait = natsutil.DefaultDequeueTimeout

// idleSelectWait bounds how long the loop blocks when nothing was ready
// under any priority, so it never spins hot.
const idleSelectWait = 50 * time.Millisecond

// Config parameterises one subscriber instance.
type Config struct {
	Component         string
	RouterUUID        string
	SnapshotThreshold uint64
	Reset             bool
}

// InstanceSource reports the currently live worker ids, used to decide
// which indexer-known workers are stale during snapshot maintenance.
type InstanceSource interface {
	Instances() []router.WorkerId
}

// Subscriber runs the C2 loop against a NATS JetStream connection.
type Subscriber struct {
	conn      *natsutil.Conn
	meta      metadata.Store
	indexer   Indexer
	instances InstanceSource
	cfg       Config

	streamName string
	objBucket  string
}

// New constructs a Subscriber. Run must be called to start it.
func New(conn *natsutil.Conn, meta metadata.Store, indexer Indexer, instances InstanceSource, cfg Config) *Subscriber {
	return &Subscriber{
		conn:       conn,
		meta:       meta,
		indexer:    indexer,
		instances:  instances,
		cfg:        cfg,
		streamName: natsutil.EventStreamName(cfg.Component),
		objBucket:  natsutil.SnapshotBucketName(cfg.Component),
	}
}

// Run bootstraps and then drives the steady-state loop until ctx is
// cancelled. It returns nil on graceful shutdown; a non-nil error is
// fatal (per spec: "a send failure to the indexer is fatal to the
// task").
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.ensureStream(); err != nil {
		return fmt.Errorf("subscriber: ensure stream: %w", err)
	}
	if err := s.bootstrap(ctx); err != nil {
		return fmt.Errorf("subscriber: bootstrap: %w", err)
	}

	sub, err := s.conn.JS.PullSubscribe("", s.cfg.RouterUUID,
		nats.Bind(s.streamName, s.cfg.RouterUUID), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("subscriber: pull subscribe: %w", err)
	}

	workerEvents, err := s.meta.WatchWorkers(ctx, s.cfg.Component)
	if err != nil {
		return fmt.Errorf("subscriber: watch workers: %w", err)
	}
	routerEvents, err := s.meta.WatchRouters(ctx, s.cfg.Component)
	if err != nil {
		return fmt.Errorf("subscriber: watch routers: %w", err)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(sub)
			return nil
		default:
		}

		select {
		case ev := <-workerEvents:
			s.handleWorkerDirectoryEvent(ev)
			continue
		default:
		}

		if msg, err := s.tryDequeue(sub); err != nil {
			return fmt.Errorf("subscriber: dequeue: %w", err)
		} else if msg != nil {
			if err := s.handleMessage(msg); err != nil {
				s.shutdown(sub)
				return fmt.Errorf("subscriber: dequeue: %w", err)
			}
			continue
		}

		select {
		case <-ticker.C:
			s.maintainSnapshot(ctx)
			continue
		default:
		}

		select {
		case ev := <-routerEvents:
			s.handlePeerDeparture(ctx, ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			s.shutdown(sub)
			return nil
		case ev := <-workerEvents:
			s.handleWorkerDirectoryEvent(ev)
		case ev := <-routerEvents:
			s.handlePeerDeparture(ctx, ev)
		case <-ticker.C:
			s.maintainSnapshot(ctx)
		case <-time.After(idleSelectWait):
		}
	}
}

func (s *Subscriber) ensureStream() error {
	subject := s.streamName + ".events"
	_, err := s.conn.JS.AddStream(&nats.StreamConfig{
		Name:     s.streamName,
		Subjects: []string{subject},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

// bootstrap implements spec §4.4's bootstrap sequence: reset-or-replay,
// then reap durable consumers orphaned from the live-routers directory.
func (s *Subscriber) bootstrap(ctx context.Context) error {
	if s.cfg.Reset {
		if err := s.conn.JS.DeleteObjectStore(s.objBucket); err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			logrus.WithError(err).Warn("kvrouter: deleting snapshot bucket on reset")
		}
	} else if err := s.replaySnapshot(); err != nil {
		logrus.WithError(err).Warn("kvrouter: replaying snapshot; continuing without it")
	}
	return s.reapOrphanedConsumers(ctx)
}

func (s *Subscriber) replaySnapshot() error {
	store, err := s.conn.JS.ObjectStore(s.objBucket)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil // no snapshot bucket yet; not an error
		}
		return err
	}
	data, err := store.GetBytes(snapshotObjectKey)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil
		}
		return err
	}
	var events []RouterEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	for _, ev := range events {
		if err := s.indexer.Apply(ev); err != nil {
			return fmt.Errorf("replay event for worker %d: %w", ev.WorkerID, err)
		}
	}
	return nil
}

func (s *Subscriber) reapOrphanedConsumers(ctx context.Context) error {
	liveRouters, err := s.meta.ListRouterUUIDs(ctx, s.cfg.Component)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(liveRouters))
	for _, id := range liveRouters {
		live[id] = struct{}{}
	}

	for info := range s.conn.JS.ConsumersInfo(s.streamName) {
		name := info.Name
		if name == s.cfg.RouterUUID {
			continue
		}
		if _, ok := live[name]; ok {
			continue
		}
		if err := s.conn.JS.DeleteConsumer(s.streamName, name); err != nil {
			logrus.WithError(err).WithField("consumer", name).Warn("kvrouter: reaping orphaned consumer")
		}
	}
	return nil
}

func (s *Subscriber) tryDequeue(sub *nats.Subscription) (*nats.Msg, error) {
	msgs, err := sub.Fetch(1, nats.MaxWait(fetchWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// handleMessage decodes and applies a single event. A decode failure is
// skipped (the message is malformed, not the indexer's fault); an Apply
// failure is fatal to the task, per spec: a send failure to the indexer
// leaves the stream un-acked for redelivery to whichever router survives.
func (s *Subscriber) handleMessage(msg *nats.Msg) error {
	ev, err := DecodeRouterEvent(msg.Data)
	if err != nil {
		logrus.WithError(err).Warn("kvrouter: decoding router event; skipping")
		_ = msg.Ack()
		return nil
	}
	if err := s.indexer.Apply(ev); err != nil {
		return fmt.Errorf("applying router event for worker %d: %w", ev.WorkerID, err)
	}
	_ = msg.Ack()
	return nil
}

// handleWorkerDirectoryEvent translates a Delete on the generate
// directory into a RemoveWorker call (spec §4.4 "Worker reaping").
func (s *Subscriber) handleWorkerDirectoryEvent(ev metadata.Event) {
	if ev.Op != metadata.OpDelete {
		return
	}
	id, ok := metadata.ParseHexWorkerID(ev.Key)
	if !ok {
		logrus.WithField("key", ev.Key).Warn("kvrouter: malformed generate-directory key; skipping")
		return
	}
	if err := s.indexer.RemoveWorker(router.WorkerId(id)); err != nil {
		logrus.WithError(err).WithField("worker_id", id).Error("kvrouter: reaping departed worker")
	}
}

// handlePeerDeparture implements spec §4.4's "Peer cleanup": a Delete
// whose key is this component's own consumer-id namespace is a peer
// router departure; never self.
func (s *Subscriber) handlePeerDeparture(ctx context.Context, ev metadata.Event) {
	if ev.Op != metadata.OpDelete {
		return
	}
	if ev.Key == s.cfg.RouterUUID {
		return
	}
	lock, err := s.meta.AcquireLock(ctx, "cleanup_lock", s.cfg.Component)
	if err != nil {
		if errors.Is(err, metadata.ErrLockHeld) {
			return
		}
		logrus.WithError(err).Warn("kvrouter: acquiring cleanup lock")
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			logrus.WithError(err).Warn("kvrouter: releasing cleanup lock")
		}
	}()

	if err := s.conn.JS.DeleteConsumer(s.streamName, ev.Key); err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		logrus.WithError(err).WithField("consumer", ev.Key).Warn("kvrouter: deleting peer consumer")
	}
}

// maintainSnapshot implements spec §4.4's "Snapshot maintenance": purge
// before snapshot is deliberate, since events are idempotent it reduces
// re-processing for warm-starting routers while preserving at-least-once
// delivery.
func (s *Subscriber) maintainSnapshot(ctx context.Context) {
	info, err := s.conn.JS.StreamInfo(s.streamName)
	if err != nil {
		logrus.WithError(err).Warn("kvrouter: querying stream depth")
		return
	}
	if info.State.Msgs <= s.cfg.SnapshotThreshold {
		return
	}

	lock, err := s.meta.AcquireLock(ctx, "snapshot_lock", s.cfg.Component)
	if err != nil {
		if !errors.Is(err, metadata.ErrLockHeld) {
			logrus.WithError(err).Warn("kvrouter: acquiring snapshot lock")
		}
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			logrus.WithError(err).Warn("kvrouter: releasing snapshot lock")
		}
	}()

	if s.instances != nil {
		live := make(map[router.WorkerId]struct{})
		for _, id := range s.instances.Instances() {
			live[id] = struct{}{}
		}
		for _, id := range s.indexer.Workers() {
			if _, ok := live[id]; !ok {
				if err := s.indexer.RemoveWorker(id); err != nil {
					logrus.WithError(err).WithField("worker_id", id).Warn("kvrouter: removing stale worker during snapshot")
				}
			}
		}
	}

	if err := s.conn.JS.PurgeStream(s.streamName); err != nil {
		logrus.WithError(err).Warn("kvrouter: purging stream before snapshot")
	}

	dump := s.indexer.Dump()
	data, err := json.Marshal(dump)
	if err != nil {
		logrus.WithError(err).Error("kvrouter: marshalling snapshot dump")
		return
	}

	store, err := s.conn.JS.ObjectStore(s.objBucket)
	if errors.Is(err, nats.ErrStreamNotFound) {
		store, err = s.conn.JS.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: s.objBucket})
	}
	if err != nil {
		logrus.WithError(err).Warn("kvrouter: opening snapshot bucket")
		return
	}
	if _, err := store.PutBytes(snapshotObjectKey, data); err != nil {
		logrus.WithError(err).Warn("kvrouter: uploading snapshot")
	}
}

// shutdown attempts a graceful durable-consumer teardown; best-effort,
// per spec §4.4: "ungraceful crashes leave the consumer for peers to
// reap."
func (s *Subscriber) shutdown(sub *nats.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		logrus.WithError(err).Warn("kvrouter: shutting down durable consumer")
	}
}
