// Package metadata models the persistent metadata store used for router
// and worker membership directories and the two named distributed locks
// (snapshot_lock, cleanup_lock). The collaborator is out of scope per
// spec, so Store is a small interface; NATSStore is the one concrete,
// NATS-KV-backed implementation the subscriber actually runs against.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/kvfleet/kvrouter/internal/natsutil"
)

// ErrLockHeld is returned by AcquireLock when another owner already holds
// the named lock.
var ErrLockHeld = errors.New("metadata: lock held")

// Op distinguishes a directory Put from a Delete in a watch Event.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

// Event is a single change observed on a watched directory prefix.
type Event struct {
	Op  Op
	Key string // the final path segment, e.g. a router UUID or hex worker id
}

// Lock is a held, lease-bound distributed lock. It must be released by
// its holder; an unreleased lock expires on its own after the bucket's
// TTL, which is what makes it crash-safe.
type Lock interface {
	Release(ctx context.Context) error
}

// Store is the metadata-store collaborator: router/worker membership
// directories plus named locks, both scoped per component.
type Store interface {
	RegisterRouter(ctx context.Context, component, routerUUID string) error
	DeregisterRouter(ctx context.Context, component, routerUUID string) error
	WatchRouters(ctx context.Context, component string) (<-chan Event, error)
	WatchWorkers(ctx context.Context, component string) (<-chan Event, error)
	ListRouterUUIDs(ctx context.Context, component string) ([]string, error)
	AcquireLock(ctx context.Context, name, component string) (Lock, error)
}

// lockTTL bounds how long an unreleased lock survives a crashed holder.
const lockTTL = 30 * time.Second

// NATSStore backs Store with a NATS JetStream key-value bucket, one
// bucket per component, matching the layout in spec §6:
//
//	/routers/{component}/{router_uuid}
//	/generate/{component}/...:{hex_worker_id}
//	snapshot_lock/{component}, cleanup_lock/{component}
type NATSStore struct {
	conn *natsutil.Conn
}

// NewNATSStore wraps an established connection.
func NewNATSStore(conn *natsutil.Conn) *NATSStore {
	return &NATSStore{conn: conn}
}

func (s *NATSStore) bucket(component string) (nats.KeyValue, error) {
	name := natsutil.RouterDirectoryBucket(component)
	kv, err := s.conn.JS.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	return s.conn.JS.CreateKeyValue(&nats.KeyValueConfig{
		Bucket: name,
		TTL:    lockTTL,
	})
}

func routerKey(component, routerUUID string) string {
	return fmt.Sprintf("routers.%s.%s", natsutil.Slugify(component), routerUUID)
}

func workerKeyPrefix(component string) string {
	return fmt.Sprintf("generate.%s.", natsutil.Slugify(component))
}

func lockKey(name, component string) string {
	return fmt.Sprintf("%s.%s", name, natsutil.Slugify(component))
}

// RegisterRouter publishes this router's liveness entry. Callers are
// expected to re-register periodically to refresh the lease; the bucket
// TTL reclaims the entry if a router crashes without deregistering.
func (s *NATSStore) RegisterRouter(_ context.Context, component, routerUUID string) error {
	kv, err := s.bucket(component)
	if err != nil {
		return fmt.Errorf("metadata: bucket: %w", err)
	}
	_, err = kv.Put(routerKey(component, routerUUID), []byte(routerUUID))
	return err
}

// DeregisterRouter removes the router's liveness entry on graceful exit.
func (s *NATSStore) DeregisterRouter(_ context.Context, component, routerUUID string) error {
	kv, err := s.bucket(component)
	if err != nil {
		return fmt.Errorf("metadata: bucket: %w", err)
	}
	if err := kv.Delete(routerKey(component, routerUUID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return err
	}
	return nil
}

// ListRouterUUIDs lists the UUIDs currently present in the live-routers
// directory for component.
func (s *NATSStore) ListRouterUUIDs(_ context.Context, component string) ([]string, error) {
	kv, err := s.bucket(component)
	if err != nil {
		return nil, fmt.Errorf("metadata: bucket: %w", err)
	}
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	prefix := fmt.Sprintf("routers.%s.", natsutil.Slugify(component))
	var ids []string
	for _, k := range keys {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, rest)
		}
	}
	return ids, nil
}

// WatchRouters streams Put/Delete events on the live-routers directory
// for component. The returned channel is closed when ctx is done.
func (s *NATSStore) WatchRouters(ctx context.Context, component string) (<-chan Event, error) {
	return s.watchPrefix(ctx, component, fmt.Sprintf("routers.%s.*", natsutil.Slugify(component)))
}

// WatchWorkers streams Put/Delete events on the live-worker (generate)
// directory for component; a Delete is the signal the subscriber
// translates into worker reaping.
func (s *NATSStore) WatchWorkers(ctx context.Context, component string) (<-chan Event, error) {
	return s.watchPrefix(ctx, component, fmt.Sprintf("generate.%s.>", natsutil.Slugify(component)))
}

func (s *NATSStore) watchPrefix(ctx context.Context, component, keyPattern string) (<-chan Event, error) {
	kv, err := s.bucket(component)
	if err != nil {
		return nil, fmt.Errorf("metadata: bucket: %w", err)
	}
	w, err := kv.Watch(keyPattern)
	if err != nil {
		return nil, fmt.Errorf("metadata: watch %q: %w", keyPattern, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() {
			if err := w.Stop(); err != nil {
				logrus.WithError(err).Warn("kvrouter: stopping metadata watcher")
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// nil marks end-of-initial-state; not a real event.
					continue
				}
				ev := Event{Key: lastSegment(entry.Key())}
				if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
					ev.Op = OpDelete
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func lastSegment(key string) string {
	parts := strings.Split(key, ".")
	return parts[len(parts)-1]
}

// ParseHexWorkerID extracts the hex worker id suffix from a generate-
// directory key of the form "...:{hex_worker_id}" (spec §6). Malformed
// keys (no colon, or a non-hex suffix) return ok=false; callers log and
// skip rather than failing the reap loop.
func ParseHexWorkerID(key string) (id int64, ok bool) {
	idx := strings.LastIndexByte(key, ':')
	if idx < 0 || idx == len(key)-1 {
		return 0, false
	}
	hexPart := key[idx+1:]
	n, err := fmt.Sscanf(hexPart, "%x", &id)
	if err != nil || n != 1 {
		return 0, false
	}
	return id, true
}

// natsLock implements Lock over a single KV entry, created exclusively
// via kv.Create and released via a revision-checked delete.
type natsLock struct {
	kv       nats.KeyValue
	key      string
	revision uint64
	token    string
}

// AcquireLock attempts to take the named, component-scoped lock
// (snapshot_lock or cleanup_lock) with a lease bound to the bucket TTL.
// Returns ErrLockHeld if another owner currently holds it.
func (s *NATSStore) AcquireLock(_ context.Context, name, component string) (Lock, error) {
	kv, err := s.bucket(component)
	if err != nil {
		return nil, fmt.Errorf("metadata: bucket: %w", err)
	}
	key := lockKey(name, component)
	token := uuid.NewString()
	rev, err := kv.Create(key, []byte(token))
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("metadata: acquire lock %q: %w", key, err)
	}
	return &natsLock{kv: kv, key: key, revision: rev, token: token}, nil
}

// Release deletes the lock key, guarded by the revision observed at
// acquire time so a stale holder can never clobber a newer lease.
func (l *natsLock) Release(_ context.Context) error {
	if err := l.kv.Delete(l.key, nats.LastRevision(l.revision)); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("metadata: release lock %q: %w", l.key, err)
	}
	return nil
}
