// Package natsutil bundles the NATS JetStream plumbing shared by the
// subscriber (durable event stream, snapshot object store) and the
// addressed transport (request/reply, response-stream registration): the
// shared connection type, connect/close, and stream and bucket naming.
// The component packages still call github.com/nats-io/nats.go directly
// through Conn's NC and JS fields.
package natsutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Conn bundles a core NATS connection with its JetStream context.
type Conn struct {
	NC *nats.Conn
	JS nats.JetStreamContext
}

// Connect dials serverURL and opens a JetStream context.
func Connect(serverURL string) (*Conn, error) {
	nc, err := nats.Connect(serverURL, nats.Name("kvrouter"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natsutil: connect %q: %w", serverURL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsutil: jetstream context: %w", err)
	}
	return &Conn{NC: nc, JS: js}, nil
}

// Close tears down the connection.
func (c *Conn) Close() {
	if c != nil && c.NC != nil {
		c.NC.Close()
	}
}

// Slugify lower-cases and replaces underscores with dashes, matching
// original_source's `Slug::slugify(...).replace("_", "-")` naming
// convention for streams and buckets derived from a component name.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

// EventStreamName is the durable stream name for a component's cache
// update events: slug(component + "." + "kv-events").
func EventStreamName(component string) string {
	return Slugify(component + "." + "kv_events")
}

// SnapshotBucketName is the object-store bucket name for a component's
// compacted snapshot: slug(component + "-radix-state").
func SnapshotBucketName(component string) string {
	return Slugify(component + "-radix_state")
}

// RouterDirectoryBucket is the KV bucket backing the live-router and
// live-worker membership directories and the two named locks.
func RouterDirectoryBucket(component string) string {
	return Slugify(component + "-kvrouter_directory")
}

// DefaultDequeueTimeout bounds a single stream-dequeue attempt before
// yielding a benign "no message" result (spec §4.4, §5). Kept short so the
// subscriber's priority-polling loop revisits cancellation, worker-
// departure, tick, and peer-departure sources often rather than blocking
// inside one dequeue call.
const DefaultDequeueTimeout = 250 * time.Millisecond
