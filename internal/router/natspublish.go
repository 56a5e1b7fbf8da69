package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kvfleet/kvrouter/internal/natsutil"
)

// hitRateSubject is the NATS core-pub subject for KVHitRateEvent (spec §6).
const hitRateSubject = "kv_hit_rate"

// NATSPublisher implements both HitRatePublisher and ReplicaGossip over
// NATS core pub/sub, matching SPEC_FULL.md §4.1/§4.3: replica-sync and
// hit-rate publication are both best-effort, fire-and-forget operations.
type NATSPublisher struct {
	conn      *natsutil.Conn
	component string
}

// NewNATSPublisher wraps an established connection for component.
func NewNATSPublisher(conn *natsutil.Conn, component string) *NATSPublisher {
	return &NATSPublisher{conn: conn, component: component}
}

// Publish implements HitRatePublisher.
func (p *NATSPublisher) Publish(_ context.Context, event KVHitRateEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("router: encoding hit-rate event: %w", err)
	}
	return p.conn.NC.Publish(hitRateSubject, data)
}

func gossipSubject(component string) string {
	return "kvrouter." + natsutil.Slugify(component) + ".gossip"
}

// gossipMessage is the wire shape for best-effort peer-router replica
// sync, fire-and-forget over NATS core pub/sub.
type gossipMessage struct {
	Op          string         `json:"op"` // "add" or "free"
	RequestID   string         `json:"request_id"`
	BlockHashes []SequenceHash `json:"block_hashes,omitempty"`
	ISLTokens   uint64         `json:"isl_tokens,omitempty"`
	Overlap     uint32         `json:"overlap,omitempty"`
	WorkerID    WorkerId       `json:"worker_id,omitempty"`
}

// GossipAdd implements ReplicaGossip.
func (p *NATSPublisher) GossipAdd(requestID string, blockHashes []SequenceHash, islTokens uint64, overlap uint32, workerID WorkerId) {
	p.publishGossip(gossipMessage{
		Op: "add", RequestID: requestID, BlockHashes: blockHashes,
		ISLTokens: islTokens, Overlap: overlap, WorkerID: workerID,
	})
}

// GossipFree implements ReplicaGossip.
func (p *NATSPublisher) GossipFree(requestID string) {
	p.publishGossip(gossipMessage{Op: "free", RequestID: requestID})
}

func (p *NATSPublisher) publishGossip(msg gossipMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithError(err).Warn("kvrouter: encoding gossip message")
		return
	}
	if err := p.conn.NC.Publish(gossipSubject(p.component), data); err != nil {
		logrus.WithError(err).Warn("kvrouter: publishing gossip message")
	}
}
