package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kvfleet/kvrouter/internal/config"
	"github.com/kvfleet/kvrouter/internal/discovery"
	"github.com/kvfleet/kvrouter/internal/metadata"
	"github.com/kvfleet/kvrouter/internal/metrics"
	"github.com/kvfleet/kvrouter/internal/natsutil"
	"github.com/kvfleet/kvrouter/internal/rng"
	"github.com/kvfleet/kvrouter/internal/router"
	"github.com/kvfleet/kvrouter/internal/subscriber"
)

var (
	resetState bool
	logLevel   string
	seed       int64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop, subscriber loop, and membership monitor",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&resetState, "reset", false, "delete the snapshot bucket on startup instead of replaying it")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().Int64Var(&seed, "seed", 0, "RNG seed for softmax sampling (0 derives from a random source)")
}

func runServe(cmd *cobra.Command, args []string) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("kvrouter: invalid log level %q: %v", logLevel, err)
	}
	logrus.SetLevel(level)

	cfg := config.DefaultEnvConfig()
	if err := config.LoadYAML(configPath, &cfg); err != nil {
		logrus.Fatalf("kvrouter: loading config: %v", err)
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		logrus.Fatalf("kvrouter: applying environment: %v", err)
	}
	if err := cfg.Router.Validate(); err != nil {
		logrus.Fatalf("kvrouter: invalid router config: %v", err)
	}
	cfg.ResetState = resetState

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := natsutil.Connect(cfg.NATSServer)
	if err != nil {
		logrus.Fatalf("kvrouter: connecting to %s: %v", cfg.NATSServer, err)
	}
	defer conn.Close()

	routerUUID := uuid.NewString()
	metaStore := metadata.NewNATSStore(conn)
	if err := metaStore.RegisterRouter(ctx, cfg.Component, routerUUID); err != nil {
		logrus.Fatalf("kvrouter: registering router identity: %v", err)
	}
	defer func() {
		shutdownCtx := context.Background()
		if err := metaStore.DeregisterRouter(shutdownCtx, cfg.Component, routerUUID); err != nil {
			logrus.WithError(err).Warn("kvrouter: deregistering router identity")
		}
	}()

	membership, err := discovery.NewMetadataMembership(ctx, metaStore, cfg.Component)
	if err != nil {
		logrus.Fatalf("kvrouter: starting membership watch: %v", err)
	}

	sequences := router.NewActiveSequences(cfg.BlockSize, nil)
	publisher := router.NewNATSPublisher(conn, cfg.Component)
	sequences.Gossip = publisher

	var selectorRNG *rng.Partitioned
	if seed != 0 {
		selectorRNG = rng.NewPartitioned(rng.Seed(seed))
	}
	selector := router.NewDefaultSelector(cfg.Router, cfg.ISLGate, selectorRNG)
	sched := router.NewScheduler(sequences, selector, cfg.BlockSize, publisher)

	reg := prometheus.NewRegistry()
	sched.Metrics = metrics.NewScheduler(reg)

	indexer := subscriber.NewMemoryIndexer()
	sub := subscriber.New(conn, metaStore, indexer, membership, subscriber.Config{
		Component:         cfg.Component,
		RouterUUID:        routerUUID,
		SnapshotThreshold: cfg.SnapshotEvery,
		Reset:             cfg.ResetState,
	})

	scheduleSubject := fmt.Sprintf("kvrouter.%s.schedule", natsutil.Slugify(cfg.Component))
	scheduleSub, err := conn.NC.Subscribe(scheduleSubject, scheduleHandler(ctx, sched))
	if err != nil {
		logrus.Fatalf("kvrouter: subscribing to %s: %v", scheduleSubject, err)
	}
	defer scheduleSub.Unsubscribe()

	go router.RunMembershipMonitor(ctx, sched, membership, membership)
	go func() {
		if err := sub.Run(ctx); err != nil {
			logrus.WithError(err).Error("kvrouter: subscriber loop exited")
			stop()
		}
	}()

	logrus.WithFields(logrus.Fields{
		"component":   cfg.Component,
		"router_uuid": routerUUID,
		"nats_server": cfg.NATSServer,
	}).Info("kvrouter: serving")

	sched.Run(ctx)
	logrus.Info("kvrouter: shutdown complete")
}

// scheduleHandler decodes a JSON SchedulingRequest off the wire, invokes
// the scheduler, and replies with a JSON SchedulingResponse or error
// string. This is the NATS-facing surface for spec.md §6's otherwise
// in-process "schedule" caller API.
type wireScheduleRequest struct {
	RequestID    *string               `json:"request_id,omitempty"`
	BlockHashes  []router.SequenceHash `json:"block_hashes,omitempty"`
	ISLTokens    uint64                `json:"isl_tokens"`
	Overlaps     router.OverlapScores  `json:"overlaps,omitempty"`
	UpdateStates bool                  `json:"update_states"`
}

type wireScheduleResponse struct {
	WorkerID      router.WorkerId `json:"worker_id,omitempty"`
	OverlapBlocks uint32          `json:"overlap_blocks,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func scheduleHandler(ctx context.Context, sched *router.Scheduler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var wireReq wireScheduleRequest
		if err := json.Unmarshal(msg.Data, &wireReq); err != nil {
			respondSchedule(msg, wireScheduleResponse{Error: err.Error()})
			return
		}

		resp, err := sched.Schedule(ctx, &router.SchedulingRequest{
			RequestID:    wireReq.RequestID,
			BlockHashes:  wireReq.BlockHashes,
			ISLTokens:    wireReq.ISLTokens,
			Overlaps:     wireReq.Overlaps,
			UpdateStates: wireReq.UpdateStates,
		})
		if err != nil {
			respondSchedule(msg, wireScheduleResponse{Error: err.Error()})
			return
		}
		respondSchedule(msg, wireScheduleResponse{WorkerID: resp.WorkerID, OverlapBlocks: resp.OverlapBlocks})
	}
}

func respondSchedule(msg *nats.Msg, resp wireScheduleResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logrus.WithError(err).Error("kvrouter: marshalling schedule response")
		return
	}
	if err := msg.Respond(data); err != nil {
		logrus.WithError(err).Warn("kvrouter: replying to schedule request")
	}
}
