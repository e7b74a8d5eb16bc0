package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	vdbhttp "vdb/internal/http"
	"vdb/pkg/cluster"
	"vdb/pkg/config"
	"vdb/pkg/listener"
	"vdb/pkg/metrics"
	"vdb/pkg/persistence"
	"vdb/pkg/raftadapter"
	"vdb/pkg/statemachine"
	"vdb/pkg/store"
)

const roleSyncInterval = time.Second

type serveFlags struct {
	configPath string
	nodeID     uint64
	endpoint   string
	port       int
	join       bool
}

func newServeCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a vdb replica",
		Long:  `Start a vdb replica. Flags override the values of the YAML config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig(f.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			f.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&f.configPath, "config", "config.yaml", "path to the YAML config")
	cmd.Flags().Uint64Var(&f.nodeID, "node-id", 0, "raft node id (overrides node.id)")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "address peers use to reach this node (overrides node.endpoint)")
	cmd.Flags().IntVar(&f.port, "port", 0, "HTTP port (overrides http-server.port)")
	cmd.Flags().BoolVar(&f.join, "join", false, "join an existing cluster instead of bootstrapping")
	return cmd
}

func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("node-id") {
		cfg.Node.ID = f.nodeID
	}
	if cmd.Flags().Changed("endpoint") {
		cfg.Node.Endpoint = f.endpoint
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("join") {
		cfg.Node.Join = f.join
	}
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := initLogger(&cfg).With("node_id", cfg.Node.ID)
	prom := metrics.NewPrometheus()

	ds := store.New(store.WithLogger(log))

	journal := persistence.New(ds, persistence.WithLogger(log), persistence.WithMetrics(prom))
	if err := journal.Init(cfg.Persistence); err != nil {
		log.Error("critical: persistence init failed", "error", err)
		return err
	}
	defer journal.Close()

	replayer := statemachine.New(ds, nil, statemachine.WithLogger(log))
	replayed, err := journal.Recover(replayer.Replay)
	if err != nil {
		log.Error("critical: recovery failed", "error", err)
		return err
	}
	log.Info("recovered data store", "replayed", replayed, "documents", ds.Len(), "last_snapshot_id", journal.LastSnapshotID())

	coord, err := raftadapter.NewCoordinator(cfg.Node, cfg.Raft, ds, journal,
		raftadapter.WithLogger(log),
		raftadapter.WithMetrics(prom),
	)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	server := vdbhttp.NewServer(coord, ds, strconv.Itoa(cfg.Server.Port),
		vdbhttp.WithSnapshotter(coord.StateMachine()),
		vdbhttp.WithLogPacker(coord.LogStore()),
		vdbhttp.WithMetricsHandler(prom.Handler()),
		vdbhttp.WithElectionBounds(cfg.Raft.ElectionTimeoutLower, cfg.Raft.ElectionTimeoutUpper),
		vdbhttp.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
		vdbhttp.WithLogger(log),
	)
	// peers must reach the raft ingress before the first election
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			log.Error("error stopping HTTP server", "error", err)
		}
	}()

	if err := coord.Start(ctx); err != nil {
		log.Error("critical: raft node did not start", "error", err)
		_ = coord.Stop()
		return err
	}
	defer func() { _ = coord.Stop() }()

	job := listener.NewSnapshotJob(coord.StateMachine(), cfg.Persistence.SnapshotInterval, log)
	job.Start(ctx)
	defer job.Stop()

	if len(cfg.Registry.ZKServers) > 0 {
		registry, err := register(ctx, cfg, coord, log)
		if err != nil {
			return err
		}
		defer registry.Close()
	}

	log.Info("vdb is running", "endpoint", cfg.Node.Endpoint, "port", cfg.Server.Port)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case <-coord.Done():
		log.Error("critical: raft loop stopped", "error", coord.Err())
		return coord.Err()
	}
}

func register(ctx context.Context, cfg config.Config, coord *raftadapter.Coordinator, log *slog.Logger) (*cluster.Registry, error) {
	registry, err := cluster.NewZKRegistry(cfg.Registry, cluster.NodeInfo{
		ID:       cfg.Node.ID,
		Endpoint: cfg.Node.Endpoint,
		Role:     coord.CurrentPeer().State,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(ctx); err != nil {
		registry.Close()
		return nil, fmt.Errorf("register in zookeeper: %w", err)
	}
	registry.SyncRole(ctx, roleSyncInterval, func() string {
		return coord.CurrentPeer().State
	})
	return registry, nil
}
