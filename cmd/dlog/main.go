package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	dloghttp "dlog/internal/http"
	"dlog/internal/server"
	"dlog/pkg/cluster"
	"dlog/pkg/consensus"
	"dlog/pkg/epoch"
	"dlog/pkg/metrics"
	"dlog/pkg/replication"
	"dlog/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	copySet, peerAddrs, err := parseCopySet(cfg.Replication.CopySet)
	if err != nil {
		slog.Error("invalid replication config", "error", err)
		os.Exit(1)
	}

	coordinatorID := types.CoordinatorID(cfg.Node.CoordinatorID)
	var registry *cluster.CoordinatorRegistry
	if cfg.ZooKeeper.Enabled {
		registry, err = cluster.NewCoordinatorRegistry(cfg.ZooKeeper.Servers, cfg.ZooKeeper.RootPath, types.NodeID(cfg.Node.NodeID))
		if err != nil {
			slog.Error("failed to connect to zookeeper", "error", err)
			os.Exit(1)
		}
		defer registry.Close()

		coordinatorID, err = registry.ClaimCoordinatorID()
		if err != nil {
			slog.Error("failed to claim coordinator id", "error", err)
			os.Exit(1)
		}
		slog.Info("claimed coordinator id", "coordinator_id", coordinatorID)
	}

	var (
		consensusNode *consensus.Node
		epochQuorum   epoch.Consensus
	)
	if cfg.Consensus.Enabled {
		peers := make([]consensus.Peer, 0, len(cfg.Consensus.Peers))
		for _, p := range cfg.Consensus.Peers {
			peers = append(peers, consensus.Peer{ID: p.ID, Address: p.Address})
		}
		consensusNode, err = consensus.NewNode(consensus.Config{
			ID:            cfg.Consensus.ID,
			Peers:         peers,
			ElectionTick:  cfg.Consensus.ElectionTick,
			HeartbeatTick: cfg.Consensus.HeartbeatTick,
			CheckQuorum:   cfg.Consensus.CheckQuorum,
			PreVote:       cfg.Consensus.PreVote,
		})
		if err != nil {
			slog.Error("failed to create consensus node", "error", err)
			os.Exit(1)
		}
		epochQuorum = consensusNode
	} else {
		epochQuorum = consensus.NewLocal()
	}

	partitions := make([]types.PartitionID, 0, len(cfg.Node.Partitions))
	for _, p := range cfg.Node.Partitions {
		partitions = append(partitions, types.PartitionID(p))
	}

	core, err := server.New(server.Options{
		NodeID:        types.NodeID(cfg.Node.NodeID),
		CoordinatorID: coordinatorID,
		DataDir:       cfg.Node.DataDir,
		Partitions:    partitions,
		Consensus:     epochQuorum,
		Transport:     dloghttp.NewReplicaTransport(peerAddrs),
		Replication: replication.Config{
			Self:            types.NodeID(cfg.Node.NodeID),
			CopySet:         copySet,
			WriteQuorum:     cfg.Replication.WriteQuorum,
			ISRLagThreshold: types.Offset(cfg.Replication.ISRLagThreshold),
			Mode:            replication.QuorumMode(cfg.Replication.QuorumMode),
		},
		ReplicateTimeout: cfg.Replication.Timeout,
		Collector:        metrics.SlogCollector{},
	})
	if err != nil {
		slog.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	// Committed epoch transitions reach every group member through the
	// apply path, proposer or not.
	if consensusNode != nil {
		consensusNode.SetApplyFunc(core.ApplyEpochCommand)
	}

	if registry != nil {
		for _, p := range partitions {
			if err := registry.PublishLeaderHint(p, "http://localhost:"+cfg.Server.Port); err != nil {
				slog.Warn("failed to publish leader hint", "partition", p, "error", err)
			}
		}
	}

	var raftNode *consensus.Node
	if consensusNode != nil {
		raftNode = consensusNode
	}
	httpServer := newHTTPServer(core, raftNode, cfg.Server.Port)
	if err := httpServer.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	slog.Info("dlog node started", "node_id", cfg.Node.NodeID, "url", httpServer.URL)

	<-ctx.Done()

	slog.Info("shutting down")
	if err := httpServer.Stop(); err != nil {
		slog.Error("failed to stop server cleanly", "error", err)
	}
}

// newHTTPServer keeps the nil-interface trap out of main: a nil *Node
// must become a nil interface, not a non-nil interface holding nil.
func newHTTPServer(core *server.Server, node *consensus.Node, port string) *dloghttp.Server {
	if node == nil {
		return dloghttp.NewServer(core, nil, port)
	}
	return dloghttp.NewServer(core, node, port)
}
