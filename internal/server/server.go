package server

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"dlog/pkg/dlogerrors"
	"dlog/pkg/epoch"
	"dlog/pkg/logstore"
	"dlog/pkg/metrics"
	"dlog/pkg/replication"
	"dlog/pkg/scarab"
	"dlog/pkg/sequencer"
	"dlog/pkg/types"
)

// Options wires the collaborators of one dlog node.
type Options struct {
	NodeID        types.NodeID
	CoordinatorID types.CoordinatorID
	DataDir       string
	Partitions    []types.PartitionID

	Consensus   epoch.Consensus
	Transport   replication.Transport
	Replication replication.Config

	// ReplicateTimeout bounds how long a produce waits for quorum.
	ReplicateTimeout time.Duration

	Collector metrics.Collector
}

// Server is the write-path core of a dlog node: identifier generation,
// per-partition epoch management, quorum replication and the durable log
// store, composed behind produce/consume.
type Server struct {
	nodeID types.NodeID

	seq   *sequencer.Sequencer
	ids   *scarab.Generator
	store *logstore.Store

	applier *replication.Applier

	collector   metrics.Collector
	replTimeout time.Duration

	mu           sync.RWMutex
	epochs       map[types.PartitionID]*epoch.Manager
	coordinators map[types.PartitionID]*replication.Coordinator
}

func New(opts Options) (*Server, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("empty data dir: %w", dlogerrors.ErrInvalidArgument)
	}
	if opts.Collector == nil {
		opts.Collector = metrics.Nop{}
	}

	seqPath := filepath.Join(opts.DataDir, "sequencer", fmt.Sprintf("coordinator-%d.seq", opts.CoordinatorID))
	seq, err := sequencer.Open(seqPath)
	if err != nil {
		return nil, fmt.Errorf("open sequencer: %w", err)
	}

	ids, err := scarab.New(opts.CoordinatorID, seq)
	if err != nil {
		_ = seq.Close()
		return nil, fmt.Errorf("create id generator: %w", err)
	}

	store, err := logstore.Open(filepath.Join(opts.DataDir, "log"))
	if err != nil {
		_ = seq.Close()
		return nil, fmt.Errorf("open log store: %w", err)
	}

	s := &Server{
		nodeID:       opts.NodeID,
		seq:          seq,
		ids:          ids,
		store:        store,
		applier:      replication.NewApplier(store),
		collector:    opts.Collector,
		replTimeout:  opts.ReplicateTimeout,
		epochs:       make(map[types.PartitionID]*epoch.Manager),
		coordinators: make(map[types.PartitionID]*replication.Coordinator),
	}

	for _, partition := range opts.Partitions {
		mgr := epoch.NewManager(partition, opts.Consensus)

		coord, err := replication.NewCoordinator(opts.Replication, store, mgr, opts.Transport, opts.Collector)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("create replication coordinator for partition %d: %w", partition, err)
		}

		s.epochs[partition] = mgr
		s.coordinators[partition] = coord
	}

	slog.Info("dlog server initialized",
		"node_id", opts.NodeID,
		"coordinator_id", opts.CoordinatorID,
		"partitions", len(opts.Partitions))
	return s, nil
}

// Produce assigns an identifier and an (epoch, offset) to the payload,
// persists it locally and replicates it to the partition's copy set. The
// returned position is durable on a write quorum.
func (s *Server) Produce(ctx context.Context, partition types.PartitionID, key, value []byte) (types.EpochOffset, error) {
	mgr, coord, err := s.partition(partition)
	if err != nil {
		return types.EpochOffset{}, err
	}

	id, err := s.ids.Next()
	if err != nil {
		return types.EpochOffset{}, fmt.Errorf("assign identifier: %w", err)
	}

	rec := types.Record{
		ID:        uint64(id),
		Key:       key,
		Payload:   value,
		Timestamp: time.Now(),
	}

	pos, err := mgr.Assign(&rec)
	if err != nil {
		return types.EpochOffset{}, err
	}

	if s.replTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.replTimeout)
		defer cancel()
	}

	if err := coord.Replicate(ctx, rec); err != nil {
		return types.EpochOffset{}, err
	}

	s.collector.IncCounter("produce_records_total",
		map[string]string{"partition": strconv.FormatUint(uint64(partition), 10)}, 1)
	return pos, nil
}

// Consume reads up to max records of the partition starting at or after
// start, in (epoch, offset) order.
func (s *Server) Consume(_ context.Context, partition types.PartitionID, start types.EpochOffset, max int) ([]types.Record, error) {
	return s.store.ReadRange(partition, start, max)
}

// ApplyReplica is the follower entry point: it applies a record shipped
// by a leader, enforcing gap-free offset order, and returns the highest
// durable position to acknowledge.
func (s *Server) ApplyReplica(rec types.Record) (types.EpochOffset, error) {
	return s.applier.Apply(rec)
}

// ApplyEpochCommand routes a committed consensus command to the owning
// partition's manager. This is how a node that did not propose a
// transition learns about it. Commands for partitions this node does not
// host are ignored.
func (s *Server) ApplyEpochCommand(cmd epoch.Command) error {
	s.mu.RLock()
	mgr, ok := s.epochs[cmd.Partition]
	s.mu.RUnlock()
	if !ok {
		slog.Debug("epoch command for unhosted partition",
			"partition", cmd.Partition, "kind", cmd.Kind, "epoch", cmd.Epoch)
		return nil
	}
	return mgr.ApplyCommand(cmd)
}

// ActivateEpoch makes the given epoch the Active one for the partition,
// going through the consensus collaborator.
func (s *Server) ActivateEpoch(ctx context.Context, partition types.PartitionID, e types.Epoch) error {
	mgr, _, err := s.partition(partition)
	if err != nil {
		return err
	}
	return mgr.Activate(ctx, e)
}

// SealEpoch stops writes to the epoch and drives it to Sealed.
func (s *Server) SealEpoch(ctx context.Context, partition types.PartitionID, e types.Epoch) error {
	mgr, _, err := s.partition(partition)
	if err != nil {
		return err
	}
	return mgr.Seal(ctx, e)
}

// PartitionStatus reports the partition's current epoch and state.
func (s *Server) PartitionStatus(partition types.PartitionID) (types.Epoch, epoch.Status, error) {
	mgr, _, err := s.partition(partition)
	if err != nil {
		return 0, 0, err
	}
	e, status := mgr.Status()
	return e, status, nil
}

// ISR returns the in-sync replica set of a partition.
func (s *Server) ISR(partition types.PartitionID) ([]types.NodeID, error) {
	_, coord, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	return coord.ISR(), nil
}

func (s *Server) partition(partition types.PartitionID) (*epoch.Manager, *replication.Coordinator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mgr, ok := s.epochs[partition]
	if !ok {
		return nil, nil, fmt.Errorf("unknown partition %d: %w", partition, dlogerrors.ErrInvalidArgument)
	}
	return mgr, s.coordinators[partition], nil
}

func (s *Server) Close() error {
	var firstErr error
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.seq != nil {
		if err := s.seq.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
