package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dlog/pkg/dlogerrors"
	"dlog/pkg/types"
)

// Status is the lifecycle state of a partition's current epoch.
type Status uint8

const (
	// StatusProposed means an epoch number has been chosen but not yet
	// confirmed by consensus. No partition starts out writable.
	StatusProposed Status = iota

	// StatusActive means assigns succeed and next_offset grows from 0.
	StatusActive

	// StatusSealing means a failover was detected; in-flight assigns may
	// finish but no new ones are accepted.
	StatusSealing

	// StatusSealed is terminal for the epoch number: a strictly greater
	// epoch must be activated before further writes.
	StatusSealed
)

func (s Status) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusActive:
		return "active"
	case StatusSealing:
		return "sealing"
	case StatusSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// CommandKind tags an epoch-transition proposal.
type CommandKind string

const (
	CommandActivate CommandKind = "activate_epoch"
	CommandSeal     CommandKind = "seal_epoch"
)

// Command is an epoch transition submitted to the consensus collaborator.
type Command struct {
	Kind      CommandKind       `json:"kind"`
	Partition types.PartitionID `json:"partition"`
	Epoch     types.Epoch       `json:"epoch"`
}

// Consensus is the external collaborator that linearizes epoch transitions
// for a partition among its replica set. It is invoked only on leader
// change, never on the per-record write path.
type Consensus interface {
	Propose(ctx context.Context, cmd Command) error
}

// Manager tracks the leadership generation of one partition and hands out
// offsets within it. Offset assignment is a plain atomic post-increment
// guarded by the single-leader invariant; no consensus round per write.
type Manager struct {
	partition types.PartitionID
	consensus Consensus

	// mu is a narrow mutex: assignment holds it only for a status check
	// and a post-increment, transitions hold it around state flips. Never
	// held across a consensus proposal.
	mu         sync.RWMutex
	status     Status
	current    types.Epoch
	highest    types.Epoch
	activated  bool
	nextOffset types.Offset
}

func NewManager(partition types.PartitionID, consensus Consensus) *Manager {
	return &Manager{
		partition: partition,
		consensus: consensus,
		status:    StatusProposed,
	}
}

// Assign stamps the record with the current epoch and the next unused
// offset. Safe for concurrent callers on the same leader.
func (m *Manager) Assign(rec *types.Record) (types.EpochOffset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusActive {
		return types.EpochOffset{}, fmt.Errorf("partition %d epoch %d is %s: %w",
			m.partition, m.current, m.status, dlogerrors.ErrEpochNotActive)
	}

	pos := types.EpochOffset{Epoch: m.current, Offset: m.nextOffset}
	m.nextOffset++

	rec.Partition = m.partition
	rec.Epoch = pos.Epoch
	rec.Offset = pos.Offset
	return pos, nil
}

// Activate proposes the epoch via consensus and, once confirmed, makes it
// the Active epoch with next_offset reset to 0. Epoch numbers must grow
// strictly: activating a number not greater than the highest ever seen
// fails with ErrStaleEpoch.
func (m *Manager) Activate(ctx context.Context, e types.Epoch) error {
	m.mu.Lock()
	if m.activated && e <= m.highest {
		highest := m.highest
		m.mu.Unlock()
		return fmt.Errorf("epoch %d <= highest seen %d: %w", e, highest, dlogerrors.ErrStaleEpoch)
	}
	m.mu.Unlock()

	cmd := Command{Kind: CommandActivate, Partition: m.partition, Epoch: e}
	if err := m.consensus.Propose(ctx, cmd); err != nil {
		return fmt.Errorf("propose activate epoch %d: %w", e, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A competing activation may have been confirmed first. Equality is
	// fine: our own command may already have arrived through the consensus
	// apply path.
	if m.activated && e < m.highest {
		return fmt.Errorf("epoch %d < highest seen %d: %w", e, m.highest, dlogerrors.ErrStaleEpoch)
	}

	m.current = e
	m.highest = e
	m.activated = true
	m.status = StatusActive
	m.nextOffset = 0

	slog.Info("epoch activated", "partition", m.partition, "epoch", e)
	return nil
}

// Seal stops offset assignment for the epoch and drives it to Sealed via
// consensus. The local transition to Sealing happens before the proposal,
// so no new assigns slip through even if consensus is slow. Sealing an
// already sealing or sealed epoch is a no-op, so any replica may retry the
// same seal after a proposer crash.
func (m *Manager) Seal(ctx context.Context, e types.Epoch) error {
	m.mu.Lock()
	switch {
	case !m.activated || e > m.current:
		cur := m.current
		m.mu.Unlock()
		return fmt.Errorf("seal of unknown epoch %d (current %d): %w", e, cur, dlogerrors.ErrInvalidArgument)
	case e < m.current:
		// Superseded epochs are sealed by definition of activation.
		m.mu.Unlock()
		return nil
	case m.status == StatusSealed:
		m.mu.Unlock()
		return nil
	case m.status == StatusActive:
		m.status = StatusSealing
		slog.Info("epoch sealing", "partition", m.partition, "epoch", e)
	}
	m.mu.Unlock()

	cmd := Command{Kind: CommandSeal, Partition: m.partition, Epoch: e}
	if err := m.consensus.Propose(ctx, cmd); err != nil {
		// Stays Sealing: assigns remain rejected and the seal is retryable.
		return fmt.Errorf("propose seal epoch %d: %w", e, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e == m.current && m.status != StatusSealed {
		m.status = StatusSealed
		slog.Info("epoch sealed", "partition", m.partition, "epoch", e)
	}
	return nil
}

// ApplyCommand applies a committed epoch transition without re-proposing
// it. This is the path by which replicas that did not initiate a proposal
// learn activations and seals; on the proposer it is a harmless duplicate
// of the post-proposal transition.
func (m *Manager) ApplyCommand(cmd Command) error {
	if cmd.Partition != m.partition {
		return fmt.Errorf("command for partition %d applied to partition %d: %w",
			cmd.Partition, m.partition, dlogerrors.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Kind {
	case CommandActivate:
		if m.activated && cmd.Epoch < m.highest {
			// Superseded before it was applied here.
			return nil
		}
		if m.activated && cmd.Epoch == m.highest {
			return nil
		}
		m.current = cmd.Epoch
		m.highest = cmd.Epoch
		m.activated = true
		m.status = StatusActive
		m.nextOffset = 0
		slog.Info("epoch activated", "partition", m.partition, "epoch", cmd.Epoch)
		return nil

	case CommandSeal:
		if m.activated && cmd.Epoch == m.current && m.status != StatusSealed {
			m.status = StatusSealed
			slog.Info("epoch sealed", "partition", m.partition, "epoch", cmd.Epoch)
		}
		return nil

	default:
		return fmt.Errorf("unknown epoch command %q: %w", cmd.Kind, dlogerrors.ErrInvalidArgument)
	}
}

// Status reports the current epoch and its lifecycle state.
func (m *Manager) Status() (types.Epoch, Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.status
}

// NextPosition is the next unassigned position of the current epoch. Used
// by the replication coordinator for lag accounting.
func (m *Manager) NextPosition() types.EpochOffset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.EpochOffset{Epoch: m.current, Offset: m.nextOffset}
}

// Partition returns the partition this manager owns.
func (m *Manager) Partition() types.PartitionID {
	return m.partition
}
