package scarab

import (
	"fmt"
	"sync"
	"time"

	"dlog/pkg/dlogerrors"
	"dlog/pkg/types"
)

const (
	timestampBits   = 41
	coordinatorBits = 10
	sequenceBits    = 13

	// MaxCoordinator is the highest coordinator identity (10 bits).
	MaxCoordinator = (1 << coordinatorBits) - 1

	timestampMask = (1 << timestampBits) - 1
	sequenceMask  = (1 << sequenceBits) - 1

	timestampShift   = coordinatorBits + sequenceBits
	coordinatorShift = sequenceBits
)

// ID is a compact globally unique, time-ordered identifier:
// 41-bit millisecond timestamp | 10-bit coordinator | 13-bit sequence.
// Ids from the same coordinator compare non-decreasing as uint64; ids from
// different coordinators are only weakly ordered by timestamp.
type ID uint64

// Millis returns the embedded millisecond timestamp.
func (id ID) Millis() int64 {
	return int64(id>>timestampShift) & timestampMask
}

// Time returns the embedded timestamp as wall-clock time.
func (id ID) Time() time.Time {
	return time.UnixMilli(id.Millis())
}

// Coordinator returns the identity of the generating coordinator.
func (id ID) Coordinator() types.CoordinatorID {
	return types.CoordinatorID((id >> coordinatorShift) & MaxCoordinator)
}

// Sequence returns the 13-bit sequence field.
func (id ID) Sequence() uint16 {
	return uint16(id & sequenceMask)
}

type iSequencer interface {
	Increment(delta uint64) (uint64, error)
}

// Generator produces ids for one coordinator without any inter-node
// communication. The sequence field comes from a crash-safe sequencer, so
// a restart within the same millisecond cannot reuse an already issued
// (timestamp, sequence) pair.
//
// The sequence wraps modulo 8192 within one millisecond. The generator
// does not block on wrap: the timestamp field dominates the comparison, so
// per-coordinator ids stay non-decreasing regardless.
type Generator struct {
	coordinator types.CoordinatorID
	seq         iSequencer
	now         func() time.Time

	mu     sync.Mutex
	lastMs int64
}

func New(coordinator types.CoordinatorID, seq iSequencer) (*Generator, error) {
	if coordinator > MaxCoordinator {
		return nil, fmt.Errorf("coordinator id %d out of range: %w", coordinator, dlogerrors.ErrInvalidArgument)
	}
	if seq == nil {
		return nil, fmt.Errorf("nil sequencer: %w", dlogerrors.ErrInvalidArgument)
	}
	return &Generator{
		coordinator: coordinator,
		seq:         seq,
		now:         time.Now,
	}, nil
}

// Next assigns a fresh id. A sequencer failure surfaces as-is; the caller
// may retry here or against another coordinator.
func (g *Generator) Next() (ID, error) {
	ms := g.now().UnixMilli()

	// A backwards clock step (NTP correction) must not produce a smaller
	// timestamp field: clamp to the highest millisecond already used.
	g.mu.Lock()
	if ms < g.lastMs {
		ms = g.lastMs
	} else {
		g.lastMs = ms
	}
	g.mu.Unlock()

	n, err := g.seq.Increment(1)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}

	packed := uint64(ms&timestampMask)<<timestampShift |
		uint64(g.coordinator)<<coordinatorShift |
		n&sequenceMask
	return ID(packed), nil
}
