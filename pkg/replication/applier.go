package replication

import (
	"fmt"
	"log/slog"
	"sync"

	"dlog/pkg/dlogerrors"
	"dlog/pkg/types"
)

type iFollowerStore interface {
	Append(rec types.Record) error
	LastOffset(partition types.PartitionID, e types.Epoch) (types.Offset, bool)
}

type partitionEpoch struct {
	partition types.PartitionID
	epoch     types.Epoch
}

// Applier is the follower side of replication. Records of one
// (partition, epoch) must be applied in strictly increasing offset order
// with no gaps: a record arriving ahead of its predecessors is buffered,
// never applied and never dropped.
type Applier struct {
	store iFollowerStore

	mu      sync.Mutex
	next    map[partitionEpoch]types.Offset
	pending map[partitionEpoch]map[types.Offset]types.Record
}

func NewApplier(store iFollowerStore) *Applier {
	return &Applier{
		store:   store,
		next:    make(map[partitionEpoch]types.Offset),
		pending: make(map[partitionEpoch]map[types.Offset]types.Record),
	}
}

// Apply durably stores the record if it is the next expected offset, then
// drains any buffered successors that became contiguous. It returns the
// highest durable position for the record's (partition, epoch), which is
// what the follower acknowledges to the leader.
//
// A gap fails with ErrOutOfOrder after buffering the record; the leader's
// retry of the missing offset will flush the buffer.
func (a *Applier) Apply(rec types.Record) (types.EpochOffset, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := partitionEpoch{partition: rec.Partition, epoch: rec.Epoch}
	next := a.nextExpectedLocked(key)

	switch {
	case rec.Offset < next:
		// Already applied; the store rejects conflicting rewrites.
		if err := a.store.Append(rec); err != nil {
			return types.EpochOffset{}, err
		}
		return types.EpochOffset{Epoch: rec.Epoch, Offset: next - 1}, nil

	case rec.Offset > next:
		buf, ok := a.pending[key]
		if !ok {
			buf = make(map[types.Offset]types.Record)
			a.pending[key] = buf
		}
		buf[rec.Offset] = rec
		slog.Debug("buffered out-of-order record",
			"partition", rec.Partition, "epoch", rec.Epoch,
			"offset", rec.Offset, "expected", next)
		return types.EpochOffset{}, fmt.Errorf("offset %d, expected %d: %w",
			rec.Offset, next, dlogerrors.ErrOutOfOrder)
	}

	if err := a.store.Append(rec); err != nil {
		return types.EpochOffset{}, err
	}
	next++

	// Drain the contiguous run that this record may have unblocked.
	if buf, ok := a.pending[key]; ok {
		for {
			buffered, ok := buf[next]
			if !ok {
				break
			}
			if err := a.store.Append(buffered); err != nil {
				return types.EpochOffset{}, fmt.Errorf("apply buffered offset %d: %w", next, err)
			}
			delete(buf, next)
			next++
		}
		if len(buf) == 0 {
			delete(a.pending, key)
		}
	}

	a.next[key] = next
	return types.EpochOffset{Epoch: rec.Epoch, Offset: next - 1}, nil
}

// Buffered reports how many records are waiting on a gap for the given
// (partition, epoch).
func (a *Applier) Buffered(partition types.PartitionID, e types.Epoch) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending[partitionEpoch{partition: partition, epoch: e}])
}

func (a *Applier) nextExpectedLocked(key partitionEpoch) types.Offset {
	if next, ok := a.next[key]; ok {
		return next
	}
	// First record for this (partition, epoch) since startup: resume from
	// whatever the store already holds.
	next := types.Offset(0)
	if last, ok := a.store.LastOffset(key.partition, key.epoch); ok {
		next = last + 1
	}
	a.next[key] = next
	return next
}
