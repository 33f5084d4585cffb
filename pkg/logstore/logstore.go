package logstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"dlog/pkg/dlogerrors"
	"dlog/pkg/types"
)

type recordKey = []byte

type orderedIndex = skipmap.FuncMap[recordKey, types.Record]

// Store is the durable ordered record store addressed by
// (partition, epoch, offset). Writes go to the WAL first and become
// visible in the skipmap index only after the sync barrier; reads scan
// the index in key order.
type Store struct {
	jr    *wal
	index *orderedIndex

	mu     sync.Mutex
	latest map[types.PartitionID]map[types.Epoch]types.Offset
	closed bool
}

// Open creates or recovers a store under dir. Recovery replays the WAL
// into the index; the WAL is the single source of truth.
func Open(dir string) (*Store, error) {
	journal, err := newWAL(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		jr: journal,
		index: skipmap.NewFunc[recordKey, types.Record](func(a, b recordKey) bool {
			return bytes.Compare(a, b) < 0
		}),
		latest: make(map[types.PartitionID]map[types.Epoch]types.Offset),
	}

	if err := journal.replay(func(rec types.Record) error {
		s.index.Store(encodeKey(rec.Partition, rec.Epoch, rec.Offset), rec)
		s.noteOffset(rec.Partition, rec.Epoch, rec.Offset)
		return nil
	}); err != nil {
		_ = journal.close()
		return nil, fmt.Errorf("failed to recover log store: %w", err)
	}

	return s, nil
}

// Append durably persists the record under its (partition, epoch, offset)
// key. Re-appending identical content is a no-op so replication retries
// are tolerated; conflicting content fails with ErrDuplicateOffset.
func (s *Store) Append(rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return dlogerrors.ErrClosed
	}

	key := encodeKey(rec.Partition, rec.Epoch, rec.Offset)
	if existing, ok := s.index.Load(key); ok {
		if bytes.Equal(existing.Payload, rec.Payload) && bytes.Equal(existing.Key, rec.Key) {
			return nil
		}
		return fmt.Errorf("partition %d epoch %d offset %d: %w",
			rec.Partition, rec.Epoch, rec.Offset, dlogerrors.ErrDuplicateOffset)
	}

	if err := s.jr.append(rec); err != nil {
		return err
	}

	s.index.Store(key, rec)
	s.noteOffset(rec.Partition, rec.Epoch, rec.Offset)
	return nil
}

// ReadRange returns up to max records of the partition in ascending
// (epoch, offset) order, starting at or after start. A follow-up call
// with the position after the last returned record resumes the scan.
func (s *Store) ReadRange(partition types.PartitionID, start types.EpochOffset, max int) ([]types.Record, error) {
	if max <= 0 {
		return nil, fmt.Errorf("max records must be positive: %w", dlogerrors.ErrInvalidArgument)
	}

	startKey := encodeKey(partition, start.Epoch, start.Offset)
	out := make([]types.Record, 0, max)

	s.index.Range(func(key recordKey, rec types.Record) bool {
		if bytes.Compare(key, startKey) < 0 {
			return true
		}
		if rec.Partition != partition {
			// Keys sort by partition first: once past it, nothing left.
			return rec.Partition < partition
		}
		out = append(out, rec)
		return len(out) < max
	})

	return out, nil
}

// LastOffset reports the highest offset stored for (partition, epoch).
// Used by the follower apply path to resume contiguity checks after a
// restart.
func (s *Store) LastOffset(partition types.PartitionID, e types.Epoch) (types.Offset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	epochs, ok := s.latest[partition]
	if !ok {
		return 0, false
	}
	off, ok := epochs[e]
	return off, ok
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.jr.close()
}

func (s *Store) noteOffset(partition types.PartitionID, e types.Epoch, off types.Offset) {
	epochs, ok := s.latest[partition]
	if !ok {
		epochs = make(map[types.Epoch]types.Offset)
		s.latest[partition] = epochs
	}
	if cur, ok := epochs[e]; !ok || off > cur {
		epochs[e] = off
	}
}

// encodeKey packs (partition, epoch, offset) big-endian so that
// bytes.Compare orders keys the same way the tuple compares.
func encodeKey(partition types.PartitionID, e types.Epoch, off types.Offset) recordKey {
	key := make([]byte, 20)
	binary.BigEndian.PutUint32(key[0:4], uint32(partition))
	binary.BigEndian.PutUint64(key[4:12], uint64(e))
	binary.BigEndian.PutUint64(key[12:20], uint64(off))
	return key
}
