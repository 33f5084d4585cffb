package types

import "time"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// PartitionID identifies a logical partition of the log.
type PartitionID uint32

// Epoch is a leadership generation number scoped to one partition.
type Epoch uint64

// Offset is a position within one (partition, epoch) pair.
type Offset uint64

// NodeID identifies a node in a cluster.
type NodeID string

// CoordinatorID identifies an identifier-generating coordinator (0..1023).
type CoordinatorID uint16

// EpochOffset is the replication position of a record inside a partition.
type EpochOffset struct {
	Epoch  Epoch  `json:"epoch"`
	Offset Offset `json:"offset"`
}

// Less orders positions first by epoch, then by offset.
func (eo EpochOffset) Less(other EpochOffset) bool {
	if eo.Epoch != other.Epoch {
		return eo.Epoch < other.Epoch
	}
	return eo.Offset < other.Offset
}

// Record is the unit of replication: an opaque payload plus the position
// and identity assigned by the partition leader.
type Record struct {
	Partition PartitionID `json:"partition"`
	Epoch     Epoch       `json:"epoch"`
	Offset    Offset      `json:"offset"`
	ID        uint64      `json:"id"`
	Key       []byte      `json:"key,omitempty"`
	Payload   []byte      `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Position returns the record's replication position.
func (r Record) Position() EpochOffset {
	return EpochOffset{Epoch: r.Epoch, Offset: r.Offset}
}
