package dlogerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrSequencerIO means the durability barrier behind the sequencer
	// failed; the counter value did not advance and the call may be retried.
	ErrSequencerIO = errors.New("dlog: sequencer io failure")

	// ErrEpochNotActive means a write was attempted against an epoch that is
	// proposed, sealing or sealed. The caller must refresh leadership
	// metadata and retry against the new leader.
	ErrEpochNotActive = errors.New("dlog: epoch not active")

	// ErrStaleEpoch means an activation used an epoch number not greater
	// than any previously seen for the partition.
	ErrStaleEpoch = errors.New("dlog: stale epoch")

	// ErrDuplicateOffset means (partition, epoch, offset) already holds
	// different content. Identical content is accepted silently.
	ErrDuplicateOffset = errors.New("dlog: duplicate offset")

	// ErrQuorumNotAvailable means replication could not reach the required
	// number of acknowledgments before the deadline. The local write stays
	// on disk.
	ErrQuorumNotAvailable = errors.New("dlog: quorum not available")

	// ErrOutOfOrder means a replica observed a non-contiguous offset. The
	// record must be buffered until the gap is filled, never dropped.
	ErrOutOfOrder = errors.New("dlog: out of order replication")

	ErrClosed          = errors.New("dlog: closed")
	ErrInvalidArgument = errors.New("dlog: invalid argument")
)

// QuorumError carries the quorum accounting of a failed replicate call.
type QuorumError struct {
	Required int
	Achieved int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("%v: required=%d achieved=%d", ErrQuorumNotAvailable, e.Required, e.Achieved)
}

func (e *QuorumError) Unwrap() error {
	return ErrQuorumNotAvailable
}
