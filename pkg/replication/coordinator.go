package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dlog/pkg/dlogerrors"
	"dlog/pkg/metrics"
	"dlog/pkg/types"
)

// Transport delivers a record to a named replica and returns once that
// replica reports the record durable. Delivery is at-least-once; ordering
// comes from offsets, not from the transport.
type Transport interface {
	Send(ctx context.Context, replica types.NodeID, rec types.Record) error
}

// QuorumMode selects which acknowledgments count toward the write quorum.
type QuorumMode string

const (
	// QuorumCopySet counts any copy-set member's acknowledgment.
	QuorumCopySet QuorumMode = "copyset"

	// QuorumISR counts only acknowledgments from replicas that are in the
	// in-sync set at the moment the acknowledgment arrives.
	QuorumISR QuorumMode = "isr"
)

// Config describes the copy set of one partition as seen by its leader.
type Config struct {
	Self            types.NodeID
	CopySet         []types.NodeID // includes Self
	WriteQuorum     int
	ISRLagThreshold types.Offset
	Mode            QuorumMode
}

type iAppender interface {
	Append(rec types.Record) error
}

// iPositions exposes the leader's next unassigned position for lag
// accounting.
type iPositions interface {
	NextPosition() types.EpochOffset
}

// replicaState is the leader's in-memory view of one follower. It is
// rebuilt from scratch on leader change, never persisted.
type replicaState struct {
	lastAcked types.EpochOffset
	acked     bool
	inISR     bool
}

// Coordinator replicates records of one partition to its copy set. The
// local append counts toward quorum immediately; sends to the other
// replicas fan out in parallel and the caller blocks only on the
// aggregate quorum condition.
type Coordinator struct {
	cfg       Config
	store     iAppender
	offsets   iPositions
	transport Transport
	collector metrics.Collector

	mu       sync.Mutex
	replicas map[types.NodeID]*replicaState
}

func NewCoordinator(cfg Config, store iAppender, offsets iPositions, transport Transport, collector metrics.Collector) (*Coordinator, error) {
	if cfg.WriteQuorum < 1 || cfg.WriteQuorum > len(cfg.CopySet) {
		return nil, fmt.Errorf("write quorum %d out of range for copy set of %d: %w",
			cfg.WriteQuorum, len(cfg.CopySet), dlogerrors.ErrInvalidArgument)
	}
	if cfg.Mode == "" {
		cfg.Mode = QuorumCopySet
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	replicas := make(map[types.NodeID]*replicaState)
	for _, id := range cfg.CopySet {
		if id == cfg.Self {
			continue
		}
		replicas[id] = &replicaState{inISR: true}
	}

	return &Coordinator{
		cfg:       cfg,
		store:     store,
		offsets:   offsets,
		transport: transport,
		collector: collector,
		replicas:  replicas,
	}, nil
}

// Replicate durably writes the record locally, fans it out to the copy
// set and returns once the write quorum is reached. On deadline it fails
// with a QuorumError; the local write is not rolled back, and in-flight
// sends keep running so late acknowledgments still feed lag tracking.
func (c *Coordinator) Replicate(ctx context.Context, rec types.Record) error {
	if err := c.store.Append(rec); err != nil {
		return fmt.Errorf("local append: %w", err)
	}

	var (
		tallyMu   sync.Mutex
		achieved  = 1 // the leader's own durable copy
		responses = 0
		quorumCh  = make(chan struct{})
		failCh    = make(chan struct{})
	)
	need := c.cfg.WriteQuorum

	if achieved >= need {
		close(quorumCh)
	}

	// Sends outlive the caller's deadline on purpose.
	sendCtx := context.WithoutCancel(ctx)
	peers := len(c.replicas)
	for id := range c.replicas {
		go func(replica types.NodeID) {
			err := c.transport.Send(sendCtx, replica, rec)

			tallyMu.Lock()
			defer tallyMu.Unlock()
			responses++

			if err != nil {
				slog.Warn("replica send failed",
					"partition", rec.Partition, "replica", replica,
					"epoch", rec.Epoch, "offset", rec.Offset, "error", err)
				c.collector.IncCounter("replication_send_failures_total",
					map[string]string{"replica": string(replica)}, 1)
			} else if c.recordAck(replica, rec.Position()) {
				achieved++
				if achieved == need {
					close(quorumCh)
				}
			}

			if responses == peers && achieved < need {
				close(failCh)
			}
		}(id)
	}

	select {
	case <-quorumCh:
		return nil
	case <-failCh:
	case <-ctx.Done():
	}

	tallyMu.Lock()
	got := achieved
	tallyMu.Unlock()
	if got >= need {
		return nil
	}

	c.collector.IncCounter("replication_quorum_failures_total", nil, 1)
	return &dlogerrors.QuorumError{Required: need, Achieved: got}
}

// recordAck updates the follower's acked position and ISR membership and
// reports whether this acknowledgment counts toward the quorum.
func (c *Coordinator) recordAck(replica types.NodeID, pos types.EpochOffset) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.replicas[replica]
	if !ok {
		return false
	}

	countedWhileInISR := state.inISR

	if !state.acked || state.lastAcked.Less(pos) {
		state.lastAcked = pos
		state.acked = true
	}
	c.refreshISRLocked(replica, state)

	c.collector.IncCounter("replication_acks_total",
		map[string]string{"replica": string(replica)}, 1)

	if c.cfg.Mode == QuorumISR {
		return countedWhileInISR || state.inISR
	}
	return true
}

// refreshISRLocked recomputes one replica's in-sync membership against the
// leader's next offset. Eviction never blocks writes; the replica stays in
// the copy set and keeps receiving records.
func (c *Coordinator) refreshISRLocked(replica types.NodeID, state *replicaState) {
	lag := c.lagLocked(state)
	wasISR := state.inISR
	state.inISR = lag <= c.cfg.ISRLagThreshold

	if wasISR && !state.inISR {
		slog.Warn("replica evicted from ISR",
			"replica", replica, "lag", lag, "threshold", c.cfg.ISRLagThreshold)
	} else if !wasISR && state.inISR {
		slog.Info("replica rejoined ISR", "replica", replica, "lag", lag)
	}

	c.collector.SetGauge("replication_isr_size", nil, float64(c.isrSizeLocked()))
}

func (c *Coordinator) lagLocked(state *replicaState) types.Offset {
	next := c.offsets.NextPosition()
	if next.Offset == 0 {
		return 0
	}
	// An ack from an earlier epoch covers none of the current epoch's
	// records: the replica is behind by all of them.
	if !state.acked || state.lastAcked.Epoch != next.Epoch {
		return next.Offset
	}
	if state.lastAcked.Offset >= next.Offset-1 {
		return 0
	}
	return next.Offset - state.lastAcked.Offset - 1
}

func (c *Coordinator) isrSizeLocked() int {
	size := 1 // the leader is always in sync with itself
	for _, state := range c.replicas {
		if state.inISR {
			size++
		}
	}
	return size
}

// ISR returns the current in-sync replica set, leader included.
func (c *Coordinator) ISR() []types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := []types.NodeID{c.cfg.Self}
	for id, state := range c.replicas {
		if state.inISR {
			out = append(out, id)
		}
	}
	return out
}

// Lag reports a follower's current replication lag.
func (c *Coordinator) Lag(replica types.NodeID) (types.Offset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.replicas[replica]
	if !ok {
		return 0, false
	}
	return c.lagLocked(state), true
}

// RefreshISR re-evaluates every follower against the leader's current
// next offset. Called periodically so lag grows even for silent replicas.
func (c *Coordinator) RefreshISR() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, state := range c.replicas {
		c.refreshISRLocked(id, state)
	}
}
