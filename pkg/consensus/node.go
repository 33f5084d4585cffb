package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"dlog/pkg/epoch"
)

// Config describes one member of the epoch-transition raft group.
type Config struct {
	ID            uint64
	Peers         []Peer
	ElectionTick  int
	HeartbeatTick int
	CheckQuorum   bool
	PreVote       bool
	TickInterval  time.Duration

	// SendTimeout and SendRetries bound one message delivery attempt to a
	// peer; zero values pick the defaults.
	SendTimeout time.Duration
	SendRetries int
}

type Peer struct {
	ID      uint64
	Address string
}

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// proposal is the wire form of an epoch command inside the raft log. The
// uuid keys the proposer's wait channel; retries by the caller carry a
// fresh uuid but the same epoch number, so re-confirmation stays
// idempotent at the epoch manager.
type proposal struct {
	ID  uuid.UUID     `json:"id"`
	Cmd epoch.Command `json:"cmd"`
}

type proposeResult struct {
	Err error
}

// Node is a raft-backed implementation of the epoch consensus
// collaborator. It carries only rare epoch transitions — activations and
// seals — never per-record writes.
type Node struct {
	id           uint64
	peers        map[uint64]string
	underlying   raft.Node
	storage      *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	applyMu sync.RWMutex
	apply   func(epoch.Command) error

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

func NewNode(cfg Config) (*Node, error) {
	storage := raft.NewMemoryStorage()
	rcfg := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
		CheckQuorum:     cfg.CheckQuorum,
		PreVote:         cfg.PreVote,
	}
	if rcfg.ElectionTick == 0 {
		rcfg.ElectionTick = 10
	}
	if rcfg.HeartbeatTick == 0 {
		rcfg.HeartbeatTick = 2
	}

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	tick := cfg.TickInterval
	if tick == 0 {
		tick = 100 * time.Millisecond
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = 3 * time.Second
	}
	sendRetries := cfg.SendRetries
	if sendRetries == 0 {
		sendRetries = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		id:           cfg.ID,
		peers:        peers,
		underlying:   raft.StartNode(rcfg, raftPeers),
		storage:      storage,
		conf:         &confState,
		tickInterval: tick,
		transport:    NewTransport(peers, sendTimeout, sendRetries),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

// SetApplyFunc installs the callback invoked for every committed epoch
// command on every member, leaders and followers alike. This is how
// follower epoch managers learn about activations and seals.
func (n *Node) SetApplyFunc(fn func(epoch.Command) error) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	n.apply = fn
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if err := n.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.id {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var prop proposal
	if err := json.Unmarshal(entry.Data, &prop); err != nil {
		return fmt.Errorf("unmarshal proposal: %w", err)
	}

	n.applyMu.RLock()
	apply := n.apply
	n.applyMu.RUnlock()

	var err error
	if apply != nil {
		err = apply(prop.Cmd)
	}

	return n.notifyProposalResult(prop.ID, proposeResult{Err: err})
}

func (n *Node) notifyProposalResult(propID uuid.UUID, result proposeResult) error {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[propID]
	n.proposalsMu.RUnlock()

	if !ok {
		// Either a follower applying someone else's proposal, or the
		// proposer already gave up (timeout) and removed the channel.
		slog.Debug("proposal result channel not found (ignored)", "proposal_id", propID, "is_leader", n.IsLeader())
		return nil
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "proposal_id", propID)
	}
	return nil
}

// Propose submits the epoch command and blocks until the group commits
// it or the context expires. Implements epoch.Consensus.
func (n *Node) Propose(ctx context.Context, cmd epoch.Command) error {
	prop := proposal{ID: uuid.New(), Cmd: cmd}
	data, err := json.Marshal(prop)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[prop.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, prop.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle feeds an incoming raft message from a peer into the state
// machine.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.id
}

func (n *Node) LeaderAddr() string {
	leaderID := n.underlying.Status().Lead
	return n.peers[leaderID]
}

func (n *Node) Stop() error {
	slog.Info("stopping consensus node", "id", n.id)

	n.underlying.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for _, resultChan := range n.proposals {
		select {
		case resultChan <- proposeResult{Err: fmt.Errorf("node stopped")}:
		default:
		}
		close(resultChan)
	}
	n.proposals = make(map[uuid.UUID]chan proposeResult)
	n.proposalsMu.Unlock()

	slog.Info("consensus node stopped", "id", n.id)
	return nil
}
