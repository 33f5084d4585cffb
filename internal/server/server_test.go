package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dlog/pkg/consensus"
	"dlog/pkg/dlogerrors"
	"dlog/pkg/epoch"
	"dlog/pkg/replication"
	"dlog/pkg/types"
)

// applyTransport routes sends to in-process follower servers.
type applyTransport struct {
	followers map[types.NodeID]*Server
}

func (t *applyTransport) Send(_ context.Context, replica types.NodeID, rec types.Record) error {
	follower, ok := t.followers[replica]
	if !ok {
		return fmt.Errorf("replica %s unreachable", replica)
	}
	_, err := follower.ApplyReplica(rec)
	return err
}

func newTestServer(t *testing.T, nodeID types.NodeID, transport replication.Transport, quorum int, copySet []types.NodeID) *Server {
	t.Helper()

	s, err := New(Options{
		NodeID:        nodeID,
		CoordinatorID: 1,
		DataDir:       t.TempDir(),
		Partitions:    []types.PartitionID{0},
		Consensus:     consensus.NewLocal(),
		Transport:     transport,
		Replication: replication.Config{
			Self:            nodeID,
			CopySet:         copySet,
			WriteQuorum:     quorum,
			ISRLagThreshold: 100,
		},
		ReplicateTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServer_ProduceConsumeRoundTrip(t *testing.T) {
	transport := &applyTransport{followers: map[types.NodeID]*Server{}}
	follower := newTestServer(t, "B", transport, 1, []types.NodeID{"B"})
	transport.followers["B"] = follower

	leader := newTestServer(t, "A", transport, 2, []types.NodeID{"A", "B"})
	if err := leader.ActivateEpoch(context.Background(), 0, 1); err != nil {
		t.Fatalf("ActivateEpoch failed: %v", err)
	}

	pos, err := leader.Produce(context.Background(), 0, []byte("k1"), []byte("v1"))
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	if pos.Epoch != 1 || pos.Offset != 0 {
		t.Fatalf("position = %+v, want (1,0)", pos)
	}

	recs, err := leader.Consume(context.Background(), 0, types.EpochOffset{Epoch: 1}, 10)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("consumed %d records, want 1", len(recs))
	}
	if string(recs[0].Payload) != "v1" || string(recs[0].Key) != "k1" {
		t.Fatalf("record = %+v, want key k1 value v1", recs[0])
	}
	if recs[0].ID == 0 {
		t.Fatal("record has no identifier assigned")
	}

	// The follower applied the same record durably.
	followerRecs, err := follower.Consume(context.Background(), 0, types.EpochOffset{Epoch: 1}, 10)
	if err != nil {
		t.Fatalf("follower Consume failed: %v", err)
	}
	if len(followerRecs) != 1 || string(followerRecs[0].Payload) != "v1" {
		t.Fatalf("follower records = %+v, want the replicated record", followerRecs)
	}
}

func TestServer_ProduceOffsetsContiguous(t *testing.T) {
	transport := &applyTransport{followers: map[types.NodeID]*Server{}}
	leader := newTestServer(t, "A", transport, 1, []types.NodeID{"A"})
	if err := leader.ActivateEpoch(context.Background(), 0, 1); err != nil {
		t.Fatalf("ActivateEpoch failed: %v", err)
	}

	for want := types.Offset(0); want < 50; want++ {
		pos, err := leader.Produce(context.Background(), 0, nil, []byte("payload"))
		if err != nil {
			t.Fatalf("Produce failed at %d: %v", want, err)
		}
		if pos.Offset != want {
			t.Fatalf("offset = %d, want %d", pos.Offset, want)
		}
	}

	// Identifiers grow with the offsets.
	recs, err := leader.Consume(context.Background(), 0, types.EpochOffset{Epoch: 1}, 100)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].ID < recs[i-1].ID {
			t.Fatalf("identifier regressed at offset %d: %d < %d", i, recs[i].ID, recs[i-1].ID)
		}
	}
}

func TestServer_ProduceBeforeActivation(t *testing.T) {
	transport := &applyTransport{followers: map[types.NodeID]*Server{}}
	leader := newTestServer(t, "A", transport, 1, []types.NodeID{"A"})

	_, err := leader.Produce(context.Background(), 0, nil, []byte("v"))
	if !errors.Is(err, dlogerrors.ErrEpochNotActive) {
		t.Fatalf("Produce returned %v, want ErrEpochNotActive", err)
	}
}

func TestServer_ProduceQuorumFailureKeepsLocalWrite(t *testing.T) {
	// Copy set of three with quorum 2, but no follower is reachable.
	transport := &applyTransport{followers: map[types.NodeID]*Server{}}
	leader := newTestServer(t, "A", transport, 2, []types.NodeID{"A", "B", "C"})
	if err := leader.ActivateEpoch(context.Background(), 0, 1); err != nil {
		t.Fatalf("ActivateEpoch failed: %v", err)
	}

	_, err := leader.Produce(context.Background(), 0, nil, []byte("v"))
	if !errors.Is(err, dlogerrors.ErrQuorumNotAvailable) {
		t.Fatalf("Produce returned %v, want ErrQuorumNotAvailable", err)
	}

	// The record stays durable locally for a later epoch's reconciliation.
	recs, err := leader.Consume(context.Background(), 0, types.EpochOffset{Epoch: 1}, 10)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("local store has %d records after quorum failure, want 1", len(recs))
	}
}

func TestServer_SealThenProduceFails(t *testing.T) {
	transport := &applyTransport{followers: map[types.NodeID]*Server{}}
	leader := newTestServer(t, "A", transport, 1, []types.NodeID{"A"})
	if err := leader.ActivateEpoch(context.Background(), 0, 1); err != nil {
		t.Fatalf("ActivateEpoch failed: %v", err)
	}
	if _, err := leader.Produce(context.Background(), 0, nil, []byte("v")); err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	if err := leader.SealEpoch(context.Background(), 0, 1); err != nil {
		t.Fatalf("SealEpoch failed: %v", err)
	}
	if _, err := leader.Produce(context.Background(), 0, nil, []byte("v")); !errors.Is(err, dlogerrors.ErrEpochNotActive) {
		t.Fatalf("Produce after seal returned %v, want ErrEpochNotActive", err)
	}

	// Reads still work against the sealed epoch.
	recs, err := leader.Consume(context.Background(), 0, types.EpochOffset{Epoch: 1}, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Consume after seal = (%d records, %v), want 1 record", len(recs), err)
	}

	// A greater epoch reopens the partition at offset 0.
	if err := leader.ActivateEpoch(context.Background(), 0, 2); err != nil {
		t.Fatalf("ActivateEpoch(2) failed: %v", err)
	}
	pos, err := leader.Produce(context.Background(), 0, nil, []byte("v2"))
	if err != nil {
		t.Fatalf("Produce in epoch 2 failed: %v", err)
	}
	if pos.Epoch != 2 || pos.Offset != 0 {
		t.Fatalf("position = %+v, want (2,0)", pos)
	}
}

func TestServer_ApplyEpochCommand(t *testing.T) {
	transport := &applyTransport{followers: map[types.NodeID]*Server{}}
	follower := newTestServer(t, "B", transport, 1, []types.NodeID{"B"})

	// A committed activation the follower never proposed makes its
	// partition writable.
	cmd := epoch.Command{Kind: epoch.CommandActivate, Partition: 0, Epoch: 1}
	if err := follower.ApplyEpochCommand(cmd); err != nil {
		t.Fatalf("ApplyEpochCommand failed: %v", err)
	}
	e, status, err := follower.PartitionStatus(0)
	if err != nil {
		t.Fatalf("PartitionStatus failed: %v", err)
	}
	if e != 1 || status != epoch.StatusActive {
		t.Fatalf("partition state = (%d,%s), want (1,active)", e, status)
	}

	// Commands for partitions this node does not host are dropped.
	cmd = epoch.Command{Kind: epoch.CommandActivate, Partition: 42, Epoch: 1}
	if err := follower.ApplyEpochCommand(cmd); err != nil {
		t.Fatalf("ApplyEpochCommand for unhosted partition returned %v, want nil", err)
	}
}

func TestServer_UnknownPartition(t *testing.T) {
	transport := &applyTransport{followers: map[types.NodeID]*Server{}}
	leader := newTestServer(t, "A", transport, 1, []types.NodeID{"A"})

	if _, err := leader.Produce(context.Background(), 42, nil, []byte("v")); !errors.Is(err, dlogerrors.ErrInvalidArgument) {
		t.Fatalf("Produce on unknown partition returned %v, want ErrInvalidArgument", err)
	}
}
