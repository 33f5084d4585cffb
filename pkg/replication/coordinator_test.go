package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dlog/pkg/dlogerrors"
	"dlog/pkg/types"
)

// fakeAppender records appended records in memory.
type fakeAppender struct {
	mu   sync.Mutex
	recs []types.Record
	fail error
}

func (f *fakeAppender) Append(rec types.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

// fakeOffsets reports a fixed leader next position.
type fakeOffsets struct {
	mu   sync.Mutex
	next types.EpochOffset
}

func (f *fakeOffsets) NextPosition() types.EpochOffset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *fakeOffsets) set(pos types.EpochOffset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = pos
}

func leaderAt(e types.Epoch, next types.Offset) *fakeOffsets {
	return &fakeOffsets{next: types.EpochOffset{Epoch: e, Offset: next}}
}

// fakeTransport runs a per-replica handler for every send.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[types.NodeID]func(ctx context.Context, rec types.Record) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[types.NodeID]func(context.Context, types.Record) error)}
}

func (f *fakeTransport) on(replica types.NodeID, fn func(context.Context, types.Record) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[replica] = fn
}

func (f *fakeTransport) Send(ctx context.Context, replica types.NodeID, rec types.Record) error {
	f.mu.Lock()
	fn, ok := f.handlers[replica]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("replica %s unreachable", replica)
	}
	return fn(ctx, rec)
}

func ack(context.Context, types.Record) error { return nil }

func threeNodeConfig(w int, mode QuorumMode) Config {
	return Config{
		Self:            "A",
		CopySet:         []types.NodeID{"A", "B", "C"},
		WriteQuorum:     w,
		ISRLagThreshold: 100,
		Mode:            mode,
	}
}

func record(off types.Offset) types.Record {
	return types.Record{
		Partition: 2,
		Epoch:     5,
		Offset:    off,
		Payload:   []byte("payload"),
		Timestamp: time.Now(),
	}
}

func TestCoordinator_QuorumWithOneUnreachableReplica(t *testing.T) {
	transport := newFakeTransport()
	transport.on("B", ack)
	// C has no handler: unreachable.

	store := &fakeAppender{}
	c, err := NewCoordinator(threeNodeConfig(2, QuorumCopySet), store, leaderAt(5, 1), transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Replicate(ctx, record(0)); err != nil {
		t.Fatalf("Replicate with 2/3 acks failed: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("local store has %d records, want 1", store.count())
	}
}

func TestCoordinator_QuorumNotAvailable(t *testing.T) {
	transport := newFakeTransport() // both followers unreachable

	c, err := NewCoordinator(threeNodeConfig(2, QuorumCopySet), &fakeAppender{}, leaderAt(5, 1), transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.Replicate(ctx, record(0))
	if !errors.Is(err, dlogerrors.ErrQuorumNotAvailable) {
		t.Fatalf("Replicate returned %v, want ErrQuorumNotAvailable", err)
	}

	var qerr *dlogerrors.QuorumError
	if !errors.As(err, &qerr) {
		t.Fatalf("error %v does not carry quorum accounting", err)
	}
	if qerr.Required != 2 || qerr.Achieved != 1 {
		t.Fatalf("quorum error = required %d achieved %d, want 2/1", qerr.Required, qerr.Achieved)
	}
}

func TestCoordinator_LocalWriteSurvivesQuorumFailure(t *testing.T) {
	transport := newFakeTransport()

	store := &fakeAppender{}
	c, err := NewCoordinator(threeNodeConfig(2, QuorumCopySet), store, leaderAt(5, 1), transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Replicate(ctx, record(0)); err == nil {
		t.Fatal("Replicate succeeded without quorum")
	}
	if store.count() != 1 {
		t.Fatalf("local write rolled back: store has %d records, want 1", store.count())
	}
}

func TestCoordinator_StragglerDoesNotBlockQuorum(t *testing.T) {
	release := make(chan struct{})
	transport := newFakeTransport()
	transport.on("B", ack)
	transport.on("C", func(ctx context.Context, _ types.Record) error {
		<-release
		return nil
	})
	defer close(release)

	c, err := NewCoordinator(threeNodeConfig(2, QuorumCopySet), &fakeAppender{}, leaderAt(5, 1), transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.Replicate(ctx, record(0)); err != nil {
		t.Fatalf("Replicate failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Replicate blocked on straggler for %v", elapsed)
	}
}

func TestCoordinator_LateAckUpdatesLag(t *testing.T) {
	release := make(chan struct{})
	acked := make(chan struct{})
	transport := newFakeTransport()
	transport.on("B", ack)
	transport.on("C", func(ctx context.Context, _ types.Record) error {
		<-release
		defer close(acked)
		return nil
	})

	offsets := leaderAt(5, 1)
	c, err := NewCoordinator(threeNodeConfig(2, QuorumCopySet), &fakeAppender{}, offsets, transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Replicate(ctx, record(0)); err != nil {
		t.Fatalf("Replicate failed: %v", err)
	}

	if lag, ok := c.Lag("C"); !ok || lag != 1 {
		t.Fatalf("lag for silent C = (%d,%v), want (1,true)", lag, ok)
	}

	// The in-flight send completes after the caller returned; its ack must
	// still land in the tracker.
	close(release)
	<-acked

	deadline := time.Now().Add(time.Second)
	for {
		if lag, _ := c.Lag("C"); lag == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late ack never updated lag for C")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinator_ISREvictionDoesNotBlockWrites(t *testing.T) {
	transport := newFakeTransport()
	transport.on("B", ack)
	// C acknowledges nothing: its lag grows with every write.

	offsets := &fakeOffsets{}
	c, err := NewCoordinator(threeNodeConfig(2, QuorumCopySet), &fakeAppender{}, offsets, transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Epoch 5, offsets 0..999 acknowledged by {A,B}; C stays silent.
	for off := types.Offset(0); off < 1000; off++ {
		offsets.set(types.EpochOffset{Epoch: 5, Offset: off + 1})
		if err := c.Replicate(ctx, record(off)); err != nil {
			t.Fatalf("Replicate at offset %d failed: %v", off, err)
		}
	}
	c.RefreshISR()

	lag, ok := c.Lag("C")
	if !ok {
		t.Fatal("no lag tracked for C")
	}
	if lag <= 100 {
		t.Fatalf("lag for C = %d, want > threshold 100", lag)
	}

	isr := c.ISR()
	if len(isr) != 2 {
		t.Fatalf("ISR = %v, want {A,B}", isr)
	}
	for _, id := range isr {
		if id == "C" {
			t.Fatalf("C still in ISR with lag %d", lag)
		}
	}
}

func TestCoordinator_ISRModeIgnoresEvictedAck(t *testing.T) {
	transport := newFakeTransport()

	offsets := leaderAt(5, 500)
	cfg := threeNodeConfig(2, QuorumISR)
	cfg.ISRLagThreshold = 10
	c, err := NewCoordinator(cfg, &fakeAppender{}, offsets, transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	// Both followers have been silent while the leader advanced to 500,
	// so the periodic refresh evicts them from ISR.
	c.RefreshISR()
	if got := len(c.ISR()); got != 1 {
		t.Fatalf("ISR size = %d after eviction, want 1 (leader only)", got)
	}

	// An ack for offset 0 from an evicted replica still leaves it 499
	// behind: it must not complete an ISR quorum of 2.
	transport.on("B", ack)
	transport.on("C", ack)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = c.Replicate(ctx, record(0))
	if !errors.Is(err, dlogerrors.ErrQuorumNotAvailable) {
		t.Fatalf("Replicate returned %v, want ErrQuorumNotAvailable", err)
	}
	var qerr *dlogerrors.QuorumError
	if !errors.As(err, &qerr) || qerr.Achieved != 1 {
		t.Fatalf("quorum error = %v, want achieved=1", err)
	}
}

func TestCoordinator_FastFailureDoesNotShortCircuitQuorum(t *testing.T) {
	// B fails immediately while C acknowledges shortly after. B's early
	// response must not be mistaken for "every replica has responded":
	// quorum is still reachable within the deadline and Replicate must
	// wait for C. Iterated to shake out goroutine scheduling orders.
	transport := newFakeTransport()
	transport.on("B", func(context.Context, types.Record) error {
		return errors.New("connection refused")
	})
	transport.on("C", func(context.Context, types.Record) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})

	c, err := NewCoordinator(threeNodeConfig(2, QuorumCopySet), &fakeAppender{}, leaderAt(5, 1), transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.Replicate(ctx, record(types.Offset(i)))
		cancel()
		if err != nil {
			t.Fatalf("Replicate failed at iteration %d: %v", i, err)
		}
	}
}

func TestCoordinator_LagResetsAcrossEpochChange(t *testing.T) {
	transport := newFakeTransport()
	transport.on("B", ack)
	transport.on("C", ack)

	offsets := leaderAt(1, 0)
	cfg := threeNodeConfig(2, QuorumCopySet)
	cfg.ISRLagThreshold = 10
	c, err := NewCoordinator(cfg, &fakeAppender{}, offsets, transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Both followers are fully caught up on epoch 1.
	rec := record(0)
	rec.Epoch = 1
	offsets.set(types.EpochOffset{Epoch: 1, Offset: 1})
	if err := c.Replicate(ctx, rec); err != nil {
		t.Fatalf("Replicate failed: %v", err)
	}
	if lag, _ := c.Lag("B"); lag != 0 {
		t.Fatalf("lag for B on epoch 1 = %d, want 0", lag)
	}

	// A new epoch starts and the leader writes 50 records the followers
	// never see. Their epoch-1 acks cover none of them.
	offsets.set(types.EpochOffset{Epoch: 2, Offset: 50})

	if lag, _ := c.Lag("B"); lag != 50 {
		t.Fatalf("lag for B after epoch change = %d, want 50", lag)
	}

	c.RefreshISR()
	if got := len(c.ISR()); got != 1 {
		t.Fatalf("ISR size = %d, want 1 (stale followers evicted)", got)
	}
}

func TestCoordinator_LocalAppendFailureSurfaces(t *testing.T) {
	transport := newFakeTransport()
	transport.on("B", ack)
	transport.on("C", ack)

	store := &fakeAppender{fail: dlogerrors.ErrDuplicateOffset}
	c, err := NewCoordinator(threeNodeConfig(2, QuorumCopySet), store, leaderAt(5, 1), transport, nil)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	if err := c.Replicate(context.Background(), record(0)); !errors.Is(err, dlogerrors.ErrDuplicateOffset) {
		t.Fatalf("Replicate returned %v, want ErrDuplicateOffset", err)
	}
}

func TestCoordinator_InvalidQuorum(t *testing.T) {
	cfg := threeNodeConfig(4, QuorumCopySet)
	if _, err := NewCoordinator(cfg, &fakeAppender{}, &fakeOffsets{}, newFakeTransport(), nil); !errors.Is(err, dlogerrors.ErrInvalidArgument) {
		t.Fatalf("NewCoordinator with W=4/N=3 returned %v, want ErrInvalidArgument", err)
	}
}
