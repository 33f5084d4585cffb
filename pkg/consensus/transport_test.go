package consensus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

func TestTransport_SendDelivers(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL}, time.Second, 3)
	if err := tr.Send(raftpb.Message{To: 2, Type: raftpb.MsgHeartbeat}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if p, _ := gotPath.Load().(string); p != raftEndpoint {
		t.Fatalf("request path = %q, want %q", p, raftEndpoint)
	}
}

func TestTransport_SendRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL}, time.Second, 3)
	if err := tr.Send(raftpb.Message{To: 2}); err != nil {
		t.Fatalf("Send failed despite retry budget: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("server saw %d requests, want 2", n)
	}
}

func TestTransport_SendExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL}, time.Second, 2)
	err := tr.Send(raftpb.Message{To: 2})
	if err == nil {
		t.Fatal("Send succeeded against a failing peer, want error")
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("server saw %d requests, want 2", n)
	}
	if !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("error %q does not carry the peer's status", err)
	}
}

func TestTransport_SendUnknownPeer(t *testing.T) {
	tr := NewTransport(map[uint64]string{}, time.Second, 3)
	if err := tr.Send(raftpb.Message{To: 7}); err == nil {
		t.Fatal("Send to unknown peer succeeded, want error")
	}
}

func TestTransport_PeerUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{}, time.Second, 1)
	tr.AddPeer(4, srv.URL)
	if err := tr.Send(raftpb.Message{To: 4}); err != nil {
		t.Fatalf("Send after AddPeer failed: %v", err)
	}

	tr.RemovePeer(4)
	if err := tr.Send(raftpb.Message{To: 4}); err == nil {
		t.Fatal("Send after RemovePeer succeeded, want error")
	}
}
