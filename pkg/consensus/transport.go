package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	raftEndpoint = "/api/internal/raft"
	retryDelay   = 100 * time.Millisecond
)

// Transport ships raft messages between group members over HTTP. Retry
// count and per-request timeout come from the node's Config; raft's own
// heartbeats make prolonged redelivery pointless, so the retry budget is
// deliberately small.
type Transport struct {
	peersMu    sync.RWMutex
	peers      map[uint64]string
	retries    int
	httpClient *http.Client
}

func NewTransport(peers map[uint64]string, timeout time.Duration, retries int) *Transport {
	copied := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		copied[id] = addr
	}
	return &Transport{
		peers:   copied,
		retries: retries,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (t *Transport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *Transport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

func (t *Transport) UpdatePeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *Transport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	targetAddr, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := targetAddr + raftEndpoint
	var lastErr error
	for attempt := 0; attempt < t.retries; attempt++ {
		if lastErr = t.post(url, body); lastErr == nil {
			return nil
		}
		slog.Warn("failed to send raft message, retrying",
			"attempt", attempt+1,
			"to", msg.To,
			"type", msg.Type,
			"error", lastErr)
		time.Sleep(retryDelay * time.Duration(attempt+1))
	}

	return fmt.Errorf("failed to send after %d retries: %w", t.retries, lastErr)
}

func (t *Transport) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
