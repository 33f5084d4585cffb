package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"dlog/pkg/types"
)

const (
	replicateEndpoint = "/api/internal/replicate"
	replicateTimeout  = 3 * time.Second
)

// ReplicaTransport ships records to followers over the internal
// replication endpoint. A 200 response means the follower has the record
// durably applied; anything else counts as no acknowledgment.
type ReplicaTransport struct {
	peersMu    sync.RWMutex
	peers      map[types.NodeID]string
	httpClient *http.Client
}

func NewReplicaTransport(peers map[types.NodeID]string) *ReplicaTransport {
	copied := make(map[types.NodeID]string, len(peers))
	for id, addr := range peers {
		copied[id] = addr
	}
	return &ReplicaTransport{
		peers: copied,
		httpClient: &http.Client{
			Timeout: replicateTimeout,
		},
	}
}

func (t *ReplicaTransport) SetPeer(id types.NodeID, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = addr
}

// Send implements replication.Transport.
func (t *ReplicaTransport) Send(ctx context.Context, replica types.NodeID, rec types.Record) error {
	t.peersMu.RLock()
	addr, ok := t.peers[replica]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown replica: %s", replica)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+replicateEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("replica %s: unexpected status %d: %s", replica, resp.StatusCode, string(respBody))
	}
	return nil
}
