package cluster

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"dlog/pkg/scarab"
	"dlog/pkg/types"
)

// CoordinatorRegistry hands out coordinator identities through zookeeper.
// Each running process claims one ephemeral id in 0..1023 so that no two
// live coordinators ever generate ids with the same coordinator field.
// It also publishes per-partition leader hints for clients.
type CoordinatorRegistry struct {
	conn     *zk.Conn
	rootPath string
	local    types.NodeID

	claimedPath string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewCoordinatorRegistry(servers []string, rootPath string, local types.NodeID) (*CoordinatorRegistry, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &CoordinatorRegistry{
		conn:     conn,
		rootPath: rootPath,
		local:    local,
	}, nil
}

func (r *CoordinatorRegistry) Close() error {
	r.conn.Close()
	return nil
}

// ClaimCoordinatorID takes the first free coordinator id as an ephemeral
// node. The claim disappears with the session, freeing the id for the
// next process.
func (r *CoordinatorRegistry) ClaimCoordinatorID() (types.CoordinatorID, error) {
	if err := r.waitConnected(10 * time.Second); err != nil {
		return 0, err
	}
	if err := r.ensurePath(r.rootPath + "/coordinators"); err != nil {
		return 0, fmt.Errorf("ensure coordinators path: %w", err)
	}

	for id := 0; id <= scarab.MaxCoordinator; id++ {
		path := fmt.Sprintf("%s/coordinators/%d", r.rootPath, id)
		_, err := r.conn.Create(path, []byte(r.local), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == zk.ErrNodeExists {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("create ephemeral coordinator node: %w", err)
		}
		r.claimedPath = path
		return types.CoordinatorID(id), nil
	}

	return 0, fmt.Errorf("no free coordinator id under %s", r.rootPath)
}

// Release gives the claimed id back without waiting for session expiry.
func (r *CoordinatorRegistry) Release() error {
	if r.claimedPath == "" {
		return nil
	}
	err := r.conn.Delete(r.claimedPath, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("delete coordinator claim: %w", err)
	}
	r.claimedPath = ""
	return nil
}

// PublishLeaderHint records this node as the leader of a partition so
// clients can find where to produce.
func (r *CoordinatorRegistry) PublishLeaderHint(partition types.PartitionID, addr string) error {
	if err := r.ensurePath(fmt.Sprintf("%s/partitions/%d", r.rootPath, partition)); err != nil {
		return fmt.Errorf("ensure partition path: %w", err)
	}

	path := fmt.Sprintf("%s/partitions/%d/leader", r.rootPath, partition)
	exists, stat, err := r.conn.Exists(path)
	if err != nil {
		return fmt.Errorf("zk exists: %w", err)
	}
	if exists {
		if _, err := r.conn.Set(path, []byte(addr), stat.Version); err != nil {
			return fmt.Errorf("zk set leader hint: %w", err)
		}
		return nil
	}
	if _, err := r.conn.Create(path, []byte(addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("zk create leader hint: %w", err)
	}
	return nil
}

// LeaderHint resolves the published leader address of a partition.
func (r *CoordinatorRegistry) LeaderHint(partition types.PartitionID) (string, error) {
	path := fmt.Sprintf("%s/partitions/%d/leader", r.rootPath, partition)
	data, _, err := r.conn.Get(path)
	if err != nil {
		return "", fmt.Errorf("zk get leader hint: %w", err)
	}
	return string(data), nil
}

func (r *CoordinatorRegistry) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func (r *CoordinatorRegistry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
