package consensus

import (
	"context"
	"sync"

	"dlog/pkg/epoch"
)

// Local confirms every proposal immediately. It is the collaborator for
// single-node deployments and tests, where the replica set is the node
// itself.
type Local struct {
	mu    sync.Mutex
	apply func(epoch.Command) error
}

func NewLocal() *Local {
	return &Local{}
}

// SetApplyFunc mirrors Node.SetApplyFunc so callers can swap the two.
func (l *Local) SetApplyFunc(fn func(epoch.Command) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply = fn
}

func (l *Local) Propose(_ context.Context, cmd epoch.Command) error {
	l.mu.Lock()
	apply := l.apply
	l.mu.Unlock()

	if apply != nil {
		return apply(cmd)
	}
	return nil
}
