// Package collective provides the boolean OR reduction over all processes.
package collective

import (
	"context"
	"fmt"
	"sync"
)

// Reducer combines a boolean across every process. All processes must call
// AnyTrue the same number of times; each call is a barrier.
type Reducer interface {
	AnyTrue(ctx context.Context, v bool) (bool, error)
}

// Local is the reducer of a single-process run.
type Local struct{}

func (Local) AnyTrue(_ context.Context, v bool) (bool, error) { return v, nil }

type round struct {
	done    chan struct{}
	arrived int
	acc     bool
}

// Group is an in-memory reducer shared by size participants running in the
// same OS process, one per simulated rank.
type Group struct {
	size int

	mu  sync.Mutex
	cur *round
}

// NewGroup creates a group of size participants.
func NewGroup(size int) (*Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("collective: group size %d < 1", size)
	}
	return &Group{size: size, cur: &round{done: make(chan struct{})}}, nil
}

// Size is the number of participants.
func (g *Group) Size() int { return g.size }

// AnyTrue contributes v to the current round and waits for the others. A
// participant that gives up on ctx leaves the round short; the group is
// unusable afterwards.
func (g *Group) AnyTrue(ctx context.Context, v bool) (bool, error) {
	g.mu.Lock()
	r := g.cur
	r.acc = r.acc || v
	r.arrived++
	if r.arrived == g.size {
		close(r.done)
		g.cur = &round{done: make(chan struct{})}
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.acc, nil
	case <-ctx.Done():
		return false, fmt.Errorf("collective: any_true: %w", ctx.Err())
	}
}
