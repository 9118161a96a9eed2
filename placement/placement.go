// Package placement selects a worker for an authorization request.
package placement

import (
	"context"
	"errors"
	"math/rand"

	"github.com/monkey-troop/coordinator/registry"
)

// ErrNoCapableIdleWorker means no live IDLE worker serves the requested model.
var ErrNoCapableIdleWorker = errors.New("placement: no capable idle worker")

// Selector picks among idle capable workers. The draw is uniformly random;
// weighting by multiplier * trust_score is the obvious next policy once the
// fleet is large enough for it to matter.
type Selector struct {
	registry *registry.Registry
	pick     func(n int) int
}

// New constructs a selector over the fleet registry.
func New(reg *registry.Registry) *Selector {
	return &Selector{registry: reg, pick: rand.Intn}
}

// Select returns a live IDLE worker serving model.
func (s *Selector) Select(ctx context.Context, model string) (registry.Heartbeat, error) {
	peers, err := s.registry.ListPeers(ctx, model)
	if err != nil {
		return registry.Heartbeat{}, err
	}
	if len(peers) == 0 {
		return registry.Heartbeat{}, ErrNoCapableIdleWorker
	}
	return peers[s.pick(len(peers))], nil
}
