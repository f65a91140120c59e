// Package guard refuses re-entry into a state-mutating operation on an asset
// while another one is still in flight for the same asset.
package guard

import (
	"fmt"
	"sync"

	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/fault"
)

// InFlight tracks assets with an operation in progress. The zero value is
// ready to use. Enter never blocks, so a collaborator that calls back into
// the engine gets fault.ErrReentrant instead of deadlocking.
type InFlight struct {
	mu     sync.Mutex
	active map[asset.ID]string // asset -> operation holding it
}

// Enter marks id as busy for op. The returned release func must be called
// exactly once when the operation finishes.
func (g *InFlight) Enter(id asset.ID, op string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == nil {
		g.active = make(map[asset.ID]string)
	}
	if holder, busy := g.active[id]; busy {
		return nil, fmt.Errorf("%s on asset %s while %s in flight: %w", op, id, holder, fault.ErrReentrant)
	}
	g.active[id] = op

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, id)
			g.mu.Unlock()
		})
	}, nil
}

// Busy reports whether id has an operation in flight.
func (g *InFlight) Busy(id asset.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[id]
	return busy
}
