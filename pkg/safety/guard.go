package safety

import (
	"sync"
	"sync/atomic"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

// Guard is a per-instance reentrancy guard. Entering a held guard fails fast
// with ReentrancyError instead of waiting, so a nested call through an
// external collaborator can never deadlock or observe half-applied state.
//
//	release, err := g.Enter()
//	if err != nil {
//		return err
//	}
//	defer release()
type Guard struct {
	name string
	held atomic.Bool
}

// NewGuard creates a guard whose errors are tagged with the owning component.
func NewGuard(name string) *Guard {
	return &Guard{name: name}
}

// Enter acquires the guard. The returned release func is safe to call more
// than once.
func (g *Guard) Enter() (func(), error) {
	if !g.held.CompareAndSwap(false, true) {
		return func() {}, protoerr.New(protoerr.KindReentrancy, g.name, "call already in progress")
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.held.Store(false) })
	}, nil
}

// Held reports whether a call currently holds the guard.
func (g *Guard) Held() bool {
	return g.held.Load()
}
