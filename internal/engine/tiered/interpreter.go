package tiered

import (
	"sync"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

// StateInterpreter serves the interpret tier with the reference
// interpreter over a persistent register file and sparse memory.
// Embedders with their own execution engine supply an Interpreter of
// their own instead; this one exists so the engine works out of the
// box and so tests can observe interpreted execution.
type StateInterpreter struct {
	mu    sync.Mutex
	state *ir.State
}

func NewStateInterpreter() *StateInterpreter {
	return &StateInterpreter{state: ir.NewState()}
}

// Interpret runs b against the persistent state.
func (si *StateInterpreter) Interpret(b *ir.Block) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	_, _, err := ir.Interpret(b, si.state)
	return err
}

// State exposes the underlying state for tests and embedders.
func (si *StateInterpreter) State() *ir.State {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.state
}
