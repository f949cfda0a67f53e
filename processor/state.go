// Package processor implements the Cognitive Processor: the
// six-state machine and round loop that pulls pending Thoughts, runs them
// through the DMA pipeline, and dispatches the resulting actions to
// handlers. A single controller goroutine owns the loop (atomic running
// flag, context.WithCancel + sync.WaitGroup lifecycle, graceful shutdown
// on a timeout), stepping through six named states and honoring
// pause/step and a shutdown grace window.
package processor

import (
	"fmt"

	"github.com/ciris-ai/ciris-core"
)

// State is one of the processor's six cognitive states.
type State string

const (
	StateShutdown  State = "SHUTDOWN"
	StateWakeup    State = "WAKEUP"
	StateWork      State = "WORK"
	StatePlay      State = "PLAY"
	StateSolitude  State = "SOLITUDE"
	StateDream     State = "DREAM"
)

// validTransitions is the cognitive state machine's transition table. A
// transition not listed here is rejected by transitionTo.
var validTransitions = map[State]map[State]bool{
	StateShutdown: {StateWakeup: true},
	StateWakeup:   {StateWork: true, StateShutdown: true},
	StateWork:     {StateSolitude: true, StateDream: true, StatePlay: true, StateShutdown: true},
	StatePlay:     {StateWork: true, StateSolitude: true, StateShutdown: true},
	StateSolitude: {StateWork: true, StateShutdown: true},
	StateDream:    {StateWork: true, StateShutdown: true},
}

// transitionTo validates and applies a state change. Every state may
// transition to SHUTDOWN, since a shutdown signal can arrive at any time.
func (p *Processor) transitionTo(next State) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	current := p.state
	if next == StateShutdown || validTransitions[current][next] {
		p.logger.Info("processor state transition", map[string]interface{}{
			"from": string(current),
			"to":   string(next),
		})
		p.state = next
		return nil
	}
	return ciris.NewFrameworkError("processor.transition", ciris.KindValidation,
		fmt.Errorf("invalid transition %s -> %s", current, next))
}

// State returns the processor's current state.
func (p *Processor) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}
