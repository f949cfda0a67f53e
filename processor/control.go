package processor

import "context"

// Pause requests the loop suspend after its current round; the next call
// to awaitStep blocks until Resume releases it. SingleStep runs a round
// directly while paused and leaves that block in place. Modeled on
// BaseAgent's mu-guarded flag discipline rather than a raw channel close,
// since Pause/Resume can be called repeatedly and out of order.
func (p *Processor) Pause(ctx context.Context) error {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	p.paused = true
	return nil
}

// Resume clears the paused flag and wakes the loop immediately.
func (p *Processor) Resume(ctx context.Context) error {
	p.pauseMu.Lock()
	p.paused = false
	p.pauseMu.Unlock()
	p.wake()
	return nil
}

// SingleStep runs exactly one round while paused and returns the number
// of thoughts processed, for the operator's step surface.
// If the processor isn't paused, it behaves like an immediate wake.
func (p *Processor) SingleStep(ctx context.Context) (int, error) {
	p.pauseMu.Lock()
	wasPaused := p.paused
	p.pauseMu.Unlock()

	if !wasPaused {
		p.wake()
		return 0, nil
	}
	return p.runRoundBody(ctx)
}

// awaitStep honors an active Pause by blocking the round loop until
// Resume is called or ctx is cancelled. Returns false if
// the round should be skipped (ctx cancelled while paused).
func (p *Processor) awaitStep(ctx context.Context) bool {
	for {
		p.pauseMu.Lock()
		paused := p.paused
		p.pauseMu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.wakeCh:
			// Resume() or a wake re-checks the paused flag above.
		}
	}
}
