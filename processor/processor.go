package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/bus"
	"github.com/ciris-ai/ciris-core/clock"
	"github.com/ciris-ai/ciris-core/dma"
	"github.com/ciris-ai/ciris-core/persistence"
)

// Dispatcher is the handlers package's entry point into a dispatched
// action. The processor depends on this interface rather than the
// handlers package directly to keep the dependency direction
// processor→handlers instead of a cycle; cmd/ciris wires the concrete
// handler registry in.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error
}

// Processor runs the cognitive state machine and round loop. Every
// dependency is an explicit constructor argument; there are no
// package-level globals.
type Processor struct {
	Store      *persistence.Store
	Buses      *bus.Buses
	Pipeline   *dma.Pipeline
	Chain      *audit.Chain
	Dispatcher Dispatcher
	Clock      clock.Clock
	Config     ciris.ProcessorConfig
	DMAConfig  ciris.DMAConfig
	Security   ciris.SecurityConfig
	logger     ciris.Logger

	stateMu sync.RWMutex
	state   State

	pauseMu sync.Mutex
	paused  bool

	wakeCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	lastRoundCount atomic.Int64
}

// New builds a Processor in the SHUTDOWN state.
func New(store *persistence.Store, buses *bus.Buses, pipeline *dma.Pipeline, chain *audit.Chain, dispatcher Dispatcher, cl clock.Clock, cfg ciris.ProcessorConfig, dmaCfg ciris.DMAConfig, logger ciris.Logger) *Processor {
	if logger == nil {
		logger = ciris.NoOpLogger{}
	}
	return &Processor{
		Store:      store,
		Buses:      buses,
		Pipeline:   pipeline,
		Chain:      chain,
		Dispatcher: dispatcher,
		Clock:      cl,
		Config:     cfg,
		DMAConfig:  dmaCfg,
		logger:     logger,
		state:      StateShutdown,
		wakeCh:     make(chan struct{}, 1),
	}
}

// SubmitMessage turns an adapter's IncomingMessage into a new Task —
// the single ingress point adapters call.
func (p *Processor) SubmitMessage(ctx context.Context, msg ciris.IncomingMessage) (string, error) {
	taskID := uuid.New().String()
	now := p.Clock.Now()
	task := &ciris.Task{
		TaskID:      taskID,
		Description: msg.Content,
		Status:      ciris.TaskActive,
		Priority:    int(ciris.PriorityNormal),
		CreatedAt:   now,
		UpdatedAt:   now,
		Context: ciris.TaskContext{
			ChannelID:     msg.ChannelID,
			Originator:    msg.AuthorID,
			CorrelationID: msg.CorrelationID,
		},
	}
	if err := p.Store.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("submit_message: %w", err)
	}
	if _, err := p.Chain.Append(ctx, audit.EventTaskCreated, msg.AuthorID, taskID, map[string]interface{}{
		"channel_id": msg.ChannelID,
	}); err != nil {
		p.logger.Warn("audit append failed for task creation", map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}
	p.wake()
	return taskID, nil
}

func (p *Processor) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Start transitions SHUTDOWN→WAKEUP and runs the controller loop until
// ctx is cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return ciris.NewFrameworkError("processor.start", ciris.KindValidation, fmt.Errorf("already running"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := p.transitionTo(StateWakeup); err != nil {
		p.running.Store(false)
		return err
	}
	if err := p.wakeupChecks(runCtx); err != nil {
		p.logger.Error("wakeup checks failed, staying in SHUTDOWN", map[string]interface{}{"error": err.Error()})
		_ = p.transitionTo(StateShutdown)
		p.running.Store(false)
		return err
	}
	if err := p.transitionTo(StateWork); err != nil {
		p.running.Store(false)
		return err
	}

	p.wg.Add(1)
	go p.loop(runCtx)
	return nil
}

// Stop requests shutdown and waits up to Config.ShutdownGrace for the
// loop to drain; work still in flight past the grace window is abandoned
// and reported.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}
	_ = p.transitionTo(StateShutdown)
	if p.cancel != nil {
		p.cancel()
	}

	grace := p.Config.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.running.Store(false)
		_, _ = p.Chain.Append(ctx, audit.EventShutdown, "processor", "", nil)
		return nil
	case <-p.Clock.After(grace):
		p.running.Store(false)
		return ciris.NewFrameworkError("processor.stop", ciris.KindTransient, fmt.Errorf("shutdown grace window exceeded, in-flight work abandoned"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wakeupChecks is the WAKEUP state's scripted self-check: verify the
// identity root exists. Real identity-root verification lives in the
// composition root's Memory provider wiring; here we only gate the
// transition on whatever the Store already reports.
func (p *Processor) wakeupChecks(ctx context.Context) error {
	_, err := p.Store.GetNode(ctx, "identity-root", ciris.ScopeIdentity)
	if err != nil && !ciris.IsNotFound(err) {
		return fmt.Errorf("wakeup identity check: %w", err)
	}
	return nil
}

// idleRoundsToSolitude is how many consecutive empty WORK rounds it takes
// before the processor drops into SOLITUDE; solitudeDelayFactor stretches
// the round delay while there, and correlationRetention bounds how much
// time-series history SOLITUDE maintenance keeps.
const (
	idleRoundsToSolitude = 5
	solitudeDelayFactor  = 6
	correlationRetention = 30 * 24 * time.Hour
)

// RequestState applies an operator-requested cognitive state change
// (WORK→PLAY, WORK→DREAM, back to WORK, ...) through the same transition
// table the loop uses, waking the loop so the new state takes effect
// immediately.
func (p *Processor) RequestState(ctx context.Context, next State) error {
	if err := p.transitionTo(next); err != nil {
		return err
	}
	p.wake()
	return nil
}

// loop is the single controller loop: one call to runRound per
// iteration, sleeping ROUND_DELAY or waking early on wakeCh, until the
// context is cancelled. Consecutive empty WORK rounds drive the
// WORK→SOLITUDE transition; finding work again drives SOLITUDE→WORK.
func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	baseDelay := p.Config.RoundDelay
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}

	idle := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := p.runRound(ctx)
		if err != nil {
			p.logger.Error("round failed", map[string]interface{}{"error": err.Error()})
		}
		p.lastRoundCount.Store(int64(n))

		if n > 0 {
			idle = 0
			if p.State() == StateSolitude {
				_ = p.transitionTo(StateWork)
			}
		} else if p.State() == StateWork {
			idle++
			if idle >= idleRoundsToSolitude {
				_ = p.transitionTo(StateSolitude)
				idle = 0
			}
		}

		delay := baseDelay
		if p.State() == StateSolitude {
			delay = baseDelay * solitudeDelayFactor
		}
		timer := p.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wakeCh:
			timer.Stop()
		case <-timer.C():
		}
	}
}

// runRound executes one pass of the round loop: honor
// pause/step, trigger due scheduled tasks, seed initial thoughts, pull
// pending thoughts, run them through the DMA pipeline with bounded
// parallelism, and dispatch selected actions. Returns the number of
// thoughts processed, for the runtime-control Step surface.
func (p *Processor) runRound(ctx context.Context) (int, error) {
	if !p.awaitStep(ctx) {
		return 0, nil
	}
	return p.runRoundBody(ctx)
}

// runRoundBody is the actual unit of work a round performs, factored out
// so SingleStep can invoke it directly while the loop is paused without
// re-entering awaitStep's block.
func (p *Processor) runRoundBody(ctx context.Context) (int, error) {
	if err := p.triggerDueScheduledTasks(ctx); err != nil {
		p.logger.Warn("scheduled task trigger failed", map[string]interface{}{"error": err.Error()})
	}
	if p.State() == StateSolitude {
		cutoff := p.Clock.Now().Add(-correlationRetention)
		if pruned, err := p.Store.PruneCorrelations(ctx, cutoff); err != nil {
			p.logger.Warn("correlation compaction failed", map[string]interface{}{"error": err.Error()})
		} else if pruned > 0 {
			p.logger.Info("compacted correlations", map[string]interface{}{"pruned": pruned})
		}
	}
	if err := p.seedInitialThoughts(ctx); err != nil {
		p.logger.Warn("seed initial thoughts failed", map[string]interface{}{"error": err.Error()})
	}

	limit := p.Config.MaxActiveThoughts
	if limit <= 0 {
		limit = 50
	}
	thoughts, err := p.Store.ListPendingThoughts(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending thoughts: %w", err)
	}
	if len(thoughts) == 0 {
		return 0, nil
	}

	for _, th := range thoughts {
		th.Status = ciris.ThoughtProcessing
		th.UpdatedAt = p.Clock.Now()
		if err := p.Store.SaveThought(ctx, th); err != nil {
			p.logger.Warn("mark thought processing failed", map[string]interface{}{"thought_id": th.ThoughtID, "error": err.Error()})
		}
	}

	p.processBatch(ctx, thoughts)
	return len(thoughts), nil
}

// processBatch runs the DMA pipeline and dispatches each thought's
// selected action concurrently, bounded to MaxConcurrency — the same
// buffered-channel semaphore idiom dma.Pipeline itself uses for its own
// PDMA/CSDMA/DSDMA fan-out.
func (p *Processor) processBatch(ctx context.Context, thoughts []*ciris.Thought) {
	sem := make(chan struct{}, p.Pipeline.MaxConcurrency)
	var wg sync.WaitGroup

	for _, th := range thoughts {
		th := th
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			p.processOne(ctx, th)
		}()
	}
	wg.Wait()
}

func (p *Processor) processOne(ctx context.Context, thought *ciris.Thought) {
	task, err := p.Store.GetTask(ctx, thought.SourceTaskID)
	if err != nil {
		p.logger.Error("could not load task for thought", map[string]interface{}{"thought_id": thought.ThoughtID, "error": err.Error()})
		return
	}

	// PLAY is WORK with elevated exploration: the flag rides in the
	// thought context so the LLM-backed DMAs see it in their prompt
	// context without the pipeline needing per-state configuration.
	if p.State() == StatePlay {
		if thought.Context.Extra == nil {
			thought.Context.Extra = map[string]interface{}{}
		}
		thought.Context.Extra["exploration"] = true
	}

	result := p.Pipeline.Run(ctx, thought, p.Config.MaxThoughtDepth)

	if result.Epistemic.Overridden {
		_, _ = p.Chain.Append(ctx, audit.EventConscienceOverride, "conscience", thought.ThoughtID, map[string]interface{}{
			"override_reason": result.Epistemic.OverrideReason,
		})
	}
	if result.GuardName != "" {
		_, _ = p.Chain.Append(ctx, audit.EventGuardrailTrip, "processor", thought.ThoughtID, map[string]interface{}{
			"guard": result.GuardName,
		})
	}
	_, _ = p.Chain.Append(ctx, audit.EventDMAEvaluation, "dma_pipeline", thought.ThoughtID, map[string]interface{}{
		"action":    string(result.Action),
		"entropy":   result.Epistemic.Entropy,
		"coherence": result.Epistemic.Coherence,
	})

	action := result.Action
	thought.Context.Epistemic = &result.Epistemic
	thought.FinalAction = &action

	// DREAM consolidates memory offline: anything that would reach
	// outside the process is suppressed and the thought deferred until
	// the processor is back in WORK.
	if p.State() == StateDream && !dreamSafeAction(action) {
		_, _ = p.Chain.Append(ctx, audit.EventGuardrailTrip, "processor", thought.ThoughtID, map[string]interface{}{
			"guard":  "dream-external-suppression",
			"action": string(action),
		})
		thought.Status = ciris.ThoughtDeferred
		thought.UpdatedAt = p.Clock.Now()
		if err := p.Store.SaveThought(ctx, thought); err != nil {
			p.logger.Error("save suppressed thought failed", map[string]interface{}{"thought_id": thought.ThoughtID, "error": err.Error()})
		}
		return
	}

	if err := p.Dispatcher.Dispatch(ctx, task, thought, result); err != nil {
		p.logger.Error("handler dispatch failed", map[string]interface{}{
			"thought_id": thought.ThoughtID,
			"action":     string(action),
			"error":      err.Error(),
		})
		thought.Status = ciris.ThoughtFailed
	}

	thought.UpdatedAt = p.Clock.Now()
	if err := p.Store.SaveThought(ctx, thought); err != nil {
		p.logger.Error("save thought after dispatch failed", map[string]interface{}{"thought_id": thought.ThoughtID, "error": err.Error()})
	}
}

// dreamSafeAction reports whether action may dispatch during DREAM:
// memory consolidation plus the terminal action that closes a chain.
func dreamSafeAction(a ciris.Action) bool {
	switch a {
	case ciris.ActionMemorize, ciris.ActionRecall, ciris.ActionForget, ciris.ActionTaskComplete:
		return true
	default:
		return false
	}
}

// seedInitialThoughts creates the first Thought for every ACTIVE Task
// with none yet.
func (p *Processor) seedInitialThoughts(ctx context.Context) error {
	tasks, err := p.Store.ListTasksByStatus(ctx, ciris.TaskActive, 100)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		existing, err := p.Store.ListPendingThoughtsForTask(ctx, t.TaskID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		now := p.Clock.Now()
		th := &ciris.Thought{
			ThoughtID:    uuid.New().String(),
			SourceTaskID: t.TaskID,
			ThoughtType:  ciris.ThoughtStandard,
			Status:       ciris.ThoughtPending,
			RoundNumber:  1,
			Content:      t.Description,
			Context:      ciris.ThoughtContext{ChannelID: t.Context.ChannelID, CorrelationID: t.Context.CorrelationID},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := p.Store.SaveThought(ctx, th); err != nil {
			return err
		}
		_, _ = p.Chain.Append(ctx, audit.EventThoughtCreated, "processor", th.ThoughtID, map[string]interface{}{"task_id": t.TaskID})
	}
	return nil
}

// triggerDueScheduledTasks promotes any ScheduledTask whose NextTriggerAt
// has passed into a new Task.
func (p *Processor) triggerDueScheduledTasks(ctx context.Context) error {
	due, err := p.Store.DueScheduledTasks(ctx, p.Clock.Now(), 0)
	if err != nil {
		return err
	}
	for _, st := range due {
		now := p.Clock.Now()
		task := &ciris.Task{
			TaskID:      uuid.New().String(),
			Description: st.TriggerPrompt,
			Status:      ciris.TaskActive,
			CreatedAt:   now,
			UpdatedAt:   now,
			Context:     ciris.TaskContext{Originator: "scheduler"},
		}
		if err := p.Store.SaveTask(ctx, task); err != nil {
			return err
		}
		_, _ = p.Chain.Append(ctx, audit.EventTaskCreated, "scheduler", task.TaskID, map[string]interface{}{"scheduled_task_id": st.ID})
		if err := p.Store.MarkTriggered(ctx, st.ID, nil); err != nil {
			return err
		}
	}
	return nil
}
