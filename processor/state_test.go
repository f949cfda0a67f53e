package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

func TestRequestStateHonorsTransitionTable(t *testing.T) {
	p, _, _, _, _ := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, p.transitionTo(StateWakeup))
	require.NoError(t, p.transitionTo(StateWork))

	require.NoError(t, p.RequestState(ctx, StatePlay))
	assert.Equal(t, StatePlay, p.State())

	// PLAY cannot jump straight to DREAM; only WORK can.
	err := p.RequestState(ctx, StateDream)
	require.Error(t, err)
	assert.Equal(t, StatePlay, p.State())

	require.NoError(t, p.RequestState(ctx, StateWork))
	require.NoError(t, p.RequestState(ctx, StateDream))
	assert.Equal(t, StateDream, p.State())
}

// contextCapturingDispatcher records the thought context each dispatch
// saw, so tests can assert on what the pipeline/handlers were given.
type contextCapturingDispatcher struct {
	contexts []ciris.ThoughtContext
}

func (d *contextCapturingDispatcher) Dispatch(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	d.contexts = append(d.contexts, thought.Context)
	return nil
}

func TestPlayStateMarksThoughtsForExploration(t *testing.T) {
	p, _, _, _, _ := newTestHarness(t)
	ctx := context.Background()

	capturing := &contextCapturingDispatcher{}
	p.Dispatcher = capturing

	_, err := p.SubmitMessage(ctx, ciris.IncomingMessage{AuthorID: "u1", ChannelID: "c1", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, p.seedInitialThoughts(ctx))

	require.NoError(t, p.transitionTo(StateWakeup))
	require.NoError(t, p.transitionTo(StateWork))
	require.NoError(t, p.transitionTo(StatePlay))

	n, err := p.runRoundBody(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, capturing.contexts, 1)
	assert.Equal(t, true, capturing.contexts[0].Extra["exploration"])
}

func TestDreamStateSuppressesExternalActions(t *testing.T) {
	p, store, chain, _, dispatcher := newTestHarness(t)
	ctx := context.Background()

	_, err := p.SubmitMessage(ctx, ciris.IncomingMessage{AuthorID: "u1", ChannelID: "c1", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, p.seedInitialThoughts(ctx))

	require.NoError(t, p.transitionTo(StateWakeup))
	require.NoError(t, p.transitionTo(StateWork))
	require.NoError(t, p.transitionTo(StateDream))

	// The harness selector picks SPEAK, which has no place in DREAM.
	_, err = p.runRoundBody(ctx)
	require.NoError(t, err)
	assert.Empty(t, dispatcher.dispatched, "external action must not dispatch during DREAM")

	assert.Contains(t, auditEventTypes(t, chain), audit.EventGuardrailTrip)

	count, err := store.CountActiveThoughts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "suppressed thought is parked as DEFERRED, not left active")
}

func TestDreamStateDispatchesMemorizeActions(t *testing.T) {
	p, _, _, _, dispatcher := newTestHarness(t)
	ctx := context.Background()

	p.Pipeline.Selector = stubSelector{action: ciris.ActionMemorize}

	_, err := p.SubmitMessage(ctx, ciris.IncomingMessage{AuthorID: "u1", ChannelID: "c1", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, p.seedInitialThoughts(ctx))

	require.NoError(t, p.transitionTo(StateWakeup))
	require.NoError(t, p.transitionTo(StateWork))
	require.NoError(t, p.transitionTo(StateDream))

	n, err := p.runRoundBody(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, dispatcher.dispatched, 1)
	assert.Equal(t, ciris.ActionMemorize, dispatcher.dispatched[0])
}
