package handlers

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/bus"
	"github.com/ciris-ai/ciris-core/clock"
	"github.com/ciris-ai/ciris-core/dma"
	"github.com/ciris-ai/ciris-core/persistence"
	"github.com/ciris-ai/ciris-core/registry"
)

// fakeCommunication is a CommunicationProvider stub whose SendMessage
// outcome and FetchMessages result are controlled per test.
type fakeCommunication struct {
	sendOK       bool
	sendErr      error
	fetchResult  []bus.Message
	fetchErr     error
	sentChannels []string
	sentContent  []string
}

func (f *fakeCommunication) SendMessage(ctx context.Context, channelID, content string) (bool, error) {
	f.sentChannels = append(f.sentChannels, channelID)
	f.sentContent = append(f.sentContent, content)
	return f.sendOK, f.sendErr
}

func (f *fakeCommunication) FetchMessages(ctx context.Context, channelID string, limit int) ([]bus.Message, error) {
	return f.fetchResult, f.fetchErr
}

type fakeTool struct {
	result bus.ToolResult
	err    error
}

func (f *fakeTool) ListTools(ctx context.Context) ([]bus.ToolDescriptor, error) { return nil, nil }
func (f *fakeTool) ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (bus.ToolResult, error) {
	return f.result, f.err
}

type fakeMemory struct {
	nodes map[string]*ciris.GraphNode
}

func newFakeMemory() *fakeMemory { return &fakeMemory{nodes: map[string]*ciris.GraphNode{}} }

func key(id string, scope ciris.GraphScope) string { return string(scope) + "/" + id }

func (f *fakeMemory) PutNode(ctx context.Context, n *ciris.GraphNode) error {
	cp := *n
	f.nodes[key(n.ID, n.Scope)] = &cp
	return nil
}
func (f *fakeMemory) GetNode(ctx context.Context, id string, scope ciris.GraphScope) (*ciris.GraphNode, error) {
	n, ok := f.nodes[key(id, scope)]
	if !ok {
		return nil, ciris.NewFrameworkError("fakeMemory.GetNode", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	cp := *n
	return &cp, nil
}
func (f *fakeMemory) DeleteNode(ctx context.Context, id string, scope ciris.GraphScope) error {
	delete(f.nodes, key(id, scope))
	return nil
}
func (f *fakeMemory) QueryNodes(ctx context.Context, scope ciris.GraphScope, nodeType ciris.GraphNodeType, idPrefix string, limit int) ([]*ciris.GraphNode, error) {
	return nil, nil
}
func (f *fakeMemory) PutEdge(ctx context.Context, scope ciris.GraphScope, e *ciris.GraphEdge) error {
	return nil
}

type fakeWiseAuthority struct {
	guidance       bus.GuidanceResult
	guidanceErr    error
	deferrals      []string
	deferralErr    error
}

func (f *fakeWiseAuthority) RequestGuidance(ctx context.Context, context map[string]interface{}) (bus.GuidanceResult, error) {
	return f.guidance, f.guidanceErr
}
func (f *fakeWiseAuthority) SubmitDeferral(ctx context.Context, taskID, reason string) error {
	f.deferrals = append(f.deferrals, taskID)
	return f.deferralErr
}

// passthroughFilter never encapsulates or rewrites content; it lets
// handler tests assert directly on the content they passed in.
type passthroughFilter struct{}

func (passthroughFilter) Encapsulate(ctx context.Context, content string, actionContext map[string]interface{}) (string, []bus.SecretRef, error) {
	return content, nil, nil
}
func (passthroughFilter) Decapsulate(ctx context.Context, content string, actionType ciris.Action, actionContext map[string]interface{}) (string, error) {
	return content, nil
}

type fakeShutdown struct {
	called bool
	reason string
}

func (f *fakeShutdown) RequestShutdown(ctx context.Context, reason string) error {
	f.called = true
	f.reason = reason
	return nil
}

type harness struct {
	reg     *Registry
	store   *persistence.Store
	chain   *audit.Chain
	clock   *clock.FakeClock
	comm    *fakeCommunication
	tool    *fakeTool
	memory  *fakeMemory
	wise    *fakeWiseAuthority
	shutdow *fakeShutdown
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	store, err := persistence.Open(fc, ciris.NoOpLogger{}, ciris.PersistenceConfig{DBPath: filepath.Join(dir, "main.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := audit.NewEd25519Signer("key-1", priv)
	require.NoError(t, err)
	verifier, err := audit.NewEd25519Verifier("key-1", pub)
	require.NoError(t, err)
	kr := audit.NewKeyRing()
	kr.Add(&audit.KeyRecord{KeyID: "key-1", Algorithm: audit.AlgEd25519, Signer: signer, Verifier: verifier, CreatedAt: fc.Now()})
	chain, err := audit.NewChain(context.Background(), filepath.Join(dir, "journal.jsonl"), filepath.Join(dir, "index.db"), kr, fc, nil)
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	reg := registry.NewMemoryRegistry(fc, ciris.NoOpLogger{}, ciris.RegistryConfig{})
	comm := &fakeCommunication{sendOK: true}
	tool := &fakeTool{result: bus.ToolResult{Success: true, Output: map[string]interface{}{"ok": true}}}
	mem := newFakeMemory()
	wise := &fakeWiseAuthority{guidance: bus.GuidanceResult{Authorized: true}}

	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "comm-1", registry.Registration{ServiceType: "communication", Capabilities: []string{"communication.send_message", "communication.fetch_messages"}, Priority: ciris.PriorityNormal, Provider: comm}))
	require.NoError(t, reg.Register(ctx, "tool-1", registry.Registration{ServiceType: "tool", Capabilities: []string{"tool.execute"}, Priority: ciris.PriorityNormal, Provider: tool}))
	require.NoError(t, reg.Register(ctx, "memory-1", registry.Registration{ServiceType: "memory", Capabilities: []string{"memory.put_node", "memory.get_node", "memory.delete_node", "memory.query", "memory.put_edge"}, Priority: ciris.PriorityNormal, Provider: mem}))
	require.NoError(t, reg.Register(ctx, "wise-1", registry.Registration{ServiceType: "wise_authority", Capabilities: []string{"wise_authority.request_guidance", "wise_authority.submit_deferral"}, Priority: ciris.PriorityNormal, Provider: wise}))
	require.NoError(t, reg.Register(ctx, "filter-1", registry.Registration{ServiceType: "filter", Capabilities: []string{"filter.encapsulate", "filter.decapsulate"}, Priority: ciris.PriorityNormal, Provider: passthroughFilter{}}))

	buses := bus.NewBuses(reg, fc, ciris.NoOpLogger{})
	shut := &fakeShutdown{}

	r := New(store, buses, chain, fc, ciris.ProcessorConfig{MaxThoughtDepth: 7}, ciris.DMAConfig{IdentityVarianceLimit: 0.20}, shut, ciris.NoOpLogger{})

	return &harness{reg: r, store: store, chain: chain, clock: fc, comm: comm, tool: tool, memory: mem, wise: wise, shutdow: shut}
}

func seedTaskAndThought(t *testing.T, h *harness) (*ciris.Task, *ciris.Thought) {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()
	task := &ciris.Task{
		TaskID:      "task-1",
		Description: "hello",
		Status:      ciris.TaskActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, h.store.SaveTask(ctx, task))
	thought := &ciris.Thought{
		ThoughtID:    "thought-1",
		SourceTaskID: task.TaskID,
		ThoughtType:  ciris.ThoughtStandard,
		Status:       ciris.ThoughtProcessing,
		RoundNumber:  0,
		Content:      "hello",
		Context:      ciris.ThoughtContext{ChannelID: "c1"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, h.store.SaveThought(ctx, thought))
	return task, thought
}

func TestSpeakHandlerDeliversAndCompletes(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	result := dma.PipelineResult{Action: ciris.ActionSpeak, Rationale: "reply", Parameters: map[string]interface{}{"channel_id": "c1", "content": "hi there"}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))

	assert.Equal(t, ciris.ThoughtCompleted, thought.Status)
	assert.Equal(t, []string{"c1"}, h.comm.sentChannels)
	assert.Equal(t, []string{"hi there"}, h.comm.sentContent)
	assert.False(t, h.shutdow.called)
}

func TestSpeakHandlerTriggersShutdownOnDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()
	h.comm.sendOK = false

	result := dma.PipelineResult{Action: ciris.ActionSpeak, Parameters: map[string]interface{}{"channel_id": "c1", "content": "hi"}}
	err := h.reg.Dispatch(ctx, task, thought, result)
	require.Error(t, err)
	assert.True(t, h.shutdow.called)
}

func TestObserveHandlerCreatesFollowUp(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()
	h.comm.fetchResult = []bus.Message{{AuthorID: "u1", Content: "hey"}}

	result := dma.PipelineResult{Action: ciris.ActionObserve, Parameters: map[string]interface{}{"channel_id": "c1"}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))
	assert.Equal(t, ciris.ThoughtCompleted, thought.Status)
}

func TestToolHandlerRunsAndFollowsUp(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	result := dma.PipelineResult{Action: ciris.ActionTool, Parameters: map[string]interface{}{"name": "search", "params": map[string]interface{}{"q": "x"}}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))
	assert.Equal(t, ciris.ThoughtCompleted, thought.Status)
}

func TestRejectHandlerFailsTaskWithNoFollowUp(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	result := dma.PipelineResult{Action: ciris.ActionReject, Parameters: map[string]interface{}{"reason": "not actionable"}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))

	saved, err := h.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ciris.TaskFailed, saved.Status)
	assert.Equal(t, "not actionable", saved.Outcome.Summary)

	children, err := h.store.GetChildThoughts(ctx, thought.ThoughtID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestPonderHandlerIncrementsCountAndCarriesForward(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	result := dma.PipelineResult{Action: ciris.ActionPonder, Parameters: map[string]interface{}{"guidance": "try again"}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))
	assert.Equal(t, 1, thought.PonderCount)

	children, err := h.store.GetChildThoughts(ctx, thought.ThoughtID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, 1, children[0].PonderCount)
}

func TestDeferHandlerSchedulesRetrigger(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	result := dma.PipelineResult{Action: ciris.ActionDefer, Parameters: map[string]interface{}{"reason": "needs review", "retry_after_seconds": 60}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))

	saved, err := h.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ciris.TaskDeferred, saved.Status)
	assert.Len(t, h.wise.deferrals, 1)

	due, err := h.store.DueScheduledTasks(ctx, h.clock.Now(), 2*time.Minute)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemorizeHandlerStoresLocalScopeNode(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	result := dma.PipelineResult{Action: ciris.ActionMemorize, Parameters: map[string]interface{}{
		"node_id": "n1", "node_type": "CONCEPT", "scope": "LOCAL",
		"attributes": map[string]interface{}{"content": "note"},
	}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))

	node, err := h.memory.GetNode(ctx, "n1", ciris.ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, "note", node.Attributes["content"])
}

func TestMemorizeHandlerRejectsAnyIdentityWriteWithoutAuthorization(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	require.NoError(t, h.memory.PutNode(ctx, &ciris.GraphNode{ID: "identity", Scope: ciris.ScopeIdentity, Attributes: map[string]interface{}{"trust": 1.0}}))
	h.wise.guidance = bus.GuidanceResult{Authorized: false}

	// Even a small change stays blocked: every identity write needs the
	// authority's sign-off, not just over-variance ones.
	result := dma.PipelineResult{Action: ciris.ActionMemorize, Parameters: map[string]interface{}{
		"node_id": "identity", "node_type": "IDENTITY", "scope": "IDENTITY",
		"attributes": map[string]interface{}{"trust": 0.9},
	}}
	err := h.reg.Dispatch(ctx, task, thought, result)
	require.Error(t, err)
	assert.True(t, ciris.IsSecurityViolation(err))

	node, err := h.memory.GetNode(ctx, "identity", ciris.ScopeIdentity)
	require.NoError(t, err)
	assert.Equal(t, 1.0, node.Attributes["trust"], "unauthorized write must not land")
}

func TestMemorizeHandlerAllowsAuthorizedIdentityWriteWithinVariance(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	require.NoError(t, h.memory.PutNode(ctx, &ciris.GraphNode{ID: "identity", Scope: ciris.ScopeIdentity, Attributes: map[string]interface{}{"trust": 1.0}}))
	h.wise.guidance = bus.GuidanceResult{Authorized: true, ReviewerID: "reviewer-1"}

	result := dma.PipelineResult{Action: ciris.ActionMemorize, Parameters: map[string]interface{}{
		"node_id": "identity", "node_type": "IDENTITY", "scope": "IDENTITY",
		"attributes": map[string]interface{}{"trust": 0.9},
	}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))

	node, err := h.memory.GetNode(ctx, "identity", ciris.ScopeIdentity)
	require.NoError(t, err)
	assert.Equal(t, 0.9, node.Attributes["trust"])
}

func TestMemorizeHandlerDefersExcessIdentityVarianceEvenWhenAuthorized(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	require.NoError(t, h.memory.PutNode(ctx, &ciris.GraphNode{ID: "identity", Scope: ciris.ScopeIdentity, Attributes: map[string]interface{}{"trust": 1.0}}))
	h.wise.guidance = bus.GuidanceResult{Authorized: true, ReviewerID: "reviewer-1"}

	result := dma.PipelineResult{Action: ciris.ActionMemorize, Parameters: map[string]interface{}{
		"node_id": "identity", "node_type": "IDENTITY", "scope": "IDENTITY",
		"attributes": map[string]interface{}{"trust": 0.0},
	}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))

	node, err := h.memory.GetNode(ctx, "identity", ciris.ScopeIdentity)
	require.NoError(t, err)
	assert.Equal(t, 1.0, node.Attributes["trust"], "over-variance write never lands directly")

	assert.Equal(t, ciris.TaskDeferred, task.Status)
	assert.Equal(t, ciris.ThoughtDeferred, thought.Status)
	assert.Contains(t, h.wise.deferrals, task.TaskID)
}

func TestRecallHandlerFetchesAndCompletes(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()
	require.NoError(t, h.memory.PutNode(ctx, &ciris.GraphNode{ID: "n1", Scope: ciris.ScopeLocal, Attributes: map[string]interface{}{"content": "stored value"}}))

	result := dma.PipelineResult{Action: ciris.ActionRecall, Parameters: map[string]interface{}{"node_id": "n1", "scope": "LOCAL"}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))
	assert.Equal(t, ciris.ThoughtCompleted, thought.Status)
}

func TestForgetHandlerDeletesLocalNode(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()
	require.NoError(t, h.memory.PutNode(ctx, &ciris.GraphNode{ID: "n1", Scope: ciris.ScopeLocal}))

	result := dma.PipelineResult{Action: ciris.ActionForget, Parameters: map[string]interface{}{"node_id": "n1", "scope": "LOCAL"}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))

	_, err := h.memory.GetNode(ctx, "n1", ciris.ScopeLocal)
	assert.True(t, ciris.IsNotFound(err))
}

func TestTaskCompleteHandlerCompletesTaskAndSigns(t *testing.T) {
	h := newHarness(t)
	task, thought := seedTaskAndThought(t, h)
	ctx := context.Background()

	result := dma.PipelineResult{Action: ciris.ActionTaskComplete, Parameters: map[string]interface{}{"summary": "all done"}}
	require.NoError(t, h.reg.Dispatch(ctx, task, thought, result))

	saved, err := h.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ciris.TaskCompleted, saved.Status)
	assert.Equal(t, "all done", saved.Outcome.Summary)
	assert.Equal(t, ciris.ThoughtCompleted, thought.Status)
}
