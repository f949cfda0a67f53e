package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := Open(fc, ciris.NoOpLogger{}, ciris.PersistenceConfig{
		DBPath:        filepath.Join(t.TempDir(), "main.db"),
		BusyRetryBase: time.Millisecond,
		BusyRetryMax:  10 * time.Millisecond,
		BusyRetryCap:  3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, fc
}

func TestTaskRoundTripPreservesContextAndOutcome(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()

	now := fc.Now()
	task := &ciris.Task{
		TaskID:      "task-1",
		Description: "answer the user",
		Status:      ciris.TaskActive,
		Priority:    int(ciris.PriorityHigh),
		CreatedAt:   now,
		UpdatedAt:   now,
		Context:     ciris.TaskContext{ChannelID: "c1", Originator: "u1", CorrelationID: "corr-1"},
	}
	require.NoError(t, store.SaveTask(ctx, task))

	task.Status = ciris.TaskCompleted
	task.Outcome = &ciris.TaskOutcome{Summary: "replied", Action: ciris.ActionSpeak}
	task.UpdatedAt = now.Add(time.Second)
	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, ciris.TaskCompleted, got.Status)
	assert.Equal(t, "c1", got.Context.ChannelID)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, "replied", got.Outcome.Summary)
	assert.Equal(t, ciris.ActionSpeak, got.Outcome.Action)
}

func TestGetTaskMissingReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetTask(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, ciris.IsNotFound(err))
}

func TestListTasksByStatusFiltersAndLimits(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()
	now := fc.Now()

	for _, tc := range []struct {
		id     string
		status ciris.TaskStatus
	}{
		{"t1", ciris.TaskActive},
		{"t2", ciris.TaskActive},
		{"t3", ciris.TaskDeferred},
	} {
		require.NoError(t, store.SaveTask(ctx, &ciris.Task{
			TaskID: tc.id, Description: "x", Status: tc.status, CreatedAt: now, UpdatedAt: now,
		}))
	}

	active, err := store.ListTasksByStatus(ctx, ciris.TaskActive, 10)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	limited, err := store.ListTasksByStatus(ctx, ciris.TaskActive, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPendingThoughtsObserveCreationOrderWithinTask(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()
	now := fc.Now()

	require.NoError(t, store.SaveTask(ctx, &ciris.Task{
		TaskID: "task-1", Description: "x", Status: ciris.TaskActive, CreatedAt: now, UpdatedAt: now,
	}))
	for i, id := range []string{"th-a", "th-b", "th-c"} {
		require.NoError(t, store.SaveThought(ctx, &ciris.Thought{
			ThoughtID: id, SourceTaskID: "task-1", ThoughtType: ciris.ThoughtStandard,
			Status: ciris.ThoughtPending, RoundNumber: 1, Content: "x",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	pending, err := store.ListPendingThoughts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "th-a", pending[0].ThoughtID)
	assert.Equal(t, "th-b", pending[1].ThoughtID)
	assert.Equal(t, "th-c", pending[2].ThoughtID)
}

func TestChildThoughtsAndActiveCount(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()
	now := fc.Now()

	require.NoError(t, store.SaveTask(ctx, &ciris.Task{
		TaskID: "task-1", Description: "x", Status: ciris.TaskActive, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.SaveThought(ctx, &ciris.Thought{
		ThoughtID: "parent", SourceTaskID: "task-1", ThoughtType: ciris.ThoughtStandard,
		Status: ciris.ThoughtProcessing, RoundNumber: 1, Content: "x", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.SaveThought(ctx, &ciris.Thought{
		ThoughtID: "child", SourceTaskID: "task-1", ThoughtType: ciris.ThoughtFollowUp,
		Status: ciris.ThoughtPending, RoundNumber: 2, Content: "x",
		ParentThoughtID: "parent", CreatedAt: now, UpdatedAt: now,
	}))

	children, err := store.GetChildThoughts(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "child", children[0].ThoughtID)

	count, err := store.CountActiveThoughts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCorrelationQueryFiltersByTypeTimeAndTags(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()
	base := fc.Now()

	require.NoError(t, store.SaveCorrelation(ctx, &ciris.Correlation{
		CorrelationID: "m1", ServiceType: "llm", CorrelationType: ciris.CorrelationMetric,
		Timestamp: base, MetricName: "tokens", MetricValue: 120,
		Tags: map[string]string{"model": "gpt"},
	}))
	require.NoError(t, store.SaveCorrelation(ctx, &ciris.Correlation{
		CorrelationID: "m2", ServiceType: "llm", CorrelationType: ciris.CorrelationMetric,
		Timestamp: base.Add(2 * time.Hour), MetricName: "tokens", MetricValue: 80,
		Tags: map[string]string{"model": "other"},
	}))
	require.NoError(t, store.SaveCorrelation(ctx, &ciris.Correlation{
		CorrelationID: "l1", ServiceType: "processor", CorrelationType: ciris.CorrelationLog,
		Timestamp: base, LogLevel: "info", LogMessage: "round complete",
	}))

	metrics, err := store.QueryCorrelations(ctx, ciris.CorrelationMetric, base.Add(-time.Minute), base.Add(time.Minute), nil, 10)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "m1", metrics[0].CorrelationID)

	tagged, err := store.QueryCorrelations(ctx, ciris.CorrelationMetric, base.Add(-time.Hour), base.Add(3*time.Hour), map[string]string{"model": "other"}, 10)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "m2", tagged[0].CorrelationID)
}

func TestGraphNodeLifecycleAndPrefixQuery(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutNode(ctx, &ciris.GraphNode{
		ID: "user/alice", Type: ciris.NodeUser, Scope: ciris.ScopeLocal,
		Attributes: map[string]interface{}{"name": "alice"},
	}))
	require.NoError(t, store.PutNode(ctx, &ciris.GraphNode{
		ID: "user/bob", Type: ciris.NodeUser, Scope: ciris.ScopeLocal,
		Attributes: map[string]interface{}{"name": "bob"},
	}))
	require.NoError(t, store.PutNode(ctx, &ciris.GraphNode{
		ID: "channel/c1", Type: ciris.NodeChannel, Scope: ciris.ScopeLocal,
		Attributes: map[string]interface{}{},
	}))

	got, err := store.GetNode(ctx, "user/alice", ciris.ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Attributes["name"])

	users, err := store.QueryNodes(ctx, ciris.ScopeLocal, ciris.NodeUser, "user/", 10)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	require.NoError(t, store.DeleteNode(ctx, "user/bob", ciris.ScopeLocal))
	_, err = store.GetNode(ctx, "user/bob", ciris.ScopeLocal)
	assert.True(t, ciris.IsNotFound(err))
}

func TestPutNodeBumpsVersionOnRewrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n := &ciris.GraphNode{ID: "cfg", Type: ciris.NodeConfig, Scope: ciris.ScopeLocal, Attributes: map[string]interface{}{"v": 1.0}}
	require.NoError(t, store.PutNode(ctx, n))
	n.Attributes["v"] = 2.0
	require.NoError(t, store.PutNode(ctx, n))

	got, err := store.GetNode(ctx, "cfg", ciris.ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 2.0, got.Attributes["v"])
}

func TestGraphEdgesFromNode(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutEdge(ctx, ciris.ScopeLocal, &ciris.GraphEdge{
		FromID: "user/alice", ToID: "channel/c1", Relation: "member_of",
	}))
	edges, err := store.EdgesFrom(ctx, ciris.ScopeLocal, "user/alice")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "member_of", edges[0].Relation)
}

func TestScheduledTaskDueAndOneShotCompletion(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()
	now := fc.Now()

	deferUntil := now.Add(time.Hour)
	require.NoError(t, store.UpsertScheduledTask(ctx, &ciris.ScheduledTask{
		ID: "st-1", GoalDescription: "follow up", Status: ciris.ScheduledPending,
		DeferUntil: &deferUntil, TriggerPrompt: "revisit the deferral", NextTriggerAt: deferUntil,
	}))

	due, err := store.DueScheduledTasks(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueScheduledTasks(ctx, now.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, store.MarkTriggered(ctx, "st-1", nil))
	due, err = store.DueScheduledTasks(ctx, now.Add(3*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestScheduledTaskRecurringAdvancesTrigger(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()
	now := fc.Now()

	require.NoError(t, store.UpsertScheduledTask(ctx, &ciris.ScheduledTask{
		ID: "st-cron", GoalDescription: "hourly check", Status: ciris.ScheduledActive,
		ScheduleCron: "0 * * * *", TriggerPrompt: "run maintenance", NextTriggerAt: now,
	}))

	next := now.Add(time.Hour)
	require.NoError(t, store.MarkTriggered(ctx, "st-cron", &next))

	due, err := store.DueScheduledTasks(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueScheduledTasks(ctx, next, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].DeferralCount)
}

func TestReopenIsIdempotentAndKeepsData(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := ciris.PersistenceConfig{DBPath: filepath.Join(t.TempDir(), "main.db")}
	ctx := context.Background()

	store, err := Open(fc, ciris.NoOpLogger{}, cfg)
	require.NoError(t, err)
	now := fc.Now()
	require.NoError(t, store.SaveTask(ctx, &ciris.Task{
		TaskID: "task-1", Description: "x", Status: ciris.TaskActive, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(fc, ciris.NoOpLogger{}, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Description)
}
