package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/registry"
)

func newControlHarness(t *testing.T) (*RuntimeControl, *Processor, *audit.Chain) {
	t.Helper()
	p, _, chain, _, _ := newTestHarness(t)
	reg := p.Buses.Communication.Registry
	rc := NewRuntimeControl(p, ciris.NewConfig(), reg, chain)
	return rc, p, chain
}

func TestQueueReportsPendingBacklogAndPauseState(t *testing.T) {
	rc, p, _ := newControlHarness(t)
	ctx := context.Background()

	_, err := p.SubmitMessage(ctx, ciris.IncomingMessage{AuthorID: "u1", ChannelID: "c1", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, p.seedInitialThoughts(ctx))
	require.NoError(t, p.Pause(ctx))

	status, err := rc.Queue(ctx)
	require.NoError(t, err)
	assert.True(t, status.Paused)
	assert.Equal(t, 1, status.PendingThoughts)
	assert.Equal(t, 0, status.ProcessingThoughts)
	assert.Equal(t, StateShutdown, status.State)
}

func TestSetConfigAuditsTheChange(t *testing.T) {
	rc, _, chain := newControlHarness(t)
	ctx := context.Background()

	require.NoError(t, rc.SetConfig(ctx, ciris.ScopeRuntime, "processor.round_delay_seconds", 1.0))

	v, ok := rc.GetConfig(ctx, "processor.round_delay_seconds")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	assert.Contains(t, auditEventTypes(t, chain), audit.EventConfigChange)
}

func TestBackupRestoreKeepsPersistentOverrides(t *testing.T) {
	rc, _, _ := newControlHarness(t)
	ctx := context.Background()

	require.NoError(t, rc.SetConfig(ctx, ciris.ScopePersistent, "dma.retry_limit", 5))
	snapshot, err := rc.BackupConfig(ctx)
	require.NoError(t, err)

	rc.Config = ciris.NewConfig() // simulate a restart with a fresh config
	require.NoError(t, rc.RestoreConfig(ctx, snapshot))
	v, ok := rc.GetConfig(ctx, "dma.retry_limit")
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestServiceSurfaceListsPrioritizesAndResets(t *testing.T) {
	rc, _, chain := newControlHarness(t)
	ctx := context.Background()

	require.NoError(t, rc.Registry.Register(ctx, "comm-1", registry.Registration{
		ServiceType:  "communication",
		Capabilities: []string{"communication.send_message"},
		Priority:     ciris.PriorityNormal,
	}))

	services, err := rc.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "comm-1", services[0].ServiceID)

	require.NoError(t, rc.SetServicePriority(ctx, "comm-1", ciris.PriorityCritical))
	services, err = rc.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, ciris.PriorityCritical, services[0].Priority)

	require.NoError(t, rc.ResetServiceCircuit(ctx, "comm-1"))
	assert.Contains(t, auditEventTypes(t, chain), audit.EventConfigChange)

	health, err := rc.ServiceHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, ciris.HealthUp, health["communication"])
}

func TestAdapterOpsWithoutHostReportNoProvider(t *testing.T) {
	rc, _, _ := newControlHarness(t)
	ctx := context.Background()

	err := rc.LoadAdapter(ctx, "cli", "cli-1", nil)
	assert.True(t, ciris.IsNoProvider(err))
	err = rc.UnloadAdapter(ctx, "cli-1")
	assert.True(t, ciris.IsNoProvider(err))

	adapters, err := rc.ListAdapters(ctx)
	require.NoError(t, err)
	assert.Empty(t, adapters)
}
