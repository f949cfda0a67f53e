package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
	"github.com/ciris-ai/ciris-core/registry"
)

// countingComm fails its first failUntil calls with err, then succeeds.
type countingComm struct {
	calls     int
	failUntil int
	err       error
}

func (c *countingComm) SendMessage(ctx context.Context, channelID, content string) (bool, error) {
	c.calls++
	if c.calls <= c.failUntil {
		return false, c.err
	}
	return true, nil
}

func (c *countingComm) FetchMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	return nil, nil
}

type fixedTool struct {
	descriptors []ToolDescriptor
}

func (f fixedTool) ListTools(ctx context.Context) ([]ToolDescriptor, error) { return f.descriptors, nil }
func (f fixedTool) ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (ToolResult, error) {
	return ToolResult{Success: true}, nil
}

func newTestRegistry(t *testing.T) *registry.MemoryRegistry {
	t.Helper()
	return registry.NewMemoryRegistry(clock.NewSystemClock(), ciris.NoOpLogger{}, ciris.RegistryConfig{
		CircuitFailureThreshold: 3,
		CircuitResetTimeout:     300 * time.Second,
	})
}

// fastPolicy keeps retry delays out of test wall-clock time.
func fastPolicy(classify func(error) bool) RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Classify: classify}
}

func TestDispatchReturnsNoProviderWhenRegistryEmpty(t *testing.T) {
	reg := newTestRegistry(t)
	cb := NewCommunicationBus(New(reg, clock.NewSystemClock(), ciris.NoOpLogger{}))

	_, err := cb.SendMessage(context.Background(), "c1", "hello")
	require.Error(t, err)
	assert.True(t, ciris.IsNoProvider(err))

	var npe *NoProviderError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, "communication.send_message", npe.Capability)
}

func TestDispatchRetriesTransientFailureOnSameProvider(t *testing.T) {
	reg := newTestRegistry(t)
	comm := &countingComm{failUntil: 2, err: ciris.NewFrameworkError("send", ciris.KindTransient, ciris.ErrTimeout)}
	require.NoError(t, reg.Register(context.Background(), "comm-1", registry.Registration{
		ServiceType:  "communication",
		Capabilities: []string{"communication.send_message"},
		Priority:     ciris.PriorityNormal,
		Provider:     comm,
	}))

	cb := NewCommunicationBus(New(reg, clock.NewSystemClock(), ciris.NoOpLogger{}))
	cb.Policy = fastPolicy(ciris.IsTransient)

	delivered, err := cb.SendMessage(context.Background(), "c1", "hello")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 3, comm.calls)
}

func TestDispatchDoesNotRetryValidationFailure(t *testing.T) {
	reg := newTestRegistry(t)
	comm := &countingComm{failUntil: 10, err: ciris.NewFrameworkError("send", ciris.KindValidation, ciris.ErrInvalidParams)}
	require.NoError(t, reg.Register(context.Background(), "comm-1", registry.Registration{
		ServiceType:  "communication",
		Capabilities: []string{"communication.send_message"},
		Priority:     ciris.PriorityNormal,
		Provider:     comm,
	}))

	cb := NewCommunicationBus(New(reg, clock.NewSystemClock(), ciris.NoOpLogger{}))
	cb.Policy = fastPolicy(ciris.IsTransient)

	_, err := cb.SendMessage(context.Background(), "c1", "hello")
	require.Error(t, err)
	assert.True(t, ciris.IsValidation(err))
	assert.Equal(t, 1, comm.calls)
}

func TestDispatchFallsBackToLowerPriorityProvider(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	failing := &countingComm{failUntil: 100, err: ciris.NewFrameworkError("send", ciris.KindPermission, ciris.ErrPermissionDenied)}
	working := &countingComm{}
	require.NoError(t, reg.Register(ctx, "comm-high", registry.Registration{
		ServiceType:  "communication",
		Capabilities: []string{"communication.send_message"},
		Priority:     ciris.PriorityHigh,
		Provider:     failing,
	}))
	require.NoError(t, reg.Register(ctx, "comm-normal", registry.Registration{
		ServiceType:  "communication",
		Capabilities: []string{"communication.send_message"},
		Priority:     ciris.PriorityNormal,
		Provider:     working,
	}))

	cb := NewCommunicationBus(New(reg, clock.NewSystemClock(), ciris.NoOpLogger{}))
	cb.Policy = fastPolicy(ciris.IsTransient)

	delivered, err := cb.SendMessage(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 1, failing.calls) // permission failure is not retried on the same provider
	assert.Equal(t, 1, working.calls)
}

func TestRepeatedFailuresTripBreakerAndRerouteToFallback(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	failing := &countingComm{failUntil: 1000, err: ciris.NewFrameworkError("send", ciris.KindTransient, ciris.ErrConnectionFailed)}
	working := &countingComm{}
	require.NoError(t, reg.Register(ctx, "comm-high", registry.Registration{
		ServiceType:  "communication",
		Capabilities: []string{"communication.send_message"},
		Priority:     ciris.PriorityHigh,
		Provider:     failing,
	}))
	require.NoError(t, reg.Register(ctx, "comm-normal", registry.Registration{
		ServiceType:  "communication",
		Capabilities: []string{"communication.send_message"},
		Priority:     ciris.PriorityNormal,
		Provider:     working,
	}))

	cb := NewCommunicationBus(New(reg, clock.NewSystemClock(), ciris.NoOpLogger{}))
	cb.Policy = fastPolicy(ciris.IsTransient)

	// First send exhausts retries on comm-high (3 consecutive recorded
	// failures, the breaker's threshold) and falls through to comm-normal.
	delivered, err := cb.SendMessage(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.True(t, delivered)
	failuresRecorded := failing.calls

	// comm-high's breaker is now OPEN, so Select excludes it entirely.
	delivered, err = cb.SendMessage(ctx, "c1", "again")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, failuresRecorded, failing.calls)
	assert.Equal(t, 2, working.calls)

	services, err := reg.List(ctx)
	require.NoError(t, err)
	for _, s := range services {
		if s.ServiceID == "comm-high" {
			assert.Equal(t, ciris.CircuitOpen, s.Circuit)
		}
	}
}

func TestListToolsAggregatesAcrossProviders(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "tool-a", registry.Registration{
		ServiceType:  "tool",
		Capabilities: []string{"tool.list", "tool.execute"},
		Priority:     ciris.PriorityNormal,
		Provider:     fixedTool{descriptors: []ToolDescriptor{{Name: "search"}}},
	}))
	require.NoError(t, reg.Register(ctx, "tool-b", registry.Registration{
		ServiceType:  "tool",
		Capabilities: []string{"tool.list", "tool.execute"},
		Priority:     ciris.PriorityNormal,
		Provider:     fixedTool{descriptors: []ToolDescriptor{{Name: "calculator"}}},
	}))

	tb := NewToolBus(New(reg, clock.NewSystemClock(), ciris.NoOpLogger{}))
	tools, err := tb.ListTools(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(tools))
	for _, d := range tools {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"search", "calculator"}, names)
}
