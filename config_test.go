package ciris

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigAppliesDefaults(t *testing.T) {
	c := NewConfig()

	assert.Equal(t, 50, c.Processor.MaxActiveThoughts)
	assert.Equal(t, 7, c.Processor.MaxThoughtDepth)
	assert.Equal(t, 5*time.Second, c.Processor.RoundDelay)
	assert.Equal(t, 3, c.Registry.CircuitFailureThreshold)
	assert.Equal(t, 300*time.Second, c.Registry.CircuitResetTimeout)
	assert.Equal(t, 0.40, c.DMA.ConscienceEntropyThreshold)
	assert.Equal(t, 0.60, c.DMA.ConscienceCoherenceThresh)
	assert.Equal(t, 0.20, c.DMA.IdentityVarianceLimit)
	assert.Equal(t, "ed25519", c.Audit.SigningAlgorithm)
	assert.Equal(t, 5*time.Minute, c.Security.ShutdownValidWindow)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("CIRIS_MAX_THOUGHT_DEPTH", "2")
	t.Setenv("CIRIS_ROUND_DELAY_SECONDS", "0.5")

	c := NewConfig()
	assert.Equal(t, 2, c.Processor.MaxThoughtDepth)
	assert.Equal(t, 500*time.Millisecond, c.Processor.RoundDelay)
}

func TestOptionWinsOverEnvironment(t *testing.T) {
	t.Setenv("CIRIS_MAX_THOUGHT_DEPTH", "2")

	c := NewConfig(func(c *Config) { c.Processor.MaxThoughtDepth = 9 })
	assert.Equal(t, 9, c.Processor.MaxThoughtDepth)
}

func TestScopedOverridePrecedenceRuntimeFirst(t *testing.T) {
	c := NewConfig()

	c.Set(ScopePersistent, "processor.round_delay_seconds", 10.0)
	c.Set(ScopeSession, "processor.round_delay_seconds", 7.0)
	c.Set(ScopeRuntime, "processor.round_delay_seconds", 1.0)

	v, ok := c.Get("processor.round_delay_seconds")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestGetMissingPathReportsAbsent(t *testing.T) {
	c := NewConfig()
	_, ok := c.Get("no.such.path")
	assert.False(t, ok)
}

func TestBackupRestoreRoundTripsPersistentScopeOnly(t *testing.T) {
	c := NewConfig()
	c.Set(ScopePersistent, "dma.retry_limit", 5)
	c.Set(ScopeRuntime, "dma.retry_limit", 1)

	snapshot := c.Backup()
	assert.Equal(t, map[string]interface{}{"dma.retry_limit": 5}, snapshot)

	// A fresh config restored from the snapshot sees the persistent value;
	// the runtime-scope override did not survive.
	restarted := NewConfig()
	restarted.Restore(snapshot)
	v, ok := restarted.Get("dma.retry_limit")
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestWithYAMLFileOverlaysValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
processor:
  max_active_thoughts: 12
dma:
  dma_retry_limit: 6
`), 0o644))

	c := NewConfig(WithYAMLFile(path))
	assert.Equal(t, 12, c.Processor.MaxActiveThoughts)
	assert.Equal(t, 6, c.DMA.RetryLimit)
}

func TestWithYAMLFileIgnoresMissingPath(t *testing.T) {
	c := NewConfig(WithYAMLFile(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Equal(t, 50, c.Processor.MaxActiveThoughts)
}

func TestWithShutdownAllowlist(t *testing.T) {
	c := NewConfig(WithShutdownAllowlist("key-a", "key-b"))
	assert.Equal(t, []string{"key-a", "key-b"}, c.Security.ShutdownAllowlist)
}
