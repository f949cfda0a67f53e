package processor

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
)

func signedShutdownCommand(t *testing.T, issuedAt time.Time) (EmergencyCommand, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cmd := EmergencyCommand{
		CommandID:   "cmd-1",
		CommandType: CommandTypeShutdownNow,
		WAID:        "wa-1",
		WAPublicKey: base64.StdEncoding.EncodeToString(pub),
		IssuedAt:    issuedAt,
		Reason:      "operator initiated emergency stop",
	}
	require.NoError(t, SignEmergencyCommand(&cmd, priv))
	return cmd, pub
}

func auditEventTypes(t *testing.T, chain *audit.Chain) []audit.EventType {
	t.Helper()
	entries, err := chain.Entries(context.Background(), 1, 1_000)
	require.NoError(t, err)
	out := make([]audit.EventType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

func TestEmergencyShutdownAcceptsAllowlistedSigner(t *testing.T) {
	p, _, chain, fc, _ := newTestHarness(t)
	ctx := context.Background()

	cmd, _ := signedShutdownCommand(t, fc.Now())
	p.Security = ciris.SecurityConfig{
		ShutdownAllowlist:   []string{cmd.WAPublicKey},
		ShutdownValidWindow: 5 * time.Minute,
	}

	require.NoError(t, p.EmergencyShutdown(ctx, cmd))
	assert.Equal(t, StateShutdown, p.State())

	types := auditEventTypes(t, chain)
	assert.Contains(t, types, audit.EventEmergencyCommand)
	assert.Contains(t, types, audit.EventShutdown)
	assert.NotContains(t, types, audit.EventSecurityViolation)
}

func TestEmergencyShutdownStopsRunningLoop(t *testing.T) {
	p, _, _, fc, _ := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))

	cmd, _ := signedShutdownCommand(t, fc.Now())
	p.Security = ciris.SecurityConfig{ShutdownAllowlist: []string{cmd.WAPublicKey}}

	require.NoError(t, p.EmergencyShutdown(ctx, cmd))
	assert.Equal(t, StateShutdown, p.State())
}

func TestEmergencyShutdownRejectsUnknownKey(t *testing.T) {
	p, _, chain, fc, _ := newTestHarness(t)
	ctx := context.Background()

	cmd, _ := signedShutdownCommand(t, fc.Now())
	p.Security = ciris.SecurityConfig{ShutdownAllowlist: []string{"some-other-key"}}

	err := p.EmergencyShutdown(ctx, cmd)
	require.Error(t, err)
	assert.True(t, ciris.IsSecurityViolation(err))
	assert.Equal(t, StateShutdown, p.State()) // never left initial SHUTDOWN, no transition recorded

	types := auditEventTypes(t, chain)
	assert.Contains(t, types, audit.EventSecurityViolation)
	assert.NotContains(t, types, audit.EventEmergencyCommand)
}

func TestEmergencyShutdownRejectsExpiredTimestamp(t *testing.T) {
	p, _, chain, fc, _ := newTestHarness(t)
	ctx := context.Background()

	cmd, _ := signedShutdownCommand(t, fc.Now().Add(-10*time.Minute))
	p.Security = ciris.SecurityConfig{
		ShutdownAllowlist:   []string{cmd.WAPublicKey},
		ShutdownValidWindow: 5 * time.Minute,
	}

	err := p.EmergencyShutdown(ctx, cmd)
	require.Error(t, err)
	assert.True(t, ciris.IsSecurityViolation(err))
	assert.Contains(t, auditEventTypes(t, chain), audit.EventSecurityViolation)
}

func TestEmergencyShutdownRejectsTamperedReason(t *testing.T) {
	p, _, _, fc, _ := newTestHarness(t)
	ctx := context.Background()

	cmd, _ := signedShutdownCommand(t, fc.Now())
	p.Security = ciris.SecurityConfig{ShutdownAllowlist: []string{cmd.WAPublicKey}}
	cmd.Reason = "edited after signing"

	err := p.EmergencyShutdown(ctx, cmd)
	require.Error(t, err)
	assert.True(t, ciris.IsSecurityViolation(err))
}

func TestEmergencyShutdownRejectsWrongCommandType(t *testing.T) {
	p, _, _, fc, _ := newTestHarness(t)
	ctx := context.Background()

	cmd, _ := signedShutdownCommand(t, fc.Now())
	p.Security = ciris.SecurityConfig{ShutdownAllowlist: []string{cmd.WAPublicKey}}
	cmd.CommandType = "RESTART_NOW"

	err := p.EmergencyShutdown(ctx, cmd)
	require.Error(t, err)
	assert.True(t, ciris.IsSecurityViolation(err))
}
