package audit

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciris-ai/ciris-core/clock"
)

func newTestKeyRing(t *testing.T) *KeyRing {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := NewEd25519Signer("key-1", priv)
	require.NoError(t, err)
	verifier, err := NewEd25519Verifier("key-1", pub)
	require.NoError(t, err)

	kr := NewKeyRing()
	kr.Add(&KeyRecord{KeyID: "key-1", Algorithm: AlgEd25519, Signer: signer, Verifier: verifier, CreatedAt: time.Now()})
	return kr
}

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kr := newTestKeyRing(t)
	c, err := NewChain(context.Background(),
		filepath.Join(dir, "journal.jsonl"),
		filepath.Join(dir, "index.db"),
		kr, fc, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAppendChainsSequentialEntries(t *testing.T) {
	c := newTestChain(t)
	ctx := context.Background()

	e1, err := c.Append(ctx, EventTaskCreated, "processor", "task-1", map[string]interface{}{"x": 1.0})
	require.NoError(t, err)
	e2, err := c.Append(ctx, EventTaskCompleted, "processor", "task-1", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.SequenceNumber)
	assert.Equal(t, int64(2), e2.SequenceNumber)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
	assert.Empty(t, e1.PrevHash)
}

func TestVerifyPassesOnUntamperedChain(t *testing.T) {
	c := newTestChain(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.Append(ctx, EventHandlerInvoked, "processor", "thought-x", nil)
		require.NoError(t, err)
	}

	result, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(5), result.EntriesChecked)
	assert.Equal(t, int64(-1), result.DivergedAt)
}

func TestVerifyReportsIndexDivergenceWithoutFailing(t *testing.T) {
	c := newTestChain(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Append(ctx, EventHandlerInvoked, "processor", "thought-x", nil)
		require.NoError(t, err)
	}

	_, err := c.index.db.ExecContext(ctx, `UPDATE audit_entries SET entry_hash = x'00' WHERE sequence_number = 2`)
	require.NoError(t, err)

	result, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK, "journal is intact, so the chain verifies")
	assert.Equal(t, int64(2), result.DivergedAt)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kr := newTestKeyRing(t)
	ctx := context.Background()

	c, err := NewChain(ctx, filepath.Join(dir, "journal.jsonl"), filepath.Join(dir, "index.db"), kr, fc, nil)
	require.NoError(t, err)
	_, err = c.Append(ctx, EventTaskCreated, "processor", "task-1", map[string]interface{}{"amount": 1.0})
	require.NoError(t, err)
	_, err = c.Append(ctx, EventTaskCompleted, "processor", "task-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	entries, err := readJSONLForTest(filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)
	entries[0].Payload["amount"] = 9999.0
	require.NoError(t, rewriteJSONLForTest(filepath.Join(dir, "journal.jsonl"), entries))

	c2, err := NewChain(ctx, filepath.Join(dir, "journal.jsonl"), filepath.Join(dir, "index.db"), kr, fc, nil)
	require.NoError(t, err)
	defer c2.Close()

	result, err := c2.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, int64(1), result.FirstBrokenAt)
}

func TestRotatedKeyStillVerifiesOlderEntries(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kr := newTestKeyRing(t)
	ctx := context.Background()

	c, err := NewChain(ctx, filepath.Join(dir, "journal.jsonl"), filepath.Join(dir, "index.db"), kr, fc, nil)
	require.NoError(t, err)
	_, err = c.Append(ctx, EventTaskCreated, "processor", "task-1", nil)
	require.NoError(t, err)

	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer2, err := NewEd25519Signer("key-2", priv2)
	require.NoError(t, err)
	verifier2, err := NewEd25519Verifier("key-2", pub2)
	require.NoError(t, err)
	kr.Add(&KeyRecord{KeyID: "key-2", Algorithm: AlgEd25519, Signer: signer2, Verifier: verifier2, CreatedAt: fc.Now()})
	require.NoError(t, kr.Rotate("key-2", fc.Now()))

	_, err = c.Append(ctx, EventTaskCompleted, "processor", "task-1", nil)
	require.NoError(t, err)

	result, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK)
}
