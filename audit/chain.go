// Package audit implements the hash-chained, digitally signed audit log:
// every state-changing event in the reasoning core is appended as an
// Entry linked to its predecessor by SHA-256 hash and signed with an
// algorithm-agile key so a rewritten or reordered history is detectable.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
)

// EventType names the kind of event an Entry records.
type EventType string

const (
	EventTaskCreated        EventType = "TASK_CREATED"
	EventTaskCompleted      EventType = "TASK_COMPLETED"
	EventThoughtCreated     EventType = "THOUGHT_CREATED"
	EventThoughtFinal       EventType = "THOUGHT_FINAL_ACTION"
	EventDMAEvaluation      EventType = "DMA_EVALUATION"
	EventHandlerInvoked     EventType = "HANDLER_INVOKED"
	EventConscienceOverride EventType = "CONSCIENCE_OVERRIDE"
	EventGuardrailTrip      EventType = "GUARDRAIL_TRIP"
	EventConfigChange       EventType = "CONFIG_CHANGE"
	EventShutdown           EventType = "SHUTDOWN"
	EventEmergencyCommand   EventType = "EMERGENCY_COMMAND"
	EventSecurityViolation  EventType = "SECURITY_VIOLATION"
	EventWiseAuthority      EventType = "WISE_AUTHORITY_DECISION"
)

// Entry is one link in the audit chain.
type Entry struct {
	SequenceNumber int64                  `json:"sequence_number"`
	EntryID        string                 `json:"entry_id"`
	EventType      EventType              `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	ActorID        string                 `json:"actor_id"`
	TargetID       string                 `json:"target_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	PrevHash       []byte                 `json:"prev_hash"`
	EntryHash      []byte                 `json:"entry_hash"`
	Signature      SignatureRecord        `json:"signature"`
}

// hashableFields returns the subset of Entry that is hashed and signed;
// EntryHash and Signature are excluded since they are derived from it.
type hashableFields struct {
	SequenceNumber int64                  `json:"sequence_number"`
	EntryID        string                 `json:"entry_id"`
	EventType      EventType              `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	ActorID        string                 `json:"actor_id"`
	TargetID       string                 `json:"target_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	PrevHash       []byte                 `json:"prev_hash"`
}

func (e *Entry) computeHash() ([]byte, error) {
	data, err := canonicalJSON(hashableFields{
		SequenceNumber: e.SequenceNumber,
		EntryID:        e.EntryID,
		EventType:      e.EventType,
		Timestamp:      e.Timestamp,
		ActorID:        e.ActorID,
		TargetID:       e.TargetID,
		Payload:        e.Payload,
		PrevHash:       e.PrevHash,
	})
	if err != nil {
		return nil, err
	}
	return canonicalHash(data), nil
}

// Sink persists entries as they are appended. The JSONL sink is
// authoritative; the sqlite sink exists for indexed, queryable access and
// is never treated as the source of truth for Verify.
type Sink interface {
	Write(ctx context.Context, e *Entry) error
	Close() error
}

// Chain appends entries to the hash chain, signs them, and verifies the
// chain's integrity end to end. Both sinks are mandatory, and the JSONL
// journal is authoritative whenever Verify finds the sqlite index
// disagreeing with it.
type Chain struct {
	keys   *KeyRing
	clock  clock.Clock
	logger ciris.Logger

	journal *jsonlSink // authoritative
	index   *sqliteSink // queryable mirror

	lastHash []byte
	lastSeq  int64
}

// NewChain opens (or creates) the journal and index files at the given
// paths and replays the journal to recover chain state.
func NewChain(ctx context.Context, journalPath, indexDBPath string, keys *KeyRing, cl clock.Clock, logger ciris.Logger) (*Chain, error) {
	if logger == nil {
		logger = ciris.NoOpLogger{}
	}
	journal, err := openJSONLSink(journalPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open journal: %w", err)
	}
	index, err := openSQLiteSink(indexDBPath)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("audit: open index: %w", err)
	}

	c := &Chain{keys: keys, clock: cl, logger: logger, journal: journal, index: index}
	if err := c.recoverFromJournal(); err != nil {
		journal.Close()
		index.Close()
		return nil, err
	}
	return c, nil
}

func (c *Chain) recoverFromJournal() error {
	entries, err := c.journal.ReadAll()
	if err != nil {
		return fmt.Errorf("audit: replay journal: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1]
	c.lastHash = last.EntryHash
	c.lastSeq = last.SequenceNumber
	return nil
}

// Append signs and writes a new entry, chained to the previous one, to
// both sinks. The journal write happens first and its success is
// required; an index-write failure is logged but does not fail Append,
// since the journal alone is sufficient to reconstruct the chain.
func (c *Chain) Append(ctx context.Context, eventType EventType, actorID, targetID string, payload map[string]interface{}) (*Entry, error) {
	signer, err := c.keys.ActiveSigner()
	if err != nil {
		return nil, ciris.NewFrameworkError("audit.Append", ciris.KindFatal, err)
	}

	e := &Entry{
		SequenceNumber: c.lastSeq + 1,
		EntryID:        fmt.Sprintf("audit-%d", c.lastSeq+1),
		EventType:      eventType,
		Timestamp:      c.clock.Now(),
		ActorID:        actorID,
		TargetID:       targetID,
		Payload:        payload,
		PrevHash:       c.lastHash,
	}

	hash, err := e.computeHash()
	if err != nil {
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}
	e.EntryHash = hash

	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, ciris.NewFrameworkError("audit.Append", ciris.KindFatal, err)
	}
	e.Signature = SignatureRecord{
		Algorithm: signer.Algorithm(),
		KeyID:     signer.KeyID(),
		Signature: sig,
		SignedAt:  c.clock.Now(),
		DataHash:  hash,
	}

	if err := c.journal.Write(ctx, e); err != nil {
		return nil, ciris.NewFrameworkError("audit.Append", ciris.KindFatal, err)
	}
	if err := c.index.Write(ctx, e); err != nil {
		c.logger.Warn("audit index write failed, journal remains authoritative", map[string]interface{}{
			"entry_id": e.EntryID,
			"error":    err.Error(),
		})
	}

	c.lastHash = e.EntryHash
	c.lastSeq = e.SequenceNumber
	return e, nil
}

// VerifyResult reports the outcome of a full chain walk. A broken chain
// is reported through FirstBrokenAt/Reason; a sqlite index that disagrees
// with an intact journal is reported separately through DivergedAt, since
// the journal stays authoritative either way.
type VerifyResult struct {
	OK             bool
	EntriesChecked int64
	FirstBrokenAt  int64 // -1 if OK
	Reason         string
	DivergedAt     int64 // first journal/index disagreement; -1 if none
}

// Verify walks the authoritative journal from genesis, checking each
// entry's hash linkage and signature, then cross-checks the sqlite index
// against it. Index disagreement never fails verification — the index is
// a derived mirror — but it is surfaced so an operator can rebuild it.
func (c *Chain) Verify(ctx context.Context) (VerifyResult, error) {
	entries, err := c.journal.ReadAll()
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: read journal: %w", err)
	}

	var prevHash []byte
	for i, e := range entries {
		if string(e.PrevHash) != string(prevHash) {
			return VerifyResult{OK: false, EntriesChecked: int64(i), FirstBrokenAt: e.SequenceNumber, Reason: "prev_hash mismatch", DivergedAt: -1}, nil
		}
		wantHash, err := e.computeHash()
		if err != nil {
			return VerifyResult{}, err
		}
		if string(wantHash) != string(e.EntryHash) {
			return VerifyResult{OK: false, EntriesChecked: int64(i), FirstBrokenAt: e.SequenceNumber, Reason: "entry_hash mismatch", DivergedAt: -1}, nil
		}
		verifier, err := c.keys.Verifier(e.Signature.KeyID)
		if err != nil {
			return VerifyResult{OK: false, EntriesChecked: int64(i), FirstBrokenAt: e.SequenceNumber, Reason: "unknown signing key", DivergedAt: -1}, nil
		}
		if err := verifier.Verify(e.EntryHash, e.Signature.Signature); err != nil {
			return VerifyResult{OK: false, EntriesChecked: int64(i), FirstBrokenAt: e.SequenceNumber, Reason: "signature invalid", DivergedAt: -1}, nil
		}
		prevHash = e.EntryHash
	}

	divergedAt := int64(-1)
	indexed, err := c.index.entryHashesBySeq(ctx)
	if err != nil {
		c.logger.Warn("audit index unreadable during verify, journal remains authoritative", map[string]interface{}{"error": err.Error()})
	} else {
		for _, e := range entries {
			got, ok := indexed[e.SequenceNumber]
			if !ok || string(got) != string(e.EntryHash) {
				divergedAt = e.SequenceNumber
				c.logger.Warn("audit index diverges from journal", map[string]interface{}{"sequence_number": e.SequenceNumber})
				break
			}
		}
	}
	return VerifyResult{OK: true, EntriesChecked: int64(len(entries)), FirstBrokenAt: -1, DivergedAt: divergedAt}, nil
}

// Entries returns the journal's entries with fromSeq <= sequence_number <=
// toSeq, in append order. Reads go to the authoritative journal, not the
// sqlite index, so a corrupted index can't misreport history.
func (c *Chain) Entries(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	all, err := c.journal.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("audit: read journal: %w", err)
	}
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		if e.SequenceNumber >= fromSeq && e.SequenceNumber <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// SignTask signs a Task's outcome with the chain's active signing key, for
// TASK_COMPLETE handlers that want downstream accountability beyond the
// audit chain itself (e.g. an outcome handed to an external party). The
// hash covers the task id, outcome summary, and completion time so a
// re-signed, mutated copy of the task is detectable.
func (c *Chain) SignTask(ctx context.Context, taskID string, outcomeSummary string) (signature []byte, signerID string, err error) {
	signer, err := c.keys.ActiveSigner()
	if err != nil {
		return nil, "", ciris.NewFrameworkError("audit.SignTask", ciris.KindFatal, err)
	}
	data, err := canonicalJSON(struct {
		TaskID  string    `json:"task_id"`
		Summary string    `json:"outcome_summary"`
		SignedAt time.Time `json:"signed_at"`
	}{TaskID: taskID, Summary: outcomeSummary, SignedAt: c.clock.Now()})
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal task for signing: %w", err)
	}
	hash := canonicalHash(data)
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, "", ciris.NewFrameworkError("audit.SignTask", ciris.KindFatal, err)
	}
	return sig, signer.KeyID(), nil
}

// Close releases both sinks.
func (c *Chain) Close() error {
	err1 := c.journal.Close()
	err2 := c.index.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
