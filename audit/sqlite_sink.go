package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteSink is the queryable mirror of the journal: indexed by event
// type, actor, and target so operators can search audit history without
// scanning the JSONL file. It is never trusted as ground truth: Verify
// reports the first sequence number where it disagrees with the journal,
// and nothing in this package rebuilds it.
type sqliteSink struct {
	db *sql.DB
}

func openSQLiteSink(path string) (*sqliteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	s := &sqliteSink{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteSink) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence_number INTEGER PRIMARY KEY,
		entry_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		actor_id TEXT NOT NULL,
		target_id TEXT,
		payload_json TEXT,
		prev_hash BLOB NOT NULL,
		entry_hash BLOB NOT NULL,
		signature_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_entries(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_entries(target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteSink) Write(ctx context.Context, e *Entry) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	sigJSON, err := json.Marshal(e.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	// The genesis entry has no predecessor; bind an empty blob rather than
	// NULL so the NOT NULL prev_hash column accepts it.
	prevHash := e.PrevHash
	if prevHash == nil {
		prevHash = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (sequence_number, entry_id, event_type, timestamp,
			actor_id, target_id, payload_json, prev_hash, entry_hash, signature_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SequenceNumber, e.EntryID, string(e.EventType), e.Timestamp, e.ActorID,
		e.TargetID, payloadJSON, prevHash, e.EntryHash, sigJSON)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryByActor returns entries for actorID, most recent first, up to
// limit. Used by operators inspecting what a component has done; never
// consulted by Verify.
func (s *sqliteSink) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, entry_id, event_type, timestamp, actor_id, target_id,
			payload_json, prev_hash, entry_hash, signature_json
		FROM audit_entries WHERE actor_id = ? ORDER BY sequence_number DESC LIMIT ?
	`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var eventType string
		var targetID sql.NullString
		var payloadJSON, sigJSON string
		if err := rows.Scan(&e.SequenceNumber, &e.EntryID, &eventType, &e.Timestamp,
			&e.ActorID, &targetID, &payloadJSON, &e.PrevHash, &e.EntryHash, &sigJSON); err != nil {
			return nil, err
		}
		e.EventType = EventType(eventType)
		e.TargetID = targetID.String
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		_ = json.Unmarshal([]byte(sigJSON), &e.Signature)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// entryHashesBySeq returns every indexed entry hash keyed by sequence
// number, for Verify's journal/index divergence cross-check.
func (s *sqliteSink) entryHashesBySeq(ctx context.Context) (map[int64][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence_number, entry_hash FROM audit_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64][]byte{}
	for rows.Next() {
		var seq int64
		var hash []byte
		if err := rows.Scan(&seq, &hash); err != nil {
			return nil, err
		}
		out[seq] = hash
	}
	return out, rows.Err()
}

func (s *sqliteSink) Close() error {
	return s.db.Close()
}
