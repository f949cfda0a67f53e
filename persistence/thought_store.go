package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ciris-ai/ciris-core"
)

// SaveThought inserts or updates a Thought.
func (s *Store) SaveThought(ctx context.Context, t *ciris.Thought) error {
	s.thoughtMu.Lock()
	defer s.thoughtMu.Unlock()

	return withBusyRetry(ctx, s.clock, s.cfg, func() error {
		contextJSON, err := json.Marshal(t.Context)
		if err != nil {
			return fmt.Errorf("marshal thought context: %w", err)
		}
		var finalAction interface{}
		if t.FinalAction != nil {
			finalAction = string(*t.FinalAction)
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO thoughts (thought_id, source_task_id, thought_type, status,
				round_number, content, context_json, ponder_count, parent_thought_id,
				final_action, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thought_id) DO UPDATE SET
				status = excluded.status,
				round_number = excluded.round_number,
				content = excluded.content,
				context_json = excluded.context_json,
				ponder_count = excluded.ponder_count,
				final_action = excluded.final_action,
				updated_at = excluded.updated_at
		`, t.ThoughtID, t.SourceTaskID, string(t.ThoughtType), string(t.Status),
			t.RoundNumber, t.Content, contextJSON, t.PonderCount,
			nullableString(t.ParentThoughtID), finalAction, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save thought: %w", err)
		}
		return nil
	})
}

// GetThought reads a Thought by ID.
func (s *Store) GetThought(ctx context.Context, thoughtID string) (*ciris.Thought, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thought_id, source_task_id, thought_type, status, round_number,
			content, context_json, ponder_count, parent_thought_id, final_action,
			created_at, updated_at
		FROM thoughts WHERE thought_id = ?
	`, thoughtID)
	th, err := scanThought(row)
	if err == sql.ErrNoRows {
		return nil, ciris.NewFrameworkError("persistence.GetThought", ciris.KindNotFound, ciris.ErrThoughtNotFound)
	}
	if err != nil {
		return nil, err
	}
	return th, nil
}

// ListPendingThoughtsForTask returns PENDING thoughts for a single task
// ordered by round.
func (s *Store) ListPendingThoughtsForTask(ctx context.Context, taskID string) ([]*ciris.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thought_id, source_task_id, thought_type, status, round_number,
			content, context_json, ponder_count, parent_thought_id, final_action,
			created_at, updated_at
		FROM thoughts WHERE source_task_id = ? AND status = ? ORDER BY round_number ASC
	`, taskID, string(ciris.ThoughtPending))
	if err != nil {
		return nil, fmt.Errorf("list pending thoughts: %w", err)
	}
	defer rows.Close()

	var out []*ciris.Thought
	for rows.Next() {
		th, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// ListPendingThoughts returns up to limit PENDING thoughts across every
// task, oldest-created first — the round loop's source of work.
func (s *Store) ListPendingThoughts(ctx context.Context, limit int) ([]*ciris.Thought, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thought_id, source_task_id, thought_type, status, round_number,
			content, context_json, ponder_count, parent_thought_id, final_action,
			created_at, updated_at
		FROM thoughts WHERE status = ? ORDER BY created_at ASC LIMIT ?
	`, string(ciris.ThoughtPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending thoughts: %w", err)
	}
	defer rows.Close()

	var out []*ciris.Thought
	for rows.Next() {
		th, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// GetChildThoughts returns every Thought whose ParentThoughtID is id.
func (s *Store) GetChildThoughts(ctx context.Context, id string) ([]*ciris.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thought_id, source_task_id, thought_type, status, round_number,
			content, context_json, ponder_count, parent_thought_id, final_action,
			created_at, updated_at
		FROM thoughts WHERE parent_thought_id = ? ORDER BY round_number ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get child thoughts: %w", err)
	}
	defer rows.Close()

	var out []*ciris.Thought
	for rows.Next() {
		th, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// CountActiveThoughts returns the number of thoughts currently PENDING
// or PROCESSING.
func (s *Store) CountActiveThoughts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM thoughts WHERE status = ? OR status = ?
	`, string(ciris.ThoughtPending), string(ciris.ThoughtProcessing)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active thoughts: %w", err)
	}
	return count, nil
}

func scanThought(row rowScanner) (*ciris.Thought, error) {
	var t ciris.Thought
	var thoughtType, status string
	var contextJSON string
	var parentThoughtID sql.NullString
	var finalAction sql.NullString

	if err := row.Scan(&t.ThoughtID, &t.SourceTaskID, &thoughtType, &status, &t.RoundNumber,
		&t.Content, &contextJSON, &t.PonderCount, &parentThoughtID, &finalAction,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	t.ThoughtType = ciris.ThoughtType(thoughtType)
	t.Status = ciris.ThoughtStatus(status)
	t.ParentThoughtID = parentThoughtID.String
	if finalAction.Valid {
		a := ciris.Action(finalAction.String)
		t.FinalAction = &a
	}
	if err := json.Unmarshal([]byte(contextJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("unmarshal thought context: %w", err)
	}
	return &t, nil
}
