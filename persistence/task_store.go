package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ciris-ai/ciris-core"
)

// SaveTask inserts or updates a Task, serialized against other task
// writes so a concurrent status transition can't race a field update.
func (s *Store) SaveTask(ctx context.Context, t *ciris.Task) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	return withBusyRetry(ctx, s.clock, s.cfg, func() error {
		contextJSON, err := json.Marshal(t.Context)
		if err != nil {
			return fmt.Errorf("marshal task context: %w", err)
		}
		var outcomeJSON []byte
		if t.Outcome != nil {
			outcomeJSON, err = json.Marshal(t.Outcome)
			if err != nil {
				return fmt.Errorf("marshal task outcome: %w", err)
			}
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO tasks (task_id, description, status, priority, created_at,
				updated_at, parent_task_id, context_json, outcome_json, signed_by,
				signature, signed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				description = excluded.description,
				status = excluded.status,
				priority = excluded.priority,
				updated_at = excluded.updated_at,
				context_json = excluded.context_json,
				outcome_json = excluded.outcome_json,
				signed_by = excluded.signed_by,
				signature = excluded.signature,
				signed_at = excluded.signed_at
		`, t.TaskID, t.Description, string(t.Status), int(t.Priority), t.CreatedAt,
			t.UpdatedAt, nullableString(t.ParentTaskID), contextJSON, nullableBytes(outcomeJSON),
			nullableString(t.SignedBy), t.Signature, t.SignedAt)
		if err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		return nil
	})
}

// GetTask reads a Task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*ciris.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, description, status, priority, created_at, updated_at,
			parent_task_id, context_json, outcome_json, signed_by, signature, signed_at
		FROM tasks WHERE task_id = ?
	`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ciris.NewFrameworkError("persistence.GetTask", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasksByStatus returns tasks in a given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status ciris.TaskStatus, limit int) ([]*ciris.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, description, status, priority, created_at, updated_at,
			parent_task_id, context_json, outcome_json, signed_by, signature, signed_at
		FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	var out []*ciris.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*ciris.Task, error) {
	var t ciris.Task
	var status string
	var priority int
	var parentTaskID, signedBy sql.NullString
	var contextJSON string
	var outcomeJSON sql.NullString
	var signature []byte
	var signedAt sql.NullTime

	if err := row.Scan(&t.TaskID, &t.Description, &status, &priority, &t.CreatedAt,
		&t.UpdatedAt, &parentTaskID, &contextJSON, &outcomeJSON, &signedBy, &signature, &signedAt); err != nil {
		return nil, err
	}

	t.Status = ciris.TaskStatus(status)
	t.Priority = priority
	t.ParentTaskID = parentTaskID.String
	t.SignedBy = signedBy.String
	t.Signature = signature
	if signedAt.Valid {
		t.SignedAt = &signedAt.Time
	}
	if err := json.Unmarshal([]byte(contextJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("unmarshal task context: %w", err)
	}
	if outcomeJSON.Valid {
		var outcome ciris.TaskOutcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &outcome); err != nil {
			return nil, fmt.Errorf("unmarshal task outcome: %w", err)
		}
		t.Outcome = &outcome
	}
	return &t, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
