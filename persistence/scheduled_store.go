package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ciris-ai/ciris-core"
)

// UpsertScheduledTask inserts or updates a ScheduledTask.
func (s *Store) UpsertScheduledTask(ctx context.Context, t *ciris.ScheduledTask) error {
	s.scheduledMu.Lock()
	defer s.scheduledMu.Unlock()

	return withBusyRetry(ctx, s.clock, s.cfg, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (id, goal_description, status, defer_until,
				schedule_cron, trigger_prompt, origin_thought_id, next_trigger_at, deferral_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				defer_until = excluded.defer_until,
				schedule_cron = excluded.schedule_cron,
				next_trigger_at = excluded.next_trigger_at,
				deferral_count = excluded.deferral_count
		`, t.ID, t.GoalDescription, string(t.Status), t.DeferUntil, nullableString(t.ScheduleCron),
			t.TriggerPrompt, nullableString(t.OriginThoughtID), t.NextTriggerAt, t.DeferralCount)
		if err != nil {
			return fmt.Errorf("upsert scheduled task: %w", err)
		}
		return nil
	})
}

// DueScheduledTasks returns PENDING/ACTIVE scheduled tasks whose
// next_trigger_at is at or before now+lookahead (overdue ones included),
// oldest trigger first.
func (s *Store) DueScheduledTasks(ctx context.Context, now time.Time, lookahead time.Duration) ([]*ciris.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal_description, status, defer_until, schedule_cron, trigger_prompt,
			origin_thought_id, next_trigger_at, deferral_count
		FROM scheduled_tasks
		WHERE status IN (?, ?) AND next_trigger_at <= ?
		ORDER BY next_trigger_at ASC
	`, string(ciris.ScheduledPending), string(ciris.ScheduledActive), now.Add(lookahead))
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []*ciris.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTriggered advances a scheduled task's next_trigger_at (for
// recurring cron tasks) or marks it COMPLETE (for one-shot defer-until
// tasks), and increments its deferral count.
func (s *Store) MarkTriggered(ctx context.Context, id string, nextTriggerAt *time.Time) error {
	s.scheduledMu.Lock()
	defer s.scheduledMu.Unlock()

	return withBusyRetry(ctx, s.clock, s.cfg, func() error {
		if nextTriggerAt == nil {
			_, err := s.db.ExecContext(ctx, `
				UPDATE scheduled_tasks SET status = ?, deferral_count = deferral_count + 1 WHERE id = ?
			`, string(ciris.ScheduledComplete), id)
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET next_trigger_at = ?, deferral_count = deferral_count + 1 WHERE id = ?
		`, *nextTriggerAt, id)
		return err
	})
}

func scanScheduledTask(row rowScanner) (*ciris.ScheduledTask, error) {
	var t ciris.ScheduledTask
	var status string
	var deferUntil sql.NullTime
	var scheduleCron, originThoughtID sql.NullString

	if err := row.Scan(&t.ID, &t.GoalDescription, &status, &deferUntil, &scheduleCron,
		&t.TriggerPrompt, &originThoughtID, &t.NextTriggerAt, &t.DeferralCount); err != nil {
		return nil, err
	}
	t.Status = ciris.ScheduledTaskStatus(status)
	if deferUntil.Valid {
		t.DeferUntil = &deferUntil.Time
	}
	t.ScheduleCron = scheduleCron.String
	t.OriginThoughtID = originThoughtID.String
	return &t, nil
}
