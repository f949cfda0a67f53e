package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ciris-ai/ciris-core"
)

// SaveCorrelation writes a Correlation row. A new correlation_id is
// inserted; an existing one has its timestamp, metric value and tags
// overwritten in place.
func (s *Store) SaveCorrelation(ctx context.Context, c *ciris.Correlation) error {
	s.correlationMu.Lock()
	defer s.correlationMu.Unlock()

	return withBusyRetry(ctx, s.clock, s.cfg, func() error {
		tagsJSON, err := json.Marshal(c.Tags)
		if err != nil {
			return fmt.Errorf("marshal correlation tags: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO correlations (correlation_id, service_type, correlation_type,
				timestamp, metric_name, metric_value, log_level, log_message, tags_json,
				retention_policy)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(correlation_id) DO UPDATE SET
				timestamp = excluded.timestamp,
				metric_value = excluded.metric_value,
				tags_json = excluded.tags_json
		`, c.CorrelationID, c.ServiceType, string(c.CorrelationType), c.Timestamp,
			nullableString(c.MetricName), c.MetricValue, nullableString(c.LogLevel),
			nullableString(c.LogMessage), tagsJSON, nullableString(c.RetentionPolicy))
		if err != nil {
			return fmt.Errorf("save correlation: %w", err)
		}
		return nil
	})
}

// PruneCorrelations deletes correlations older than cutoff, skipping rows
// whose retention_policy is "forever". Run from the processor's SOLITUDE
// maintenance rounds.
func (s *Store) PruneCorrelations(ctx context.Context, cutoff time.Time) (int64, error) {
	s.correlationMu.Lock()
	defer s.correlationMu.Unlock()

	var pruned int64
	err := withBusyRetry(ctx, s.clock, s.cfg, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM correlations
			WHERE timestamp < ? AND (retention_policy IS NULL OR retention_policy != 'forever')
		`, cutoff)
		if err != nil {
			return fmt.Errorf("prune correlations: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}

// QueryCorrelations returns correlations of correlationType within
// [start,end), most recent first, filtered to rows whose tags are a
// superset of tags (an empty filter value matches any value for that key).
func (s *Store) QueryCorrelations(ctx context.Context, correlationType ciris.CorrelationType, start, end time.Time, tags map[string]string, limit int) ([]*ciris.Correlation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, service_type, correlation_type, timestamp, metric_name,
			metric_value, log_level, log_message, tags_json, retention_policy
		FROM correlations
		WHERE correlation_type = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT ?
	`, string(correlationType), start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("query correlations: %w", err)
	}
	defer rows.Close()

	var out []*ciris.Correlation
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, err
		}
		if matchesTags(c.Tags, tags) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func matchesTags(have, want map[string]string) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok || (v != "" && got != v) {
			return false
		}
	}
	return true
}

func scanCorrelation(row rowScanner) (*ciris.Correlation, error) {
	var c ciris.Correlation
	var correlationType string
	var metricName, logLevel, logMessage, retentionPolicy sql.NullString
	var tagsJSON sql.NullString

	if err := row.Scan(&c.CorrelationID, &c.ServiceType, &correlationType, &c.Timestamp,
		&metricName, &c.MetricValue, &logLevel, &logMessage, &tagsJSON, &retentionPolicy); err != nil {
		return nil, err
	}
	c.CorrelationType = ciris.CorrelationType(correlationType)
	c.MetricName = metricName.String
	c.LogLevel = logLevel.String
	c.LogMessage = logMessage.String
	c.RetentionPolicy = retentionPolicy.String
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &c.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal correlation tags: %w", err)
		}
	}
	return &c, nil
}
