package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/tradeflow/pkg/schema"
)

// EventLog persists bus events to the libSQL events table as an audit trail.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a migrated LibSQLStore.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// LoggedEvent is an event read back from the log with its sequence number.
type LoggedEvent struct {
	schema.Event
	Sequence int64 `json:"sequence"`
}

// Append stores an event with a monotonically increasing per-workflow sequence.
func (el *EventLog) Append(ctx context.Context, event *schema.Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, node_id, event_type, status, correlation_id, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.NodeID), event.Type, nullStr(event.Status),
		nullStr(event.CorrelationID), string(payload), ts, seq,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns a workflow's events with sequence > since, in sequence order.
func (el *EventLog) Events(ctx context.Context, workflowID string, since int64) ([]*LoggedEvent, error) {
	rows, err := el.store.DB().QueryContext(ctx,
		`SELECT payload, sequence FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]*LoggedEvent, 0)
	for rows.Next() {
		var payload string
		var seq int64
		if err := rows.Scan(&payload, &seq); err != nil {
			return nil, err
		}
		le := &LoggedEvent{Sequence: seq}
		if err := json.Unmarshal([]byte(payload), &le.Event); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		out = append(out, le)
	}
	return out, rows.Err()
}
