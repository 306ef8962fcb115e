package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vidforge/coordinator/common/db"
	"github.com/vidforge/coordinator/common/models"
)

// querier is the subset of pgx shared by the pool and open transactions, so
// event writes can ride inside lease transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const eventColumns = `id, event_id, run_id, event_type, severity, reason_key, payload, occurred_at`

// EventRepository handles the append-only run_event log
type EventRepository struct {
	db *db.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(database *db.DB) *EventRepository {
	return &EventRepository{db: database}
}

// Append writes one event outside any lease transaction. Duplicate event_ids
// are silently dropped, so redelivered writes cannot double-log.
func (r *EventRepository) Append(ctx context.Context, event models.Event) error {
	return r.insert(ctx, r.db, event)
}

// insert is the in-transaction form used by the run repository
func (r *EventRepository) insert(ctx context.Context, q querier, event models.Event) error {
	query := `
		INSERT INTO run_event (event_id, run_id, event_type, severity, reason_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err := q.Exec(ctx, query,
		event.EventID,
		event.RunID,
		event.EventType,
		event.Severity,
		event.ReasonKey,
		event.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListByRun retrieves a run's events, newest first
func (r *EventRepository) ListByRun(ctx context.Context, runID uuid.UUID, limit int) ([]*models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM run_event
		WHERE run_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return collectEvents(rows)
}

// ListSince retrieves events across all runs inside a lookback window,
// optionally floored at a minimum severity.
func (r *EventRepository) ListSince(ctx context.Context, since time.Time, minSeverity models.Severity, limit int) ([]*models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM run_event
		WHERE occurred_at >= $1
		  AND severity = ANY($2)
		ORDER BY occurred_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, since, severitiesAtOrAbove(minSeverity), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events since %s: %w", since, err)
	}

	return collectEvents(rows)
}

// DeleteOlderThan prunes events past the retention horizon and returns the
// number removed
func (r *EventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM run_event WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func severitiesAtOrAbove(min models.Severity) []string {
	order := []models.Severity{
		models.SeverityCritical,
		models.SeverityWarn,
		models.SeverityInfo,
		models.SeverityDebug,
	}

	var out []string
	for _, s := range order {
		out = append(out, string(s))
		if s == min {
			break
		}
	}
	return out
}

func collectEvents(rows pgx.Rows) ([]*models.Event, error) {
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event := &models.Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.EventType,
			&event.Severity,
			&event.ReasonKey,
			&event.Payload,
			&event.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
