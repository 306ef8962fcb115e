package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vidforge/coordinator/common/db"
	"github.com/vidforge/coordinator/common/models"
)

// IncidentSummary is one row of the run_incident_summary view: the run's
// lease state joined with its last 24h of event activity.
type IncidentSummary struct {
	RunID           uuid.UUID          `json:"run_id"`
	EntityID        string             `json:"entity_id"`
	TaskType        string             `json:"task_type"`
	Status          models.RunStatus   `json:"status"`
	WorkerID        string             `json:"worker_id"`
	WorkerState     models.WorkerState `json:"worker_state"`
	LockedAt        *time.Time         `json:"locked_at,omitempty"`
	LeaseExpiresAt  *time.Time         `json:"lease_expires_at,omitempty"`
	LeaseMinutes    int                `json:"lease_minutes"`
	LastHeartbeatAt *time.Time         `json:"last_heartbeat_at,omitempty"`
	Stale           bool               `json:"stale"`
	EventCount24h   int64              `json:"event_count_24h"`
	TopSeverity24h  string             `json:"top_severity_24h"`
	LastEventAt     *time.Time         `json:"last_event_at,omitempty"`
	LastReasonKey   *string            `json:"last_reason_key,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

const incidentColumns = `run_id, entity_id, task_type, status, worker_id, worker_state,
	locked_at, lease_expires_at, lease_minutes, last_heartbeat_at, stale,
	event_count_24h, top_severity_24h, last_event_at, last_reason_key,
	created_at, updated_at`

// IncidentRepository reads the diagnostic views. Strictly read-only; the
// views are derived state and carry no mutations of their own.
type IncidentRepository struct {
	db *db.DB
}

// NewIncidentRepository creates a new incident repository
func NewIncidentRepository(database *db.DB) *IncidentRepository {
	return &IncidentRepository{db: database}
}

// Summary retrieves the incident summary for one run
func (r *IncidentRepository) Summary(ctx context.Context, runID uuid.UUID) (*IncidentSummary, error) {
	query := `SELECT ` + incidentColumns + ` FROM run_incident_summary WHERE run_id = $1`

	summary, err := scanIncident(r.db.QueryRow(ctx, query, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to get incident summary: %w", err)
	}
	return summary, nil
}

// Attention retrieves every open run that is critical, stale, or panicking.
// This is the operator's triage list.
func (r *IncidentRepository) Attention(ctx context.Context, limit int) ([]*IncidentSummary, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM run_attention
		ORDER BY updated_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attention runs: %w", err)
	}
	defer rows.Close()

	var summaries []*IncidentSummary
	for rows.Next() {
		summary, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident row: %w", err)
		}
		summaries = append(summaries, summary)
	}

	return summaries, rows.Err()
}

// StaleRuns retrieves open runs whose workers have gone quiet, for the
// housekeeping sweep to log against
func (r *IncidentRepository) StaleRuns(ctx context.Context, limit int) ([]*IncidentSummary, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM run_incident_summary
		WHERE stale AND status NOT IN ('done', 'failed', 'aborted')
		ORDER BY last_heartbeat_at
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	defer rows.Close()

	var summaries []*IncidentSummary
	for rows.Next() {
		summary, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale row: %w", err)
		}
		summaries = append(summaries, summary)
	}

	return summaries, rows.Err()
}

func scanIncident(row pgx.Row) (*IncidentSummary, error) {
	s := &IncidentSummary{}
	err := row.Scan(
		&s.RunID,
		&s.EntityID,
		&s.TaskType,
		&s.Status,
		&s.WorkerID,
		&s.WorkerState,
		&s.LockedAt,
		&s.LeaseExpiresAt,
		&s.LeaseMinutes,
		&s.LastHeartbeatAt,
		&s.Stale,
		&s.EventCount24h,
		&s.TopSeverity24h,
		&s.LastEventAt,
		&s.LastReasonKey,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
