package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"livecast/internal/model"
)

// CreateJob inserts a pending job with the given definition and returns it.
func (s *Store) CreateJob(ctx context.Context, tenantID string, def model.JobDefinition) (*model.BroadcastJob, error) {
	now := time.Now().UTC()
	job := &model.BroadcastJob{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Status:     model.JobPending,
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data, err := json.Marshal(job.Data())
	if err != nil {
		return nil, err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO broadcast_jobs (id,tenant_id,status,job_data,processed_items,current_index,last_error,created_at,updated_at)
		VALUES (?,?,?,?,0,0,'',?,?)`,
		job.ID, tenantID, string(job.Status), string(data), now, now)
	if err != nil {
		return nil, err
	}
	return job, nil
}

const jobCols = `id,tenant_id,status,job_data,processed_items,current_index,COALESCE(last_error,''),created_at,updated_at,completed_at`

func scanJob(row interface{ Scan(...any) error }) (*model.BroadcastJob, error) {
	var j model.BroadcastJob
	var status, raw string
	var completed sql.NullTime
	if err := row.Scan(&j.ID, &j.TenantID, &status, &raw, &j.ProcessedItems, &j.CurrentIndex, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	var data model.JobData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("job %s: decode job_data: %w", j.ID, err)
	}
	j.Definition, j.Progress = data.JobDefinition, data.JobProgress
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// GetJob loads a job or returns model.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*model.BroadcastJob, error) {
	j, err := scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM broadcast_jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return j, err
}

// JobStatus reads only the status column; the engine polls it between sends.
func (s *Store) JobStatus(ctx context.Context, id string) (model.JobStatus, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM broadcast_jobs WHERE id=?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return model.JobStatus(status), err
}

// MarkRunning moves a resumable job to running. It reports false when the job is
// already completed or cancelled.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE broadcast_jobs SET status='running', last_error='', updated_at=?
		WHERE id=? AND status IN ('pending','paused','running','error')`, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SaveProgress persists the checkpoint of a job. It never touches status so an
// external pause or cancel written concurrently is preserved.
func (s *Store) SaveProgress(ctx context.Context, job *model.BroadcastJob) error {
	data, err := json.Marshal(job.Data())
	if err != nil {
		return err
	}
	job.ProcessedItems = job.Progress.SentMessages + job.Progress.ErrorMessages
	job.CurrentIndex = job.Progress.CurrentProductIndex
	job.UpdatedAt = time.Now().UTC()
	_, err = s.DB.ExecContext(ctx, `UPDATE broadcast_jobs SET job_data=?, processed_items=?, current_index=?, updated_at=? WHERE id=?`,
		string(data), job.ProcessedItems, job.CurrentIndex, job.UpdatedAt, job.ID)
	return err
}

// CompleteJob writes the final checkpoint and marks the job completed, but only
// if it is still running.
func (s *Store) CompleteJob(ctx context.Context, job *model.BroadcastJob) (bool, error) {
	data, err := json.Marshal(job.Data())
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	job.ProcessedItems = job.Progress.SentMessages + job.Progress.ErrorMessages
	job.CurrentIndex = job.Progress.CurrentProductIndex
	res, err := s.DB.ExecContext(ctx, `UPDATE broadcast_jobs
		SET status='completed', job_data=?, processed_items=?, current_index=?, updated_at=?, completed_at=?
		WHERE id=? AND status='running'`,
		string(data), job.ProcessedItems, job.CurrentIndex, now, now, job.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		job.Status = model.JobCompleted
		job.CompletedAt = &now
	}
	return n > 0, err
}

// UpdateJobStatus sets status (and last_error) when the current status is one of from.
// An empty from list matches any status.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, to model.JobStatus, lastError string, from ...model.JobStatus) (bool, error) {
	q := `UPDATE broadcast_jobs SET status=?, last_error=?, updated_at=? WHERE id=?`
	args := []any{string(to), lastError, time.Now().UTC(), id}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, string(f))
		}
	}
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListJobs returns the jobs of a tenant (all tenants when empty), newest first.
func (s *Store) ListJobs(ctx context.Context, tenantID string) ([]*model.BroadcastJob, error) {
	var rows *sql.Rows
	var err error
	if tenantID != "" {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+jobCols+` FROM broadcast_jobs WHERE tenant_id=? ORDER BY created_at DESC`, tenantID)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+jobCols+` FROM broadcast_jobs ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.BroadcastJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+jobCols+` FROM broadcast_jobs WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*model.BroadcastJob, error) {
	defer rows.Close()
	var list []*model.BroadcastJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}
