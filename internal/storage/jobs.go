package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

const jobColumns = "id, area_id, kind, status, progress_json, error_message, created_at, updated_at, completed_at"

// SaveJob persists or updates a job record
func (s *Store) SaveJob(ctx context.Context, job *types.Job) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal job progress: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     status = excluded.status,
		     progress_json = excluded.progress_json,
		     error_message = excluded.error_message,
		     updated_at = excluded.updated_at,
		     completed_at = excluded.completed_at`,
		job.ID,
		job.AreaID,
		string(job.Kind),
		string(job.Status),
		string(progress),
		job.Error,
		job.CreatedAt.Unix(),
		job.UpdatedAt.Unix(),
		timeToUnixPtr(job.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("job %s", id)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// ListJobsFilter defines filtering options for ListJobs
type ListJobsFilter struct {
	Status string // optional: filter by status
	AreaID string // optional: filter by area
	Limit  int    // default: 100
	Offset int    // default: 0
}

// ListJobs retrieves jobs with optional filtering, most recently updated first
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]*types.Job, error) {
	if filter.Limit == 0 {
		filter.Limit = 100
	}
	if filter.Limit > 10000 {
		filter.Limit = 10000 // Cap limit to prevent excessive queries
	}

	q := sq.Select(jobColumns).From("jobs")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if filter.AreaID != "" {
		q = q.Where(sq.Eq{"area_id": filter.AreaID})
	}
	query, args, err := q.OrderBy("updated_at DESC", "id").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build job query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer closeRows(rows)

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// MarkInProgressJobsFailed marks all running/pending jobs as failed (called at startup)
func (s *Store) MarkInProgressJobsFailed(ctx context.Context) (int64, error) {
	now := s.now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE status IN (?, ?)`,
		string(types.StatusFailed),
		"service restarted while job in progress",
		now,
		now,
		string(types.StatusRunning),
		string(types.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark in-progress jobs as failed: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOldJobs deletes finished jobs older than the given age
func (s *Store) DeleteOldJobs(ctx context.Context, olderThan time.Duration) error {
	cutoff := s.now().Add(-olderThan).Unix()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(types.StatusCompleted),
		string(types.StatusFailed),
		string(types.StatusCancelled),
		cutoff,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old jobs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if deleted > 0 {
		logrus.WithField("deleted_count", deleted).Debug("Cleaned up old job records")
	}
	return nil
}

// GetJobCount returns the count of jobs with a given status
func (s *Store) GetJobCount(ctx context.Context, status types.JobStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get job count: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	job := &types.Job{}
	var kind, status string
	var progress, errMsg sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&job.ID,
		&job.AreaID,
		&kind,
		&status,
		&progress,
		&errMsg,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	job.Error = errMsg.String
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	job.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	job.EndedAt = unixToTimePtr(completedAt)
	if progress.Valid && progress.String != "" {
		if err := json.Unmarshal([]byte(progress.String), &job.Progress); err != nil {
			logrus.WithField("job_id", job.ID).WithError(err).Warn("Ignoring unreadable job progress")
		}
	}
	return job, nil
}
