package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

const jobColumns = `id, name, status, completed_count, current_phase, error_message, output_path, created_at, updated_at`

const itemColumns = `idx, id, shot_number, segment, narration, visual_hint, status, description, image_path, error_message`

// SaveJob upserts the job row and every item row in one transaction.
func (s *Store) SaveJob(ctx context.Context, job domain.Job) error {
	return retryOnBusy(ctx, func() error {
		return s.saveJob(ctx, job)
	})
}

func (s *Store) saveJob(ctx context.Context, job domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name            = excluded.name,
			status          = excluded.status,
			completed_count = excluded.completed_count,
			current_phase   = excluded.current_phase,
			error_message   = excluded.error_message,
			output_path     = excluded.output_path,
			updated_at      = excluded.updated_at`,
		string(job.ID),
		job.Name,
		string(job.Status),
		job.CompletedCount,
		job.CurrentPhase,
		job.ErrorMessage,
		job.OutputPath,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_items (job_id, `+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, idx) DO UPDATE SET
			status        = excluded.status,
			description   = excluded.description,
			image_path    = excluded.image_path,
			error_message = excluded.error_message`)
	if err != nil {
		return fmt.Errorf("prepare item upsert: %w", err)
	}
	defer stmt.Close()

	for _, item := range job.Items {
		if _, err := stmt.ExecContext(ctx,
			string(job.ID),
			item.Index,
			string(item.ID),
			item.ShotNumber,
			item.Segment,
			item.Narration,
			item.VisualHint,
			string(item.Status),
			item.Description,
			item.ImagePath,
			item.Error,
		); err != nil {
			return fmt.Errorf("upsert item %d: %w", item.Index, err)
		}
	}

	return tx.Commit()
}

// GetJob loads one job with its items, or domain.ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}

	job.Items, err = s.loadItems(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// ListJobs returns every job with its items, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range jobs {
		if jobs[i].Items, err = s.loadItems(ctx, jobs[i].ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// DeleteJob removes a job and its items. Missing jobs are not an error.
func (s *Store) DeleteJob(ctx context.Context, id domain.JobID) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		if _, err := tx.ExecContext(ctx, `DELETE FROM job_items WHERE job_id = ?`, string(id)); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id)); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) loadItems(ctx context.Context, id domain.JobID) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM job_items WHERE job_id = ? ORDER BY idx`, string(id))
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()

	items := []domain.Item{}
	for rows.Next() {
		var (
			item   domain.Item
			itemID string
			status string
		)
		if err := rows.Scan(
			&item.Index,
			&itemID,
			&item.ShotNumber,
			&item.Segment,
			&item.Narration,
			&item.VisualHint,
			&status,
			&item.Description,
			&item.ImagePath,
			&item.Error,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.ID = domain.ItemID(itemID)
		item.Status = domain.ItemStatus(status)
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (domain.Job, error) {
	var (
		job                  domain.Job
		id, status           string
		createdAt, updatedAt string
	)
	if err := scanner.Scan(
		&id,
		&job.Name,
		&status,
		&job.CompletedCount,
		&job.CurrentPhase,
		&job.ErrorMessage,
		&job.OutputPath,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.ID = domain.JobID(id)
	job.Status = domain.JobStatus(status)

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Job{}, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Job{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
