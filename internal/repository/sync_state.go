package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// JobStateRepository — интерфейс для таблицы job_state (строка на задачу).
type JobStateRepository interface {
	// Get возвращает состояние задачи.
	Get(ctx context.Context, job string) (*model.JobState, error)
	// List возвращает состояние всех задач.
	List(ctx context.Context) ([]*model.JobState, error)
	// Record сохраняет итог очередного запуска задачи.
	Record(ctx context.Context, job string, at time.Time, result model.BatchResult, runErr error) error
}

// jobStateRepo — реализация JobStateRepository.
type jobStateRepo struct {
	db DBTX
}

// NewJobStateRepository создаёт репозиторий состояния задач.
func NewJobStateRepository(db DBTX) JobStateRepository {
	return &jobStateRepo{db: db}
}

const jobStateColumns = `job, last_run_at, last_succeeded, last_failed, last_error, updated_at`

func (r *jobStateRepo) Get(ctx context.Context, job string) (*model.JobState, error) {
	query := fmt.Sprintf(`SELECT %s FROM job_state WHERE job = $1`, jobStateColumns)

	s := &model.JobState{}
	err := r.db.QueryRow(ctx, query, job).Scan(
		&s.Job, &s.LastRunAt, &s.LastSucceeded, &s.LastFailed, &s.LastError, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения job_state: %w", err)
	}
	return s, nil
}

func (r *jobStateRepo) List(ctx context.Context) ([]*model.JobState, error) {
	query := fmt.Sprintf(`SELECT %s FROM job_state ORDER BY job`, jobStateColumns)
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения job_state: %w", err)
	}
	defer rows.Close()

	var result []*model.JobState
	for rows.Next() {
		s := &model.JobState{}
		if err := rows.Scan(
			&s.Job, &s.LastRunAt, &s.LastSucceeded, &s.LastFailed, &s.LastError, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования job_state: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *jobStateRepo) Record(ctx context.Context, job string, at time.Time, result model.BatchResult, runErr error) error {
	var lastErr *string
	if runErr != nil {
		msg := runErr.Error()
		lastErr = &msg
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO job_state (job, last_run_at, last_succeeded, last_failed, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (job) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_succeeded = EXCLUDED.last_succeeded,
			last_failed = EXCLUDED.last_failed,
			last_error = EXCLUDED.last_error,
			updated_at = now()`,
		job, at, result.Succeeded, result.Failed, lastErr,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления job_state %s: %w", job, err)
	}
	return nil
}
