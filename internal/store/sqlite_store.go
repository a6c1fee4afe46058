package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xr-compress-lab/internal/db"
	"xr-compress-lab/internal/model"
)

// SQLiteStore 本地默认实现（modernc 纯 Go 驱动）
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(sdb *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: sdb}
}

const runColumns = `id, created_at, updated_at, ref, mode, min_participants, max_participants,
	runs_per_config, seed, policies_json, workers, total_tasks, succeeded_tasks, failed_tasks,
	row_count, status, output_path, report_path`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.ExperimentRun) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_runs (created_at, updated_at, ref, mode, min_participants, max_participants,
			runs_per_config, seed, policies_json, workers, total_tasks, succeeded_tasks, failed_tasks,
			row_count, status, output_path, report_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.CreatedAt, run.UpdatedAt, run.Ref, run.Mode, run.MinParticipants, run.MaxParticipants,
		run.RunsPerConfig, run.Seed, run.PoliciesJSON, run.Workers, run.TotalTasks, run.SucceededTasks,
		run.FailedTasks, run.RowCount, run.Status, run.OutputPath, run.ReportPath,
	)
	if err != nil {
		return fmt.Errorf("创建实验记录失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = uint(id)
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.ExperimentRun) error {
	run.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE experiment_runs
		SET updated_at = ?, total_tasks = ?, succeeded_tasks = ?, failed_tasks = ?, row_count = ?,
		    status = ?, output_path = ?, report_path = ?
		WHERE ref = ?`,
		run.UpdatedAt, run.TotalTasks, run.SucceededTasks, run.FailedTasks, run.RowCount,
		run.Status, run.OutputPath, run.ReportPath, run.Ref,
	)
	if err != nil {
		return fmt.Errorf("更新实验记录失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc rowScanner) (*model.ExperimentRun, error) {
	var r model.ExperimentRun
	var id int64
	err := sc.Scan(&id, &r.CreatedAt, &r.UpdatedAt, &r.Ref, &r.Mode, &r.MinParticipants, &r.MaxParticipants,
		&r.RunsPerConfig, &r.Seed, &r.PoliciesJSON, &r.Workers, &r.TotalTasks, &r.SucceededTasks, &r.FailedTasks,
		&r.RowCount, &r.Status, &r.OutputPath, &r.ReportPath)
	if err != nil {
		return nil, err
	}
	r.ID = uint(id)
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, ref string) (*model.ExperimentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM experiment_runs WHERE ref = ?`, ref)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.ExperimentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM experiment_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExperimentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveResult(ctx context.Context, expRef string, res model.RunResult) error {
	rec := NewTaskRecord(expRef, res)
	metrics := resultRows(expRef, res)

	return db.Transaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_records (exp_ref, run_id, policy, participant_count, parameter_choice, success,
				failure_reason, records, fallbacks, worker_id, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ExpRef, rec.RunID, string(rec.Policy), rec.ParticipantCount, rec.ParameterChoice, rec.Success,
			rec.FailureReason, rec.Records, rec.Fallbacks, rec.WorkerID, rec.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("写入任务记录失败: %w", err)
		}
		if len(metrics) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO participant_metrics (exp_ref, run_id, policy, participant_count, participant_id,
				parameter_level, total_frames, on_time_frames, avg_delay_ms, delay_reliability, satisfied,
				avg_error, avg_channel_quality)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range metrics {
			if _, err := stmt.ExecContext(ctx, m.ExpRef, m.RunID, string(m.Policy), m.ParticipantCount, m.ParticipantID,
				m.ParameterLevel, m.TotalFrames, m.OnTimeFrames, m.AvgDelayMs, m.DelayReliability, m.Satisfied,
				m.AvgError, m.AvgChannelQuality); err != nil {
				return fmt.Errorf("写入指标失败: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Metrics(ctx context.Context, expRef string) ([]model.ParticipantMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exp_ref, run_id, policy, participant_count, participant_id, parameter_level, total_frames,
		       on_time_frames, avg_delay_ms, delay_reliability, satisfied, avg_error, avg_channel_quality
		FROM participant_metrics
		WHERE exp_ref = ?
		ORDER BY policy, run_id, participant_id`, expRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ParticipantMetric
	for rows.Next() {
		var m model.ParticipantMetric
		var id int64
		var policy string
		if err := rows.Scan(&id, &m.ExpRef, &m.RunID, &policy, &m.ParticipantCount, &m.ParticipantID,
			&m.ParameterLevel, &m.TotalFrames, &m.OnTimeFrames, &m.AvgDelayMs, &m.DelayReliability,
			&m.Satisfied, &m.AvgError, &m.AvgChannelQuality); err != nil {
			return nil, err
		}
		m.ID = uint(id)
		m.Policy = model.Policy(policy)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TaskRecords(ctx context.Context, expRef string) ([]model.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, exp_ref, run_id, policy, participant_count, parameter_choice, success,
		       failure_reason, records, fallbacks, worker_id, duration_ms
		FROM task_records
		WHERE exp_ref = ?
		ORDER BY run_id`, expRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaskRecord
	for rows.Next() {
		var r model.TaskRecord
		var id int64
		var policy string
		if err := rows.Scan(&id, &r.CreatedAt, &r.ExpRef, &r.RunID, &policy, &r.ParticipantCount,
			&r.ParameterChoice, &r.Success, &r.FailureReason, &r.Records, &r.Fallbacks, &r.WorkerID,
			&r.DurationMs); err != nil {
			return nil, err
		}
		r.ID = uint(id)
		r.Policy = model.Policy(policy)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
