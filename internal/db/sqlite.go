package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS experiment_runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ref              TEXT NOT NULL UNIQUE,
	mode             TEXT NOT NULL,
	min_participants INTEGER NOT NULL,
	max_participants INTEGER NOT NULL,
	runs_per_config  INTEGER NOT NULL,
	seed             INTEGER NOT NULL,
	policies_json    TEXT NOT NULL DEFAULT '[]',
	workers          INTEGER NOT NULL,
	total_tasks      INTEGER NOT NULL DEFAULT 0,
	succeeded_tasks  INTEGER NOT NULL DEFAULT 0,
	failed_tasks     INTEGER NOT NULL DEFAULT 0,
	row_count        INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	output_path      TEXT NOT NULL DEFAULT '',
	report_path      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_records (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	exp_ref           TEXT NOT NULL REFERENCES experiment_runs(ref),
	run_id            INTEGER NOT NULL,
	policy            TEXT NOT NULL,
	participant_count INTEGER NOT NULL,
	parameter_choice  TEXT NOT NULL,
	success           INTEGER NOT NULL,
	failure_reason    TEXT NOT NULL DEFAULT '',
	records           INTEGER NOT NULL,
	fallbacks         INTEGER NOT NULL,
	worker_id         INTEGER NOT NULL,
	duration_ms       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_records_exp ON task_records(exp_ref, run_id);

CREATE TABLE IF NOT EXISTS participant_metrics (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	exp_ref             TEXT NOT NULL REFERENCES experiment_runs(ref),
	run_id              INTEGER NOT NULL,
	policy              TEXT NOT NULL,
	participant_count   INTEGER NOT NULL,
	participant_id      INTEGER NOT NULL,
	parameter_level     INTEGER NOT NULL,
	total_frames        INTEGER NOT NULL,
	on_time_frames      INTEGER NOT NULL,
	avg_delay_ms        REAL NOT NULL,
	delay_reliability   REAL NOT NULL,
	satisfied           INTEGER NOT NULL,
	avg_error           REAL NOT NULL,
	avg_channel_quality REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_participant_metrics_exp ON participant_metrics(exp_ref, policy, run_id);
`

// OpenSQLite 打开（必要时创建）结果库，开启 WAL 与外键并建表
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	sdb.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := sdb.Exec(sqliteSchema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	if err := sdb.Ping(); err != nil {
		sdb.Close()
		return nil, err
	}

	log.Printf("数据库初始化成功: %s", path)
	return sdb, nil
}

// Transaction 在事务中执行 fn，出错或 panic 时回滚
func Transaction(sdb *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := sdb.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
