package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/db"
	"xr-compress-lab/internal/model"
)

var ErrNotFound = errors.New("store: experiment not found")

// Store 结果持久化；所有方法只在编排 goroutine 或 HTTP handler 中调用
type Store interface {
	CreateRun(ctx context.Context, run *model.ExperimentRun) error
	UpdateRun(ctx context.Context, run *model.ExperimentRun) error
	GetRun(ctx context.Context, ref string) (*model.ExperimentRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.ExperimentRun, error)
	// SaveResult 记录任务结局；成功任务的指标行一并写入
	SaveResult(ctx context.Context, expRef string, res model.RunResult) error
	Metrics(ctx context.Context, expRef string) ([]model.ParticipantMetric, error)
	TaskRecords(ctx context.Context, expRef string) ([]model.TaskRecord, error)
	Close() error
}

// Open 按配置选择实现；driver 为空时返回 nil（不落库）
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		sdb, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(sdb), nil
	case "mysql":
		gdb, err := db.InitMySQL(cfg)
		if err != nil {
			return nil, err
		}
		return NewGormStore(gdb), nil
	default:
		return nil, fmt.Errorf("未知数据库驱动 %q: %w", cfg.Driver, config.ErrInvalidConfig)
	}
}

// NewTaskRecord 把 RunResult 压成一行任务记录
func NewTaskRecord(expRef string, res model.RunResult) model.TaskRecord {
	fallbacks := 0
	for _, d := range res.Decisions {
		if d.Fallback() {
			fallbacks++
		}
	}
	records := 0
	if res.Succeeded() {
		records = len(res.Metrics)
	}
	return model.TaskRecord{
		ExpRef:           expRef,
		RunID:            res.RunID,
		Policy:           res.Policy,
		ParticipantCount: res.ParticipantCount,
		ParameterChoice:  JoinLevels(res.ParameterChoice),
		Success:          res.Succeeded(),
		FailureReason:    res.FailureReason,
		Records:          records,
		Fallbacks:        fallbacks,
		WorkerID:         res.WorkerID,
		DurationMs:       res.DurationMs,
	}
}

func JoinLevels(levels []int) string {
	parts := make([]string, len(levels))
	for i, l := range levels {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, ",")
}

// resultRows 只有成功任务的指标行会入库，与检查点保持一致
func resultRows(expRef string, res model.RunResult) []model.ParticipantMetric {
	if !res.Succeeded() {
		return nil
	}
	rows := res.Rows()
	for i := range rows {
		rows[i].ExpRef = expRef
		rows[i].ID = 0
	}
	return rows
}
