package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"xr-compress-lab/internal/model"
)

// GormStore MySQL 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateRun(ctx context.Context, run *model.ExperimentRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("创建实验记录失败: %w", err)
	}
	return nil
}

func (s *GormStore) UpdateRun(ctx context.Context, run *model.ExperimentRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

func (s *GormStore) GetRun(ctx context.Context, ref string) (*model.ExperimentRun, error) {
	var run model.ExperimentRun
	err := s.db.WithContext(ctx).Where("ref = ?", ref).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *GormStore) ListRuns(ctx context.Context, limit int) ([]model.ExperimentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []model.ExperimentRun
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *GormStore) SaveResult(ctx context.Context, expRef string, res model.RunResult) error {
	record := NewTaskRecord(expRef, res)
	rows := resultRows(expRef, res)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("写入任务记录失败: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("写入指标失败: %w", err)
		}
		return nil
	})
}

func (s *GormStore) Metrics(ctx context.Context, expRef string) ([]model.ParticipantMetric, error) {
	var rows []model.ParticipantMetric
	err := s.db.WithContext(ctx).
		Where("exp_ref = ?", expRef).
		Order("policy, run_id, participant_id").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) TaskRecords(ctx context.Context, expRef string) ([]model.TaskRecord, error) {
	var recs []model.TaskRecord
	err := s.db.WithContext(ctx).Where("exp_ref = ?", expRef).Order("run_id").Find(&recs).Error
	return recs, err
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
