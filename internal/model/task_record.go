package model

import (
	"time"

	"gorm.io/gorm"
)

// TaskRecord 记录每个任务的结局（包括失败原因），便于事后排查超时/崩溃
type TaskRecord struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ExpRef           string `gorm:"type:varchar(36);not null;index" json:"exp_ref"`
	RunID            int    `gorm:"index" json:"run_id"`
	Policy           Policy `gorm:"type:varchar(20);index" json:"policy"`
	ParticipantCount int    `json:"participant_count"`
	// 逗号分隔的最终参数选择
	ParameterChoice string `gorm:"type:varchar(500)" json:"parameter_choice"`
	Success         bool   `json:"success"`
	FailureReason   string `gorm:"type:text" json:"failure_reason"`
	Records         int    `json:"records"`
	Fallbacks       int    `json:"fallbacks"`
	WorkerID        int    `json:"worker_id"`
	DurationMs      int64  `json:"duration_ms"`
}
