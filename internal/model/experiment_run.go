package model

import (
	"time"

	"gorm.io/gorm"
)

// ExperimentRun 每次批量实验的元数据（用于隔离与可复现）
type ExperimentRun struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// 对外暴露的实验 ID（uuid）
	Ref  string `gorm:"type:varchar(36);uniqueIndex" json:"ref"`
	Mode string `gorm:"type:varchar(20);index" json:"mode"` // dataset/compare

	MinParticipants int    `json:"min_participants"`
	MaxParticipants int    `json:"max_participants"`
	RunsPerConfig   int    `json:"runs_per_config"`
	Seed            int64  `gorm:"index" json:"seed"`
	PoliciesJSON    string `gorm:"type:text" json:"policies_json"`
	Workers         int    `json:"workers"`

	TotalTasks     int `json:"total_tasks"`
	SucceededTasks int `json:"succeeded_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	RowCount       int `json:"row_count"`

	Status     string `gorm:"type:varchar(20);index" json:"status"` // running/completed/cancelled/failed
	OutputPath string `gorm:"type:varchar(500)" json:"output_path"`
	ReportPath string `gorm:"type:varchar(500)" json:"report_path"`
}
