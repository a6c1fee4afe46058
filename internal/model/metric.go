package model

// FrameRecord 帧数据集中的一行（某一压缩等级下的一帧）
type FrameRecord struct {
	FrameIndex int     `json:"frame"`
	Level      int     `json:"level"`
	ErrorValue float64 `json:"error_value"`
	SizeBytes  int     `json:"size_bytes"`
}

// ParticipantMetric 从一次仿真输出中解析出的单个用户指标。
// 不变量：ParticipantID < 所属任务的 ParticipantCount，OnTimeFrames <= TotalFrames。
type ParticipantMetric struct {
	ID        uint   `gorm:"primarykey" json:"-"`
	RunID     int    `gorm:"index" json:"run_id"`
	Policy    Policy `gorm:"type:varchar(20);index" json:"policy,omitempty"`
	ExpRef    string `gorm:"type:varchar(36);index" json:"-"`

	ParticipantCount  int     `json:"participant_count"`
	ParticipantID     int     `json:"participant_id"`
	ParameterLevel    int     `json:"parameter_level"`
	TotalFrames       int     `json:"total_frames"`
	OnTimeFrames      int     `json:"on_time_frames"`
	AvgDelayMs        float64 `json:"avg_delay_ms"`
	DelayReliability  float64 `json:"delay_reliability"`
	Satisfied         int     `json:"satisfied"`
	AvgError          float64 `json:"avg_error"`
	AvgChannelQuality float64 `json:"avg_channel_quality"`
}

// DecisionKind 区分模型预测与回退随机
type DecisionKind string

const (
	DecisionPredicted      DecisionKind = "predicted"
	DecisionFallbackRandom DecisionKind = "fallback_random"
)

// Decision 单个用户的参数决策：Predicted(level) | FallbackRandom(level)
type Decision struct {
	ParticipantID  int          `json:"participant_id"`
	Kind           DecisionKind `json:"kind"`
	Level          int          `json:"level"`
	ChannelQuality float64      `json:"channel_quality"`
	RawPrediction  float64      `json:"raw_prediction,omitempty"`
	// 回退原因（服务不可用/非 2xx）
	Reason string `json:"reason,omitempty"`
}

// Fallback 是否为回退决策
func (d Decision) Fallback() bool { return d.Kind == DecisionFallbackRandom }

const (
	FailureTimeout   = "timeout"
	FailureCancelled = "cancelled"
)

// RunResult 一个任务生命周期的终值
type RunResult struct {
	RunID            int                 `json:"run_id"`
	Policy           Policy              `json:"policy"`
	ParticipantCount int                 `json:"participant_count"`
	ParameterChoice  []int               `json:"parameter_choice"`
	Metrics          []ParticipantMetric `json:"metrics"`
	Success          bool                `json:"success"`
	FailureReason    string              `json:"failure_reason,omitempty"`

	// 仅 model 策略：warmup 观测值与逐用户决策
	ObservedChannelQuality map[int]float64 `json:"observed_channel_quality,omitempty"`
	Decisions              []Decision      `json:"decisions,omitempty"`

	WorkerID   int   `json:"worker_id"`
	DurationMs int64 `json:"duration_ms"`
}

// Succeeded 成功且至少产出一条记录才算有效任务
func (r RunResult) Succeeded() bool {
	return r.Success && len(r.Metrics) > 0
}

// Rows 返回带任务上下文的指标行
func (r RunResult) Rows() []ParticipantMetric {
	out := make([]ParticipantMetric, 0, len(r.Metrics))
	for _, m := range r.Metrics {
		m.RunID = r.RunID
		m.Policy = r.Policy
		m.ParticipantCount = r.ParticipantCount
		out = append(out, m)
	}
	return out
}
