package model

import "fmt"

// Policy 参数选择策略
type Policy string

const (
	PolicyRandom Policy = "random"
	PolicyModel  Policy = "model"
)

// ParsePolicy 兼容原脚本里的 "ml" 写法
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "random":
		return PolicyRandom, nil
	case "model", "ml", "model-guided":
		return PolicyModel, nil
	default:
		return "", fmt.Errorf("未知策略: %q", s)
	}
}

// Task 一次仿真任务，生成后不可变，只会被一个 worker 消费一次。
// 对 model 策略，ParameterChoice 是 warmup 阶段使用的随机选择。
type Task struct {
	RunID            int    `json:"run_id"`
	Policy           Policy `json:"policy"`
	ParticipantCount int    `json:"participant_count"`
	Repetition       int    `json:"repetition"`
	ParameterChoice  []int  `json:"parameter_choice"`
	Seed             int64  `json:"seed"`
}

func (t Task) String() string {
	return fmt.Sprintf("run=%d policy=%s users=%d rep=%d", t.RunID, t.Policy, t.ParticipantCount, t.Repetition+1)
}
