package service

import (
	"fmt"
	"math/rand"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/model"
)

// model 策略的子种子偏移，与随机策略错开
const modelSeedOffset = 1000

type GenerateOptions struct {
	MinParticipants int
	MaxParticipants int
	RunsPerConfig   int
	Seed            int64
	Policies        []model.Policy
	Levels          []int
}

// GenerateTasks 按 策略 × 参与者数(升序) × 重复次数 展开任务，run id 从 1 开始连续编号。
// 相同输入得到完全相同的任务列表。
func GenerateTasks(opts GenerateOptions) ([]model.Task, error) {
	if opts.MinParticipants < 1 || opts.MaxParticipants < opts.MinParticipants {
		return nil, fmt.Errorf("参与者范围 [%d,%d] 无效: %w", opts.MinParticipants, opts.MaxParticipants, config.ErrInvalidConfig)
	}
	if opts.RunsPerConfig <= 0 {
		return nil, fmt.Errorf("runs_per_config=%d 必须为正: %w", opts.RunsPerConfig, config.ErrInvalidConfig)
	}
	if len(opts.Policies) == 0 {
		return nil, fmt.Errorf("至少需要一个策略: %w", config.ErrInvalidConfig)
	}
	if len(opts.Levels) == 0 {
		return nil, fmt.Errorf("压缩等级集合为空: %w", config.ErrInvalidConfig)
	}
	for _, p := range opts.Policies {
		if p != model.PolicyRandom && p != model.PolicyModel {
			return nil, fmt.Errorf("未知策略 %q: %w", p, config.ErrInvalidConfig)
		}
	}

	counts := opts.MaxParticipants - opts.MinParticipants + 1
	tasks := make([]model.Task, 0, len(opts.Policies)*counts*opts.RunsPerConfig)
	runID := 0
	for _, policy := range opts.Policies {
		for n := opts.MinParticipants; n <= opts.MaxParticipants; n++ {
			for rep := 0; rep < opts.RunsPerConfig; rep++ {
				runID++
				seed := SubSeed(opts.Seed, runID, policy)
				rng := rand.New(rand.NewSource(seed))
				choice := make([]int, n)
				for i := range choice {
					choice[i] = opts.Levels[rng.Intn(len(opts.Levels))]
				}
				tasks = append(tasks, model.Task{
					RunID:            runID,
					Policy:           policy,
					ParticipantCount: n,
					Repetition:       rep,
					ParameterChoice:  choice,
					Seed:             seed,
				})
			}
		}
	}
	return tasks, nil
}

// SubSeed 任务级种子：seed + run_id (+1000 for model)
func SubSeed(seed int64, runID int, policy model.Policy) int64 {
	s := seed + int64(runID)
	if policy == model.PolicyModel {
		s += modelSeedOffset
	}
	return s
}

// ParsePolicies 把配置里的字符串转成策略列表
func ParsePolicies(names []string) ([]model.Policy, error) {
	out := make([]model.Policy, 0, len(names))
	for _, n := range names {
		p, err := model.ParsePolicy(n)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, config.ErrInvalidConfig)
		}
		out = append(out, p)
	}
	return out, nil
}
