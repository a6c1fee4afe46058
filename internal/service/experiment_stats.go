package service

import (
	"sort"

	"xr-compress-lab/internal/model"
)

// ParticipantBreakdown 按参与者数分组的对比
type ParticipantBreakdown struct {
	ParticipantCount int         `json:"participant_count"`
	Random           PolicyStats `json:"random"`
	Model            PolicyStats `json:"model"`
	Improvement      Improvement `json:"improvement"`
}

// BreakdownByParticipants 参与者数升序
func BreakdownByParticipants(rows []model.ParticipantMetric) []ParticipantBreakdown {
	groups := map[int][]model.ParticipantMetric{}
	for _, r := range rows {
		groups[r.ParticipantCount] = append(groups[r.ParticipantCount], r)
	}
	counts := make([]int, 0, len(groups))
	for n := range groups {
		counts = append(counts, n)
	}
	sort.Ints(counts)

	out := make([]ParticipantBreakdown, 0, len(counts))
	for _, n := range counts {
		random := Summarize(groups[n], model.PolicyRandom)
		guided := Summarize(groups[n], model.PolicyModel)
		out = append(out, ParticipantBreakdown{
			ParticipantCount: n,
			Random:           random,
			Model:            guided,
			Improvement:      Improve(random, guided),
		})
	}
	return out
}

// LevelDistribution 各压缩等级被选中的次数（dataset 模式的标签分布）
func LevelDistribution(rows []model.ParticipantMetric) map[int]int {
	out := map[int]int{}
	for _, r := range rows {
		out[r.ParameterLevel]++
	}
	return out
}

// FallbackRate 所有 model 任务中回退决策的比例
func FallbackRate(results []model.RunResult) float64 {
	total, fallback := 0, 0
	for _, r := range results {
		for _, d := range r.Decisions {
			total++
			if d.Fallback() {
				fallback++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(fallback) / float64(total)
}

// CompletedRunIDs 已有记录的 run id（续跑时跳过）
func CompletedRunIDs(rows []model.ParticipantMetric) map[int]bool {
	out := map[int]bool{}
	for _, r := range rows {
		out[r.RunID] = true
	}
	return out
}
