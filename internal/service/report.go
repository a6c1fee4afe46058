package service

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"xr-compress-lab/internal/model"
)

func RenderConclusionMarkdown(result *ExperimentRunResult) string {
	var b strings.Builder
	if result.Mode == ModeDataset {
		b.WriteString("# 压缩数据集生成报告\n\n")
	} else {
		b.WriteString("# 压缩策略对比结论\n\n")
	}
	b.WriteString(fmt.Sprintf("- ref: %s\n", result.Ref))
	b.WriteString(fmt.Sprintf("- mode: %s\n", result.Mode))
	b.WriteString(fmt.Sprintf("- seed: %d\n", result.Seed))
	b.WriteString(fmt.Sprintf("- status: %s\n", result.Status))
	b.WriteString(fmt.Sprintf("- tasks: %d (skipped %d, succeeded %d, failed %d)\n",
		result.TotalTasks, result.SkippedTasks, result.Progress.Succeeded, result.Progress.Failed))
	b.WriteString(fmt.Sprintf("- rows: %d\n", result.Progress.Rows))
	b.WriteString(fmt.Sprintf("- output: %s\n", result.OutputPath))
	b.WriteString(fmt.Sprintf("- started_at: %s\n", result.StartedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- finished_at: %s\n\n", result.FinishedAt.Format("2006-01-02 15:04:05")))

	if result.Summary != nil {
		s := result.Summary
		b.WriteString("## 汇总\n\n")
		b.WriteString("| N | MeanError | MeanDelay(ms) | Reliability | Satisfaction | CI95 |\n")
		b.WriteString("| ---: | ---: | ---: | ---: | ---: | --- |\n")
		b.WriteString(fmt.Sprintf("| %d | %.2f | %.2f | %.3f | %.3f | [%.3f, %.3f] |\n\n",
			s.Count, s.MeanError, s.MeanDelayMs, s.MeanReliability, s.SatisfactionRate, s.CI95Low, s.CI95High))
	}

	if len(result.LevelDistribution) > 0 {
		b.WriteString("## 压缩等级分布\n\n")
		b.WriteString("| Level | Rows |\n| ---: | ---: |\n")
		levels := make([]int, 0, len(result.LevelDistribution))
		for l := range result.LevelDistribution {
			levels = append(levels, l)
		}
		sort.Ints(levels)
		for _, l := range levels {
			b.WriteString(fmt.Sprintf("| %d | %d |\n", l, result.LevelDistribution[l]))
		}
		b.WriteString("\n")
	}

	if c := result.Comparison; c != nil {
		b.WriteString("## 策略对比\n\n")
		b.WriteString("| 指标 | Random | Model | 提升 |\n")
		b.WriteString("| --- | ---: | ---: | ---: |\n")
		b.WriteString(fmt.Sprintf("| Mean Error | %.2f | %.2f | %+.1f%% |\n", c.Baseline.MeanError, c.Guided.MeanError, c.Improvement.Error))
		b.WriteString(fmt.Sprintf("| Mean Delay (ms) | %.2f | %.2f | %+.1f%% |\n", c.Baseline.MeanDelayMs, c.Guided.MeanDelayMs, c.Improvement.Delay))
		b.WriteString(fmt.Sprintf("| Reliability | %.1f%% | %.1f%% | %+.1f%% |\n", c.Baseline.MeanReliability*100, c.Guided.MeanReliability*100, c.Improvement.Reliability))
		b.WriteString(fmt.Sprintf("| Satisfaction | %.1f%% | %.1f%% | %+.1f%% |\n\n", c.Baseline.SatisfactionRate*100, c.Guided.SatisfactionRate*100, c.Improvement.Satisfaction))
		b.WriteString(fmt.Sprintf("- 满意率 z 检验: z=%.3f, p=%.4f\n", c.SatisfactionTest.Z, c.SatisfactionTest.PValue))
		b.WriteString(fmt.Sprintf("- model 回退比例: %.1f%%\n\n", result.FallbackRate*100))

		if len(c.ByParticipants) > 0 {
			b.WriteString("### 按参与者数\n\n")
			b.WriteString("| Users | N(random) | N(model) | Sat(random) | Sat(model) | Delay 提升 |\n")
			b.WriteString("| ---: | ---: | ---: | ---: | ---: | ---: |\n")
			for _, p := range c.ByParticipants {
				b.WriteString(fmt.Sprintf("| %d | %d | %d | %.3f | %.3f | %+.1f%% |\n",
					p.ParticipantCount, p.Random.Count, p.Model.Count, p.Random.SatisfactionRate, p.Model.SatisfactionRate, p.Improvement.Delay))
			}
			b.WriteString("\n")
		}
	}

	if len(result.Conclusion) > 0 {
		b.WriteString("## 自动结论\n\n")
		if verdict, ok := result.Conclusion["verdict"]; ok {
			b.WriteString(fmt.Sprintf("- verdict: %v\n", verdict))
		}
		if claims, ok := result.Conclusion["claims"].([]string); ok && len(claims) > 0 {
			b.WriteString("\n### 主要论断\n\n")
			for _, c := range claims {
				b.WriteString(fmt.Sprintf("- %s\n", c))
			}
		}
		if caveats, ok := result.Conclusion["caveats"].([]string); ok && len(caveats) > 0 {
			b.WriteString("\n### 注意事项/局限\n\n")
			for _, c := range caveats {
				b.WriteString(fmt.Sprintf("- %s\n", c))
			}
		}
	}

	if len(result.Errors) > 0 {
		b.WriteString("\n## 执行错误（如有）\n\n")
		max := len(result.Errors)
		if max > 20 {
			max = 20
		}
		for i := 0; i < max; i++ {
			b.WriteString(fmt.Sprintf("- %s\n", result.Errors[i]))
		}
		if len(result.Errors) > max {
			b.WriteString(fmt.Sprintf("- ...(剩余 %d 条省略)\n", len(result.Errors)-max))
		}
	}
	return b.String()
}

// PrintSummary 控制台对比表
func PrintSummary(w io.Writer, c Comparison) {
	line := strings.Repeat("=", 50)
	fmt.Fprintf(w, "\n%s\nSUMMARY STATISTICS\n%s\n", line, line)
	fmt.Fprintf(w, "%-25s %-15s %-15s %-15s\n", "Metric", "Random", "Model-Guided", "Improvement")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	if c.Baseline.Count > 0 && c.Guided.Count > 0 {
		fmt.Fprintf(w, "%-25s %-15.2f %-15.2f %+.1f%%\n", "Avg Error", c.Baseline.MeanError, c.Guided.MeanError, c.Improvement.Error)
		fmt.Fprintf(w, "%-25s %-15.2f %-15.2f %+.1f%%\n", "Avg Delay (ms)", c.Baseline.MeanDelayMs, c.Guided.MeanDelayMs, c.Improvement.Delay)
		fmt.Fprintf(w, "%-25s %-14.1f%% %-14.1f%% %+.1f%%\n", "Avg Reliability", c.Baseline.MeanReliability*100, c.Guided.MeanReliability*100, c.Improvement.Reliability)
		fmt.Fprintf(w, "%-25s %-14.1f%% %-14.1f%% %+.1f%%\n", "Satisfaction Rate", c.Baseline.SatisfactionRate*100, c.Guided.SatisfactionRate*100, c.Improvement.Satisfaction)
	}
	fmt.Fprintln(w, line)
}

// PrintPolicySummary 单策略汇总（dataset 模式）
func PrintPolicySummary(w io.Writer, s PolicyStats) {
	fmt.Fprintf(w, "records=%d  mean_error=%.2f (n=%d)  mean_delay=%.2fms  reliability=%.1f%%  satisfaction=%.1f%% [%.1f%%, %.1f%%]\n",
		s.Count, s.MeanError, s.ErrorSamples, s.MeanDelayMs, s.MeanReliability*100,
		s.SatisfactionRate*100, s.CI95Low*100, s.CI95High*100)
}

// PrintRunResult quick 模式逐用户输出
func PrintRunResult(w io.Writer, res model.RunResult) {
	status := "Success!"
	if !res.Succeeded() {
		status = "Failed! " + res.FailureReason
	}
	fmt.Fprintf(w, "[%s] run=%d users=%d levels=%v  %s %d user results\n",
		res.Policy, res.RunID, res.ParticipantCount, res.ParameterChoice, status, len(res.Metrics))
	for _, d := range res.Decisions {
		fmt.Fprintf(w, "    decision user=%d cq=%.2f level=%d (%s)\n", d.ParticipantID, d.ChannelQuality, d.Level, d.Kind)
	}
	for _, m := range res.Metrics {
		fmt.Fprintf(w, "    User %d: CQI=%.2f, Comp=%d, delay=%.2fms, reliability=%.1f%%, satisfied=%d\n",
			m.ParticipantID, m.AvgChannelQuality, m.ParameterLevel, m.AvgDelayMs, m.DelayReliability*100, m.Satisfied)
	}
}
