package service

// 显著性阈值
const significanceLevel = 0.05

// 每个策略至少需要的参与者记录数
const minSamplesPerPolicy = 30

// GenerateConclusion 根据对比统计生成结论（工程简化版，只看满意率检验与各指标提升方向）
func GenerateConclusion(c Comparison) map[string]interface{} {
	claims := []string{}
	caveats := []string{}
	metrics := map[string]interface{}{
		"random_satisfaction_rate": c.Baseline.SatisfactionRate,
		"model_satisfaction_rate":  c.Guided.SatisfactionRate,
		"random_ci95":              []float64{c.Baseline.CI95Low, c.Baseline.CI95High},
		"model_ci95":               []float64{c.Guided.CI95Low, c.Guided.CI95High},
		"p_satisfaction":           c.SatisfactionTest.PValue,
		"z_satisfaction":           c.SatisfactionTest.Z,
	}
	out := map[string]interface{}{
		"verdict": "insufficient_data",
		"metrics": metrics,
	}

	if c.Baseline.Count == 0 || c.Guided.Count == 0 {
		caveats = append(caveats, "缺少 random 或 model 策略的记录，无法做策略间对比。")
		out["claims"], out["caveats"] = claims, caveats
		return out
	}
	if c.Baseline.Count < minSamplesPerPolicy || c.Guided.Count < minSamplesPerPolicy {
		caveats = append(caveats, "样本量偏少（建议每个策略 >=30 条参与者记录），检验结果仅供参考。")
	}

	imp := c.Improvement
	switch {
	case imp.Satisfaction > 0 && c.SatisfactionTest.PValue < significanceLevel:
		claims = append(claims, "model 策略的用户满意率显著高于 random 策略（p<0.05）。")
		out["verdict"] = "model_better"
	case imp.Satisfaction < 0 && c.SatisfactionTest.PValue < significanceLevel:
		claims = append(claims, "model 策略的用户满意率显著低于 random 策略（p<0.05），需要检查模型或 warmup 观测。")
		out["verdict"] = "model_worse"
	default:
		claims = append(claims, "两种策略的满意率差异不显著。")
		out["verdict"] = "no_significant_difference"
	}

	if imp.Delay > 0 && imp.Reliability > 0 {
		claims = append(claims, "model 策略同时降低了平均时延并提高了时延可靠性。")
	}
	if imp.Error < 0 {
		caveats = append(caveats, "model 策略的平均误差高于 random：更低时延是以更强压缩换来的。")
	}
	if c.Baseline.ErrorSamples == 0 || c.Guided.ErrorSamples == 0 {
		caveats = append(caveats, "仿真输出缺少误差指标，误差对比不可用。")
	}

	out["claims"], out["caveats"] = claims, caveats
	return out
}
