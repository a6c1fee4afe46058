package service

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"xr-compress-lab/internal/model"
)

// PolicyStats 单个策略的汇总指标
type PolicyStats struct {
	Policy model.Policy `json:"policy"`
	// 参与者记录数
	Count int `json:"count"`

	// 误差只统计非零观测
	ErrorSamples int     `json:"error_samples"`
	MeanError    float64 `json:"mean_error"`
	StdError     float64 `json:"std_error"`

	MeanDelayMs     float64 `json:"mean_delay_ms"`
	StdDelayMs      float64 `json:"std_delay_ms"`
	MeanReliability float64 `json:"mean_reliability"`
	StdReliability  float64 `json:"std_reliability"`

	Satisfied        int     `json:"satisfied"`
	SatisfactionRate float64 `json:"satisfaction_rate"`
	CI95Low          float64 `json:"ci95_low"`
	CI95High         float64 `json:"ci95_high"`
}

// Improvement 引导策略相对基线的百分比提升
type Improvement struct {
	Error        float64 `json:"error"`
	Delay        float64 `json:"delay"`
	Reliability  float64 `json:"reliability"`
	Satisfaction float64 `json:"satisfaction"`
}

type ZTest struct {
	Z      float64 `json:"z"`
	PValue float64 `json:"p_value"`
}

type Comparison struct {
	Baseline    PolicyStats `json:"baseline"`
	Guided      PolicyStats `json:"guided"`
	Improvement Improvement `json:"improvement"`
	// 满意率的双比例 z 检验（正 z 表示引导策略更好）
	SatisfactionTest ZTest                  `json:"satisfaction_test"`
	ByParticipants   []ParticipantBreakdown `json:"by_participants"`
}

// Summarize 统计 rows 中属于 policy 的记录；policy 为空时统计全部。
// 输入顺序不影响结果。
func Summarize(rows []model.ParticipantMetric, policy model.Policy) PolicyStats {
	s := PolicyStats{Policy: policy}
	var errs, delays, rels []float64
	for _, r := range rows {
		if policy != "" && r.Policy != policy {
			continue
		}
		s.Count++
		if r.AvgError > 0 {
			errs = append(errs, r.AvgError)
		}
		delays = append(delays, r.AvgDelayMs)
		rels = append(rels, r.DelayReliability)
		if r.Satisfied == 1 {
			s.Satisfied++
		}
	}
	if s.Count == 0 {
		return s
	}

	s.ErrorSamples = len(errs)
	s.MeanError, s.StdError = meanStd(errs)
	s.MeanDelayMs, s.StdDelayMs = meanStd(delays)
	s.MeanReliability, s.StdReliability = meanStd(rels)
	s.SatisfactionRate = float64(s.Satisfied) / float64(s.Count)
	s.CI95Low, s.CI95High = wilsonCI(s.Satisfied, s.Count, 1.96)
	return s
}

// Compare 基线为 random，引导策略为 model
func Compare(rows []model.ParticipantMetric) Comparison {
	base := Summarize(rows, model.PolicyRandom)
	guided := Summarize(rows, model.PolicyModel)

	c := Comparison{
		Baseline:       base,
		Guided:         guided,
		Improvement:    Improve(base, guided),
		ByParticipants: BreakdownByParticipants(rows),
	}
	p, z := twoPropZTest(base.Satisfied, base.Count, guided.Satisfied, guided.Count)
	c.SatisfactionTest = ZTest{Z: z, PValue: p}
	return c
}

func Improve(base, guided PolicyStats) Improvement {
	return Improvement{
		Error:        lowerBetter(base.MeanError, guided.MeanError),
		Delay:        lowerBetter(base.MeanDelayMs, guided.MeanDelayMs),
		Reliability:  higherBetter(base.MeanReliability, guided.MeanReliability),
		Satisfaction: higherBetter(base.SatisfactionRate, guided.SatisfactionRate),
	}
}

// 基线为 0 时报告 0%
func lowerBetter(base, guided float64) float64 {
	if base == 0 {
		return 0
	}
	return (base - guided) / base * 100
}

func higherBetter(base, guided float64) float64 {
	if base == 0 {
		return 0
	}
	return (guided - base) / base * 100
}

// meanStd 先排序再求和，保证与输入顺序无关
func meanStd(v []float64) (float64, float64) {
	switch len(v) {
	case 0:
		return 0, 0
	case 1:
		return v[0], 0
	}
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	return stat.MeanStdDev(sorted, nil)
}

// Wilson score interval for proportion
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	low := math.Max(0, center-half)
	high := math.Min(1, center+half)
	return low, high
}

// two-proportion z-test (two-sided)
func twoPropZTest(x1, n1, x2, n2 int) (pValue float64, z float64) {
	if n1 == 0 || n2 == 0 {
		return 1, 0
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	p := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 1, 0
	}
	z = (p2 - p1) / se
	pValue = 2 * (1 - normCDF(math.Abs(z)))
	return pValue, z
}

// standard normal CDF approximation via erf
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
