package service

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/model"
	"xr-compress-lab/internal/parser"
	"xr-compress-lab/internal/predictor"
	"xr-compress-lab/internal/simulator"
)

// Simulation 执行引擎依赖的仿真接口，*simulator.Runner 实现它
type Simulation interface {
	Run(ctx context.Context, req simulator.Request) model.RunResult
	Execute(ctx context.Context, req simulator.Request) simulator.Outcome
	Parser() parser.OutputParser
}

type WarmupState string

const (
	StateWarmup WarmupState = "WARMUP"
	StateQuery  WarmupState = "QUERY"
	StateReady  WarmupState = "READY"
)

// Coordinator model 策略的 warmup → 预测 → 正式运行
type Coordinator struct {
	sim       Simulation
	predictor predictor.Predictor
	levels    []int

	warmupFrames  int
	warmupTimeout time.Duration
	defaultCQ     float64
}

func NewCoordinator(sim Simulation, pred predictor.Predictor, cfg *config.Config) *Coordinator {
	return &Coordinator{
		sim:           sim,
		predictor:     pred,
		levels:        cfg.Experiment.Levels,
		warmupFrames:  cfg.Simulator.WarmupFrames,
		warmupTimeout: cfg.Simulator.WarmupTimeout,
		defaultCQ:     cfg.Predictor.DefaultChannelQuality,
	}
}

// Prepared READY 状态的产物
type Prepared struct {
	Choice    []int
	Observed  map[int]float64
	Decisions []model.Decision
}

// Prepare 跑完 WARMUP 和 QUERY，返回正式运行使用的参数
func (c *Coordinator) Prepare(ctx context.Context, task model.Task, workerID int) Prepared {
	log.Printf("[warmup] run=%d %s users=%d", task.RunID, StateWarmup, task.ParticipantCount)
	observed := c.Warmup(ctx, task, workerID)

	log.Printf("[warmup] run=%d %s cq=%v", task.RunID, StateQuery, observed)
	decisions := c.Decide(ctx, task, observed)

	choice := make([]int, len(decisions))
	fallbacks := 0
	for i, d := range decisions {
		choice[i] = d.Level
		if d.Fallback() {
			fallbacks++
		}
	}
	log.Printf("[warmup] run=%d %s choice=%v fallback=%d", task.RunID, StateReady, choice, fallbacks)
	return Prepared{Choice: choice, Observed: observed, Decisions: decisions}
}

// Warmup 用任务的随机参数跑一次缩短的仿真，只取每个用户的信道质量；
// 未观测到的用户填默认值。warmup 失败不影响任务继续。
func (c *Coordinator) Warmup(ctx context.Context, task model.Task, workerID int) map[int]float64 {
	out := c.sim.Execute(ctx, simulator.Request{
		RunID:            task.RunID,
		Policy:           task.Policy,
		ParticipantCount: task.ParticipantCount,
		ParameterChoice:  task.ParameterChoice,
		WorkerID:         workerID,
		ExpectedFrames:   c.warmupFrames,
		Timeout:          c.warmupTimeout,
		Prefix:           "warmup",
	})
	if !out.Success {
		log.Printf("[warmup] run=%d warmup 失败，使用已观测值: %s", task.RunID, out.Reason)
	}

	observed := map[int]float64{}
	for id, cq := range c.sim.Parser().ChannelQualities(out.Output) {
		if id >= 0 && id < task.ParticipantCount {
			observed[id] = cq
		}
	}
	for i := 0; i < task.ParticipantCount; i++ {
		if _, ok := observed[i]; !ok {
			observed[i] = c.defaultCQ
		}
	}
	return observed
}

// Decide 每个用户一次预测请求；失败时从等级集合中随机选一个
func (c *Coordinator) Decide(ctx context.Context, task model.Task, observed map[int]float64) []model.Decision {
	rng := rand.New(rand.NewSource(fallbackSeed(task.Seed)))
	decisions := make([]model.Decision, 0, task.ParticipantCount)

	for i := 0; i < task.ParticipantCount; i++ {
		cq, ok := observed[i]
		if !ok {
			cq = c.defaultCQ
		}
		// 每个用户都抽一次，保证回退序列与服务是否可用无关
		fallbackLevel := c.levels[rng.Intn(len(c.levels))]

		d := model.Decision{ParticipantID: i, ChannelQuality: cq}
		if c.predictor == nil {
			d.Kind, d.Level, d.Reason = model.DecisionFallbackRandom, fallbackLevel, "prediction service not configured"
			decisions = append(decisions, d)
			continue
		}

		resp, err := c.predictor.Predict(ctx, task.ParticipantCount, cq)
		if err != nil {
			log.Printf("[predict] run=%d user=%d 回退随机: %v", task.RunID, i, err)
			d.Kind, d.Level, d.Reason = model.DecisionFallbackRandom, fallbackLevel, err.Error()
		} else {
			d.Kind = model.DecisionPredicted
			d.Level = SnapLevel(c.levels, float64(resp.OptimalParameter))
			d.RawPrediction = resp.RawPrediction
		}
		decisions = append(decisions, d)
	}
	return decisions
}

// SnapLevel 取最近的合法等级，距离相同取较小者
func SnapLevel(levels []int, v float64) int {
	best := levels[0]
	bestDist := abs(float64(best) - v)
	for _, l := range levels[1:] {
		d := abs(float64(l) - v)
		if d < bestDist || (d == bestDist && l < best) {
			best, bestDist = l, d
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// fallbackSeed 与参数选择用的种子错开
func fallbackSeed(taskSeed int64) int64 {
	return int64(splitmix64(uint64(taskSeed)))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// TaskRunner 把一个任务跑成 RunResult：random 直接运行，model 先经过 Coordinator
type TaskRunner struct {
	sim         Simulation
	coordinator *Coordinator
}

func NewTaskRunner(sim Simulation, coordinator *Coordinator) *TaskRunner {
	return &TaskRunner{sim: sim, coordinator: coordinator}
}

func (r *TaskRunner) Run(ctx context.Context, task model.Task, workerID int) model.RunResult {
	req := simulator.Request{
		RunID:            task.RunID,
		Policy:           task.Policy,
		ParticipantCount: task.ParticipantCount,
		ParameterChoice:  task.ParameterChoice,
		WorkerID:         workerID,
	}
	if task.Policy != model.PolicyModel {
		return r.sim.Run(ctx, req)
	}
	if r.coordinator == nil {
		return model.RunResult{
			RunID: task.RunID, Policy: task.Policy, ParticipantCount: task.ParticipantCount,
			WorkerID: workerID, FailureReason: fmt.Sprintf("policy %s: coordinator not configured", task.Policy),
		}
	}

	start := time.Now()
	p := r.coordinator.Prepare(ctx, task, workerID)
	req.ParameterChoice = p.Choice
	res := r.sim.Run(ctx, req)
	res.ObservedChannelQuality = p.Observed
	res.Decisions = p.Decisions
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}
