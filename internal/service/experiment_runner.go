package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"xr-compress-lab/internal/checkpoint"
	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/model"
	"xr-compress-lab/internal/predictor"
	"xr-compress-lab/internal/store"
)

type Mode string

const (
	// ModeDataset 只跑随机策略，产出训练数据
	ModeDataset Mode = "dataset"
	// ModeCompare random vs model 对比
	ModeCompare Mode = "compare"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
	StatusNoResults = "no_results"
)

// dataset 模式默认的最少参与者数
const datasetMinParticipants = 5

type ExperimentRunRequest struct {
	Ref                string   `json:"ref,omitempty"`
	Mode               Mode     `json:"mode"`
	MinParticipants    int      `json:"min_participants"`
	MaxParticipants    int      `json:"max_participants"`
	RunsPerConfig      int      `json:"runs_per_config"`
	// 为空时使用配置中的种子；0 也是合法种子
	Seed               *int64   `json:"seed,omitempty"`
	Policies           []string `json:"policies"`
	Workers            int      `json:"workers"`
	CheckpointInterval int      `json:"checkpoint_interval"`
	// 检查点/输出 CSV；为空时按模式生成
	OutputPath string `json:"output_path"`
	// 从已有检查点续跑，跳过已有记录的 run id
	Resume bool `json:"resume"`

	OnProgress func(Progress) `json:"-"`
}

type ExperimentRunResult struct {
	Ref        string    `json:"ref"`
	Mode       Mode      `json:"mode"`
	Seed       int64     `json:"seed"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	TotalTasks   int      `json:"total_tasks"`
	SkippedTasks int      `json:"skipped_tasks"`
	Progress     Progress `json:"progress"`
	Checkpoints  int      `json:"checkpoints"`

	Comparison        *Comparison            `json:"comparison,omitempty"`
	Summary           *PolicyStats           `json:"summary,omitempty"`
	LevelDistribution map[int]int            `json:"level_distribution,omitempty"`
	FallbackRate      float64                `json:"fallback_rate"`
	Conclusion        map[string]interface{} `json:"conclusion,omitempty"`

	OutputPath         string   `json:"output_path"`
	ResultPath         string   `json:"result_path"`
	ConclusionPath     string   `json:"conclusion_path"`
	ConclusionMarkdown string   `json:"-"`
	Errors             []string `json:"errors"`

	Rows []model.ParticipantMetric `json:"-"`
}

// Plan 已校验的实验计划
type Plan struct {
	Request ExperimentRunRequest
	Tasks   []model.Task
}

type ExperimentRunner struct {
	cfg       *config.Config
	runTask   TaskFunc
	predictor predictor.Predictor
	store     store.Store
}

func NewExperimentRunner(cfg *config.Config, runTask TaskFunc, pred predictor.Predictor, st store.Store) *ExperimentRunner {
	return &ExperimentRunner{
		cfg:       cfg,
		runTask:   runTask,
		predictor: pred,
		store:     st,
	}
}

// Plan 补默认值并生成任务列表；配置错误在任何任务运行前返回
func (r *ExperimentRunner) Plan(req ExperimentRunRequest) (*Plan, error) {
	e := r.cfg.Experiment
	if req.Ref == "" {
		req.Ref = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = ModeCompare
	}
	switch req.Mode {
	case ModeDataset:
		if req.MinParticipants == 0 {
			req.MinParticipants = datasetMinParticipants
		}
		if len(req.Policies) == 0 {
			req.Policies = []string{string(model.PolicyRandom)}
		}
		if req.OutputPath == "" {
			req.OutputPath = e.DatasetOutput
		}
	case ModeCompare:
		if len(req.Policies) == 0 {
			req.Policies = e.Policies
		}
		if req.OutputPath == "" {
			if req.Resume {
				return nil, fmt.Errorf("compare 模式续跑需要指定 output_path: %w", config.ErrInvalidConfig)
			}
			req.OutputPath = filepath.Join(e.OutputDir, fmt.Sprintf("comparison_%s_%s.csv", time.Now().Format("20060102_150405"), shortRef(req.Ref)))
		}
	default:
		return nil, fmt.Errorf("未知模式 %q: %w", req.Mode, config.ErrInvalidConfig)
	}
	if req.MinParticipants == 0 {
		req.MinParticipants = e.MinParticipants
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = e.MaxParticipants
	}
	if req.RunsPerConfig == 0 {
		req.RunsPerConfig = e.RunsPerConfig
	}
	if req.Seed == nil {
		seed := e.Seed
		req.Seed = &seed
	}
	if req.Workers == 0 {
		req.Workers = e.Workers
	}
	if req.CheckpointInterval == 0 {
		req.CheckpointInterval = e.CheckpointInterval
	}
	if req.Workers < 1 || req.CheckpointInterval < 1 {
		return nil, fmt.Errorf("workers=%d checkpoint_interval=%d: %w", req.Workers, req.CheckpointInterval, config.ErrInvalidConfig)
	}

	policies, err := ParsePolicies(req.Policies)
	if err != nil {
		return nil, err
	}
	tasks, err := GenerateTasks(GenerateOptions{
		MinParticipants: req.MinParticipants,
		MaxParticipants: req.MaxParticipants,
		RunsPerConfig:   req.RunsPerConfig,
		Seed:            *req.Seed,
		Policies:        policies,
		Levels:          e.Levels,
	})
	if err != nil {
		return nil, err
	}
	return &Plan{Request: req, Tasks: tasks}, nil
}

func (r *ExperimentRunner) Run(ctx context.Context, req ExperimentRunRequest) (*ExperimentRunResult, error) {
	plan, err := r.Plan(req)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, plan)
}

// Execute 执行计划。单个任务失败不会返回错误，只计入结果。
func (r *ExperimentRunner) Execute(ctx context.Context, plan *Plan) (*ExperimentRunResult, error) {
	req := plan.Request
	result := &ExperimentRunResult{
		Ref:        req.Ref,
		Mode:       req.Mode,
		Seed:       *req.Seed,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
		TotalTasks: len(plan.Tasks),
		OutputPath: req.OutputPath,
	}

	if req.Mode == ModeCompare {
		r.checkPredictor(ctx)
	}

	tasks := plan.Tasks
	var prior []model.ParticipantMetric
	if req.Resume {
		rows, err := checkpoint.Load(req.OutputPath)
		switch {
		case err == nil:
			prior = rows
			tasks = pendingTasks(plan.Tasks, CompletedRunIDs(rows))
			result.SkippedTasks = len(plan.Tasks) - len(tasks)
			log.Printf("[engine] 续跑: 已有 %d 条记录, 跳过 %d 个任务", len(rows), result.SkippedTasks)
		case errors.Is(err, os.ErrNotExist):
			log.Printf("[engine] 检查点 %s 不存在，从头开始", req.OutputPath)
		default:
			return nil, fmt.Errorf("读取检查点失败: %w", err)
		}
	}

	policiesJSON, _ := json.Marshal(req.Policies)
	run := &model.ExperimentRun{
		Ref:             req.Ref,
		Mode:            string(req.Mode),
		MinParticipants: req.MinParticipants,
		MaxParticipants: req.MaxParticipants,
		RunsPerConfig:   req.RunsPerConfig,
		Seed:            *req.Seed,
		PoliciesJSON:    string(policiesJSON),
		Workers:         req.Workers,
		TotalTasks:      len(plan.Tasks),
		Status:          StatusRunning,
		OutputPath:      req.OutputPath,
	}
	if r.store != nil {
		if err := r.store.CreateRun(ctx, run); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("store: %v", err))
		}
	}

	executor := NewExecutor(ExecutorOptions{
		Workers:            req.Workers,
		CheckpointInterval: req.CheckpointInterval,
		Checkpoint:         checkpoint.NewWriter(req.OutputPath, req.Mode == ModeCompare),
		InitialRows:        prior,
		OnResult: func(res model.RunResult) {
			if !res.Succeeded() {
				result.Errors = append(result.Errors, fmt.Sprintf("run=%d policy=%s users=%d failed: %s", res.RunID, res.Policy, res.ParticipantCount, res.FailureReason))
			}
			if r.store == nil {
				return
			}
			// ctx 可能已被取消，落库不跟随取消
			if err := r.store.SaveResult(context.Background(), req.Ref, res); err != nil {
				log.Printf("[engine] 保存任务结果失败 run=%d: %v", res.RunID, err)
			}
		},
		OnProgress: req.OnProgress,
	})
	summary := executor.Execute(ctx, tasks, r.runTask)

	result.Progress = summary.Progress
	result.Checkpoints = summary.Checkpoints
	result.Rows = summary.Rows
	result.FallbackRate = FallbackRate(summary.Results)
	if summary.CheckpointErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("checkpoint: %v", summary.CheckpointErr))
	}

	switch {
	case len(summary.Rows) == 0:
		result.Status = StatusNoResults
		result.OutputPath = ""
		log.Printf("[engine] no results generated")
	case summary.Cancelled:
		result.Status = StatusCancelled
	default:
		result.Status = StatusCompleted
	}
	result.FinishedAt = time.Now()

	if len(summary.Rows) > 0 {
		r.analyze(result, req.Mode)
		if err := r.writeOutputs(result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	if r.store != nil && run.Ref != "" {
		run.SucceededTasks = summary.Progress.Succeeded
		run.FailedTasks = summary.Progress.Failed
		run.RowCount = len(summary.Rows)
		run.Status = result.Status
		run.OutputPath = result.OutputPath
		run.ReportPath = result.ConclusionPath
		if err := r.store.UpdateRun(context.Background(), run); err != nil {
			log.Printf("[engine] 更新实验记录失败: %v", err)
		}
	}
	return result, nil
}

func (r *ExperimentRunner) analyze(result *ExperimentRunResult, mode Mode) {
	result.LevelDistribution = LevelDistribution(result.Rows)
	if mode == ModeCompare {
		cmp := Compare(result.Rows)
		result.Comparison = &cmp
		result.Conclusion = GenerateConclusion(cmp)
		return
	}
	s := Summarize(result.Rows, "")
	result.Summary = &s
}

// writeOutputs 写 JSON 结果与 markdown 结论，放在输出 CSV 同目录
func (r *ExperimentRunner) writeOutputs(result *ExperimentRunResult) error {
	outDir := filepath.Dir(result.OutputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	short := shortRef(result.Ref)
	result.ResultPath = filepath.Join(outDir, fmt.Sprintf("experiment_%s_%s.json", result.Mode, short))
	result.ConclusionPath = filepath.Join(outDir, fmt.Sprintf("experiment_%s_%s_conclusion.md", result.Mode, short))
	result.ConclusionMarkdown = RenderConclusionMarkdown(result)

	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	if err := os.WriteFile(result.ResultPath, b, 0o644); err != nil {
		return fmt.Errorf("写入结果失败: %w", err)
	}
	if err := os.WriteFile(result.ConclusionPath, []byte(result.ConclusionMarkdown), 0o644); err != nil {
		return fmt.Errorf("写入结论失败: %w", err)
	}
	return nil
}

// checkPredictor 对比实验前检查预测服务，不可用只告警
func (r *ExperimentRunner) checkPredictor(ctx context.Context) {
	if r.predictor == nil {
		log.Printf("[predict] 未配置预测服务，model 策略将全部回退随机")
		return
	}
	h, err := r.predictor.Health(ctx)
	switch {
	case err != nil:
		log.Printf("[predict] WARNING: 预测服务不可达，model 策略将回退随机: %v", err)
	case !h.Healthy():
		log.Printf("[predict] WARNING: 预测服务状态异常 %+v，model 策略将回退随机", *h)
	default:
		log.Printf("[predict] 预测服务正常")
	}
}

// QuickTest 各跑一次 random 与 model（4 个参与者）用于冒烟检查
func (r *ExperimentRunner) QuickTest(ctx context.Context) []model.RunResult {
	const users = 4
	levels := r.cfg.Experiment.Levels
	seed := r.cfg.Experiment.Seed

	var out []model.RunResult
	for i, policy := range []model.Policy{model.PolicyRandom, model.PolicyModel} {
		tasks, err := GenerateTasks(GenerateOptions{
			MinParticipants: users, MaxParticipants: users, RunsPerConfig: 1,
			Seed: seed, Policies: []model.Policy{policy}, Levels: levels,
		})
		if err != nil {
			log.Printf("[engine] quick test: %v", err)
			return out
		}
		task := tasks[0]
		task.RunID = 999 - i
		out = append(out, safeRun(ctx, r.runTask, task, 0))
	}
	return out
}

func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}

func pendingTasks(tasks []model.Task, done map[int]bool) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if !done[t.RunID] {
			out = append(out, t)
		}
	}
	return out
}
