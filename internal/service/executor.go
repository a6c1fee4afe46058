package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"xr-compress-lab/internal/model"
)

// TaskFunc 执行单个任务；失败必须体现在 RunResult 上
type TaskFunc func(ctx context.Context, task model.Task, workerID int) model.RunResult

// Checkpointer 覆盖写全部结果行
type Checkpointer interface {
	Write(rows []model.ParticipantMetric) error
}

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Rows      int `json:"rows"`
}

type ExecutorOptions struct {
	Workers            int
	CheckpointInterval int
	Checkpoint         Checkpointer
	// 续跑时已有的结果行，会一起写进检查点
	InitialRows []model.ParticipantMetric
	// 以下回调都只在编排 goroutine 中调用
	OnResult   func(model.RunResult)
	OnProgress func(Progress)
}

type ExecutionSummary struct {
	Results       []model.RunResult         `json:"-"`
	Rows          []model.ParticipantMetric `json:"-"`
	Progress      Progress                  `json:"progress"`
	Checkpoints   int                       `json:"checkpoints"`
	Cancelled     bool                      `json:"cancelled"`
	CheckpointErr error                     `json:"-"`
	Elapsed       time.Duration             `json:"elapsed"`
}

type Executor struct {
	opts ExecutorOptions
}

func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.CheckpointInterval < 1 {
		opts.CheckpointInterval = 1
	}
	return &Executor{opts: opts}
}

// collector 结果累积，只被编排 goroutine 访问
type collector struct {
	opts    ExecutorOptions
	summary ExecutionSummary
	sinceCP int
}

// Execute 分发所有任务并按完成顺序收集结果。workers==1 时在当前 goroutine 顺序执行。
func (e *Executor) Execute(ctx context.Context, tasks []model.Task, fn TaskFunc) ExecutionSummary {
	start := time.Now()
	c := &collector{opts: e.opts}
	c.summary.Progress.Total = len(tasks)
	c.summary.Rows = append([]model.ParticipantMetric(nil), e.opts.InitialRows...)
	c.summary.Progress.Rows = len(c.summary.Rows)

	log.Printf("[engine] 开始执行 %d 个任务, workers=%d, checkpoint_interval=%d", len(tasks), e.opts.Workers, e.opts.CheckpointInterval)
	if e.opts.Workers == 1 {
		e.sequential(ctx, tasks, fn, c)
	} else {
		e.pool(ctx, tasks, fn, c)
	}

	c.summary.Cancelled = ctx.Err() != nil
	if len(c.summary.Rows) > 0 && (c.sinceCP > 0 || c.summary.Checkpoints == 0) {
		c.checkpoint()
	}
	c.summary.Elapsed = time.Since(start)
	p := c.summary.Progress
	log.Printf("[engine] 结束: %d/%d 完成, 成功=%d 失败=%d 记录=%d 耗时=%s", p.Completed, p.Total, p.Succeeded, p.Failed, p.Rows, c.summary.Elapsed.Round(time.Second))
	return c.summary
}

func (e *Executor) sequential(ctx context.Context, tasks []model.Task, fn TaskFunc, c *collector) {
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		c.add(safeRun(ctx, fn, t, 0))
	}
}

func (e *Executor) pool(ctx context.Context, tasks []model.Task, fn TaskFunc, c *collector) {
	jobs := make(chan model.Task)
	results := make(chan model.RunResult, e.opts.Workers)

	var wg sync.WaitGroup
	for w := 0; w < e.opts.Workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for t := range jobs {
				results <- safeRun(ctx, fn, t, workerID)
			}
		}(w)
	}

	go func() {
		defer close(jobs)
		for _, t := range tasks {
			select {
			case <-ctx.Done():
				return
			case jobs <- t:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		c.add(res)
	}
}

func (c *collector) add(res model.RunResult) {
	s := &c.summary
	s.Results = append(s.Results, res)
	s.Progress.Completed++
	if res.Succeeded() {
		s.Progress.Succeeded++
		s.Rows = append(s.Rows, res.Rows()...)
		s.Progress.Rows = len(s.Rows)
	} else {
		s.Progress.Failed++
		log.Printf("[engine] run=%d policy=%s users=%d 失败: %s", res.RunID, res.Policy, res.ParticipantCount, res.FailureReason)
	}
	if c.opts.OnResult != nil {
		c.opts.OnResult(res)
	}

	c.sinceCP++
	if c.sinceCP >= c.opts.CheckpointInterval {
		c.checkpoint()
		c.report()
	}
}

func (c *collector) checkpoint() {
	c.sinceCP = 0
	if c.opts.Checkpoint == nil || len(c.summary.Rows) == 0 {
		return
	}
	if err := c.opts.Checkpoint.Write(c.summary.Rows); err != nil {
		log.Printf("[engine] 写检查点失败: %v", err)
		c.summary.CheckpointErr = err
		return
	}
	c.summary.Checkpoints++
}

func (c *collector) report() {
	p := c.summary.Progress
	log.Printf("[engine] 进度 %d/%d (%.1f%%) 成功=%d 失败=%d 记录=%d",
		p.Completed, p.Total, percent(p.Completed, p.Total), p.Succeeded, p.Failed, p.Rows)
	if c.opts.OnProgress != nil {
		c.opts.OnProgress(p)
	}
}

// safeRun 把任务内的 panic 转成失败结果
func safeRun(ctx context.Context, fn TaskFunc, t model.Task, workerID int) (res model.RunResult) {
	defer func() {
		if r := recover(); r != nil {
			res = model.RunResult{
				RunID:            t.RunID,
				Policy:           t.Policy,
				ParticipantCount: t.ParticipantCount,
				ParameterChoice:  t.ParameterChoice,
				WorkerID:         workerID,
				FailureReason:    fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return fn(ctx, t, workerID)
}

func percent(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) * 100 / float64(b)
}
