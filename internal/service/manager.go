package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"xr-compress-lab/internal/config"
)

var ErrExperimentNotFound = errors.New("experiment not found")

// ErrOutputInUse 输出文件正被另一个运行中的实验写入
var ErrOutputInUse = fmt.Errorf("output path in use: %w", config.ErrInvalidConfig)

// ExperimentView 对外暴露的实验快照
type ExperimentView struct {
	Ref        string               `json:"ref"`
	Mode       Mode                 `json:"mode"`
	Status     string               `json:"status"`
	Progress   Progress             `json:"progress"`
	Request    ExperimentRunRequest `json:"request"`
	Result     *ExperimentRunResult `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

type experiment struct {
	view   ExperimentView
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager 进程内的实验注册表，控制接口通过它启动/查询/取消实验
type Manager struct {
	runner *ExperimentRunner

	mu   sync.RWMutex
	exps map[string]*experiment
}

func NewManager(runner *ExperimentRunner) *Manager {
	return &Manager{runner: runner, exps: map[string]*experiment{}}
}

// Start 校验并在后台运行实验；配置错误同步返回。
// 调用方给出的 output_path 必须位于 experiment.output_dir 之内，相对路径按 output_dir 解析。
func (m *Manager) Start(req ExperimentRunRequest) (ExperimentView, error) {
	if req.OutputPath != "" {
		p, err := confineOutput(m.runner.cfg.Experiment.OutputDir, req.OutputPath)
		if err != nil {
			return ExperimentView{}, err
		}
		req.OutputPath = p
	}
	plan, err := m.runner.Plan(req)
	if err != nil {
		return ExperimentView{}, err
	}
	ref := plan.Request.Ref

	ctx, cancel := context.WithCancel(context.Background())
	exp := &experiment{
		view: ExperimentView{
			Ref:       ref,
			Mode:      plan.Request.Mode,
			Status:    StatusRunning,
			Progress:  Progress{Total: len(plan.Tasks)},
			Request:   plan.Request,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	plan.Request.OnProgress = func(p Progress) {
		m.mu.Lock()
		exp.view.Progress = p
		m.mu.Unlock()
	}

	m.mu.Lock()
	if owner := m.outputOwner(plan.Request.OutputPath); owner != "" {
		m.mu.Unlock()
		cancel()
		return ExperimentView{}, fmt.Errorf("%s 正被实验 %s 写入: %w", plan.Request.OutputPath, owner, ErrOutputInUse)
	}
	if _, dup := m.exps[ref]; dup {
		m.mu.Unlock()
		cancel()
		return ExperimentView{}, fmt.Errorf("实验 ref %s 已存在: %w", ref, config.ErrInvalidConfig)
	}
	m.exps[ref] = exp
	m.mu.Unlock()

	go func() {
		defer close(exp.done)
		defer cancel()
		result, err := m.runner.Execute(ctx, plan)

		m.mu.Lock()
		defer m.mu.Unlock()
		now := time.Now()
		exp.view.FinishedAt = &now
		if err != nil {
			exp.view.Status = StatusFailed
			exp.view.Error = err.Error()
			log.Printf("[engine] 实验 %s 失败: %v", ref, err)
			return
		}
		exp.view.Status = result.Status
		exp.view.Progress = result.Progress
		exp.view.Result = result
	}()

	return m.snapshot(exp), nil
}

// outputOwner 返回正在写 path 的实验 ref；调用方持有 m.mu
func (m *Manager) outputOwner(path string) string {
	target := cleanAbs(path)
	for ref, exp := range m.exps {
		if exp.view.Status == StatusRunning && cleanAbs(exp.view.Request.OutputPath) == target {
			return ref
		}
	}
	return ""
}

func cleanAbs(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// confineOutput 把 path 限制在 dir 之内
func confineOutput(dir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	base, target := cleanAbs(dir), cleanAbs(path)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output_path %q 不在输出目录 %s 内: %w", path, dir, config.ErrInvalidConfig)
	}
	return target, nil
}

func (m *Manager) snapshot(exp *experiment) ExperimentView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return exp.view
}

func (m *Manager) Get(ref string) (ExperimentView, error) {
	m.mu.RLock()
	exp, ok := m.exps[ref]
	m.mu.RUnlock()
	if !ok {
		return ExperimentView{}, ErrExperimentNotFound
	}
	return m.snapshot(exp), nil
}

// List 按启动时间倒序
func (m *Manager) List() []ExperimentView {
	m.mu.RLock()
	out := make([]ExperimentView, 0, len(m.exps))
	for _, exp := range m.exps {
		out = append(out, exp.view)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel 停止派发并杀掉在跑的进程，已完成的结果保留
func (m *Manager) Cancel(ref string) error {
	m.mu.RLock()
	exp, ok := m.exps[ref]
	m.mu.RUnlock()
	if !ok {
		return ErrExperimentNotFound
	}
	exp.cancel()
	return nil
}

// Wait 阻塞直到实验结束或 ctx 结束
func (m *Manager) Wait(ctx context.Context, ref string) (ExperimentView, error) {
	m.mu.RLock()
	exp, ok := m.exps[ref]
	m.mu.RUnlock()
	if !ok {
		return ExperimentView{}, ErrExperimentNotFound
	}
	select {
	case <-exp.done:
	case <-ctx.Done():
		return m.snapshot(exp), ctx.Err()
	}
	return m.snapshot(exp), nil
}

// CancelAll 服务退出时调用
func (m *Manager) CancelAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, exp := range m.exps {
		exp.cancel()
	}
}
