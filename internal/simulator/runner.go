package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/dataset"
	"xr-compress-lab/internal/model"
	"xr-compress-lab/internal/parser"
)

// 失败原因里保留的输出尾部长度
const outputTailLimit = 500

// 进程被杀死后等待管道关闭的上限
const waitDelay = 5 * time.Second

var ErrInvalidRequest = errors.New("simulator: invalid request")

// Request 一次仿真调用
type Request struct {
	RunID            int
	Policy           model.Policy
	ParticipantCount int
	ParameterChoice  []int
	WorkerID         int

	// >0 时覆盖接收端的期望帧数（warmup 使用）
	ExpectedFrames int
	// 0 使用配置中的 timeout
	Timeout time.Duration
	// 工作目录名前缀，默认 "run"
	Prefix string
}

// Outcome 进程级结果，未经解析
type Outcome struct {
	Output   string
	Success  bool
	Reason   string
	Duration time.Duration
}

type Runner struct {
	cfg    config.SimulatorConfig
	frames dataset.Frames
	parser parser.OutputParser
}

func NewRunner(cfg config.SimulatorConfig, frames dataset.Frames, p parser.OutputParser) *Runner {
	if p == nil {
		p = parser.Default()
	}
	return &Runner{cfg: cfg, frames: frames, parser: p}
}

func (r *Runner) Parser() parser.OutputParser { return r.parser }

// AcquireWorkDir 为任务创建私有目录，返回的 release 必须 defer 调用
func (r *Runner) AcquireWorkDir(req Request) (string, func(), error) {
	root := r.cfg.ScratchDir
	if root == "" {
		root = r.cfg.WorkDir
	}
	prefix := req.Prefix
	if prefix == "" {
		prefix = "run"
	}
	name := fmt.Sprintf("%s_%s_%d_w%d_%s", prefix, req.Policy, req.RunID, req.WorkerID, uuid.NewString()[:8])
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("创建工作目录失败: %w", err)
	}
	release := func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[sim] 清理工作目录失败 %s: %v", dir, err)
		}
	}
	return dir, release, nil
}

// BuildArgs 组装仿真器命令行参数
func (r *Runner) BuildArgs(req Request, inputFiles []string) []string {
	args := append([]string{}, r.cfg.ExtraArgs...)
	args = append(args,
		"-c", r.cfg.ConfigName,
		fmt.Sprintf("--*.numUe=%d", req.ParticipantCount),
		fmt.Sprintf("--*.server.numApps=%d", req.ParticipantCount),
		fmt.Sprintf("--*.ue[*].app[0].deadlineMs=%gms", r.cfg.DeadlineMs),
	)
	if req.ExpectedFrames > 0 {
		args = append(args, fmt.Sprintf("--*.ue[*].app[0].expectedFrames=%d", req.ExpectedFrames))
	}
	// 路径里有点号，需要加引号
	for i, f := range inputFiles {
		args = append(args, fmt.Sprintf(`--*.server.app[%d].pcaFile="%s"`, i, f))
	}
	return append(args, r.cfg.IniFile)
}

// Execute 写入输入文件并运行仿真器，工作目录在返回前删除
func (r *Runner) Execute(ctx context.Context, req Request) Outcome {
	start := time.Now()
	out := r.execute(ctx, req)
	out.Duration = time.Since(start)
	return out
}

func (r *Runner) execute(ctx context.Context, req Request) Outcome {
	if req.ParticipantCount < 1 || len(req.ParameterChoice) < req.ParticipantCount {
		return Outcome{Reason: fmt.Errorf("%d users, %d levels: %w", req.ParticipantCount, len(req.ParameterChoice), ErrInvalidRequest).Error()}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Reason: model.FailureCancelled}
	}

	dir, release, err := r.AcquireWorkDir(req)
	defer release()
	if err != nil {
		return Outcome{Reason: err.Error()}
	}

	files, err := dataset.Materialize(dir, r.frames, req.ParameterChoice[:req.ParticipantCount])
	if err != nil {
		return Outcome{Reason: err.Error()}
	}
	for i, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			files[i] = abs
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Binary, r.BuildArgs(req, files)...)
	cmd.Dir = r.cfg.WorkDir
	cmd.WaitDelay = waitDelay
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	output := buf.String()

	// 进程已正常退出时，即使随后 ctx 结束也算成功
	switch {
	case runErr == nil:
		return Outcome{Output: output, Success: true}
	case ctx.Err() != nil:
		return Outcome{Output: output, Reason: model.FailureCancelled}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Printf("[sim] run=%d 超时 (%s)", req.RunID, timeout)
		return Outcome{Output: output, Reason: model.FailureTimeout}
	default:
		return Outcome{Output: output, Reason: fmt.Sprintf("%v: %s", runErr, tail(output, outputTailLimit))}
	}
}

// Run 执行并解析一次仿真。失败只体现在 RunResult 上，不会返回错误。
func (r *Runner) Run(ctx context.Context, req Request) model.RunResult {
	out := r.Execute(ctx, req)

	n := req.ParticipantCount
	if n > len(req.ParameterChoice) {
		n = len(req.ParameterChoice)
	}
	if n < 0 {
		n = 0
	}
	res := model.RunResult{
		RunID:            req.RunID,
		Policy:           req.Policy,
		ParticipantCount: req.ParticipantCount,
		ParameterChoice:  append([]int(nil), req.ParameterChoice[:n]...),
		Success:          out.Success,
		FailureReason:    out.Reason,
		WorkerID:         req.WorkerID,
		DurationMs:       out.Duration.Milliseconds(),
	}
	// 非零退出时输出仍可能包含部分用户的块
	if out.Output != "" {
		res.Metrics = r.parser.Parse(out.Output, req.ParticipantCount, res.ParameterChoice)
	}
	return res
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
