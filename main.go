package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xr-compress-lab/internal/checkpoint"
	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/model"
	"xr-compress-lab/internal/predictor"
	"xr-compress-lab/internal/router"
	"xr-compress-lab/internal/service"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type studyFlags struct {
	minUsers           int
	maxUsers           int
	runs               int
	seed               int64
	checkpointInterval int
	workers            int
	output             string
	resume             bool
	deadlineMs         float64
}

// apply 只覆盖命令行上显式给出的选项
func (f *studyFlags) apply(flags *pflag.FlagSet, cfg *config.Config, mode service.Mode) service.ExperimentRunRequest {
	req := service.ExperimentRunRequest{Mode: mode, OutputPath: f.output, Resume: f.resume}
	if flags.Changed("min-users") {
		req.MinParticipants = f.minUsers
	}
	if flags.Changed("max-users") {
		req.MaxParticipants = f.maxUsers
	}
	if flags.Changed("seed") {
		seed := f.seed
		req.Seed = &seed
	}
	if flags.Changed("runs") {
		cfg.Experiment.RunsPerConfig = f.runs
	}
	if flags.Changed("checkpoint-interval") {
		cfg.Experiment.CheckpointInterval = f.checkpointInterval
	}
	if flags.Changed("workers") {
		cfg.Experiment.Workers = f.workers
	}
	if flags.Changed("deadline") {
		cfg.Simulator.DeadlineMs = f.deadlineMs
	}
	return req
}

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "xr-compress-lab",
		Short: "XR 压缩参数实验编排",
		Long:  "并行调度 Simu5G 仿真，对比随机与模型引导的压缩等级选择，或生成训练数据集",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config/config.yaml", "配置文件路径")

	rootCmd.AddCommand(
		studyCmd(&configFile, service.ModeDataset, "生成随机策略训练数据集"),
		studyCmd(&configFile, service.ModeCompare, "random vs model 对比实验"),
		quickCmd(&configFile),
		reportCmd(),
		healthCmd(&configFile),
		serveCmd(&configFile),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func studyCmd(configFile *string, mode service.Mode, short string) *cobra.Command {
	var f studyFlags
	cmd := &cobra.Command{
		Use:   string(mode),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFile)
			if err != nil {
				return err
			}
			return runStudy(cmd.Context(), cfg, f.apply(cmd.Flags(), cfg, mode))
		},
	}
	cmd.Flags().IntVar(&f.minUsers, "min-users", 0, "最少参与者数")
	cmd.Flags().IntVar(&f.maxUsers, "max-users", 0, "最多参与者数")
	cmd.Flags().IntVar(&f.runs, "runs", 0, "每个参与者数的重复次数")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "随机种子")
	cmd.Flags().IntVar(&f.checkpointInterval, "checkpoint-interval", 0, "每完成多少个任务写一次检查点")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "并行仿真数（1 为顺序执行）")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "输出 CSV 路径")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "从已有输出续跑，跳过已完成的 run id")
	cmd.Flags().Float64Var(&f.deadlineMs, "deadline", 0, "每帧时延预算（毫秒）")
	return cmd
}

// signalContext Ctrl+C 取消实验：停止派发并杀掉在跑的仿真
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runStudy(parent context.Context, cfg *config.Config, req service.ExperimentRunRequest) error {
	svc, err := service.NewServiceContext(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signalContext(parent)
	defer stop()

	result, err := svc.Runner.Run(ctx, req)
	if err != nil {
		return err
	}
	if result.Status == service.StatusNoResults {
		fmt.Println("no results generated")
		return nil
	}

	switch {
	case result.Comparison != nil:
		service.PrintSummary(os.Stdout, *result.Comparison)
	case result.Summary != nil:
		service.PrintPolicySummary(os.Stdout, *result.Summary)
	}
	fmt.Printf("\n状态: %s, 结果: %s\n", result.Status, result.OutputPath)
	if result.ConclusionPath != "" {
		fmt.Printf("结论: %s\n", result.ConclusionPath)
	}
	return nil
}

func quickCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "quick",
		Short: "4 个参与者各跑一次 random 与 model，检查仿真链路",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFile)
			if err != nil {
				return err
			}
			svc, err := service.NewServiceContext(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			for _, res := range svc.Runner.QuickTest(ctx) {
				service.PrintRunResult(os.Stdout, res)
			}
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <csv>",
		Short: "从已有结果 CSV 重新计算汇总",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("no results generated")
				return nil
			}
			if hasPolicy(rows) {
				service.PrintSummary(os.Stdout, service.Compare(rows))
			} else {
				service.PrintPolicySummary(os.Stdout, service.Summarize(rows, ""))
			}
			return nil
		},
	}
}

func hasPolicy(rows []model.ParticipantMetric) bool {
	for _, r := range rows {
		if r.Policy != "" {
			return true
		}
	}
	return false
}

func healthCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "检查预测服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFile)
			if err != nil {
				return err
			}
			client := predictor.NewClient(cfg.Predictor.BaseURL, cfg.Predictor.Timeout)
			h, err := client.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("预测服务不可达: %w", err)
			}
			fmt.Printf("status=%s model_loaded=%v\n", h.Status, h.ModelLoaded)
			if !h.Healthy() {
				return errors.New("预测服务状态异常")
			}
			return nil
		},
	}
}

func serveCmd(configFile *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动实验控制 API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			// 初始化服务
			svcCtx, err := service.NewServiceContext(cfg)
			if err != nil {
				return err
			}
			defer svcCtx.Close()

			// 初始化路由
			r := router.SetupRouter(svcCtx)

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			srv := &http.Server{Addr: addr, Handler: r}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Printf("关闭服务失败: %v", err)
				}
			}()

			log.Printf("服务启动在 %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("启动服务失败: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "监听端口")
	return cmd
}
