package service

import (
	"fmt"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/dataset"
	"xr-compress-lab/internal/parser"
	"xr-compress-lab/internal/predictor"
	"xr-compress-lab/internal/simulator"
	"xr-compress-lab/internal/store"
)

type ServiceContext struct {
	Config      *config.Config
	Simulator   *simulator.Runner
	Predictor   *predictor.Client
	Store       store.Store
	Runner      *ExperimentRunner
	Experiments *Manager
}

func NewServiceContext(cfg *config.Config) (*ServiceContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frames, err := dataset.LoadFile(cfg.Dataset.FrameFile, cfg.Experiment.Levels)
	if err != nil {
		return nil, fmt.Errorf("加载帧数据集失败: %w", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	sim := simulator.NewRunner(cfg.Simulator, frames, parser.Default())
	pred := predictor.NewClient(cfg.Predictor.BaseURL, cfg.Predictor.Timeout)
	tasks := NewTaskRunner(sim, NewCoordinator(sim, pred, cfg))
	runner := NewExperimentRunner(cfg, tasks.Run, pred, st)

	return &ServiceContext{
		Config:      cfg,
		Simulator:   sim,
		Predictor:   pred,
		Store:       st,
		Runner:      runner,
		Experiments: NewManager(runner),
	}, nil
}

func (s *ServiceContext) Close() error {
	s.Experiments.CancelAll()
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}
