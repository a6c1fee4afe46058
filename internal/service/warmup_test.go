package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/dataset"
	"xr-compress-lab/internal/model"
	"xr-compress-lab/internal/parser"
	"xr-compress-lab/internal/predictor"
	"xr-compress-lab/internal/simulator"
)

// fakeSim 记录请求，按 warmup/正式运行返回预设输出
type fakeSim struct {
	mu       sync.Mutex
	requests []simulator.Request
	warmup   simulator.Outcome
	run      func(req simulator.Request) model.RunResult
}

func (f *fakeSim) Execute(_ context.Context, req simulator.Request) simulator.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.warmup
}

func (f *fakeSim) Run(_ context.Context, req simulator.Request) model.RunResult {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(req)
	}
	return model.RunResult{RunID: req.RunID, Policy: req.Policy, ParticipantCount: req.ParticipantCount, ParameterChoice: req.ParameterChoice, Success: true}
}

func (f *fakeSim) Parser() parser.OutputParser { return parser.Default() }

const warmupOutput = `Module:            XRNetwork.ue[0].app[0]
Avg DL CQI:        12.5
Module:            XRNetwork.ue[2].app[0]
Avg DL CQI:        6
`

func predictionService(t *testing.T, status int, level int) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/predict", func(c *gin.Context) {
		if status != http.StatusOK {
			c.JSON(status, gin.H{"detail": "Model not loaded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"optimal_parameter": level, "raw_prediction": float64(level) + 0.4})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func modelTask(n int) model.Task {
	choice := make([]int, n)
	for i := range choice {
		choice[i] = 5
	}
	return model.Task{RunID: 11, Policy: model.PolicyModel, ParticipantCount: n, ParameterChoice: choice, Seed: 1053}
}

func TestCoordinator_WarmupDefaultsMissingParticipants(t *testing.T) {
	cfg := config.Default()
	sim := &fakeSim{warmup: simulator.Outcome{Output: warmupOutput, Success: true}}
	c := NewCoordinator(sim, nil, cfg)

	observed := c.Warmup(context.Background(), modelTask(3), 1)
	want := map[int]float64{0: 12.5, 1: 14.0, 2: 6}
	for id, cq := range want {
		if observed[id] != cq {
			t.Errorf("user %d cq = %v, want %v", id, observed[id], cq)
		}
	}
	if len(sim.requests) != 1 || sim.requests[0].ExpectedFrames != 50 || sim.requests[0].Prefix != "warmup" {
		t.Errorf("warmup request = %+v", sim.requests)
	}
}

func TestCoordinator_WarmupFailureUsesDefaults(t *testing.T) {
	cfg := config.Default()
	sim := &fakeSim{warmup: simulator.Outcome{Reason: model.FailureTimeout}}
	observed := NewCoordinator(sim, nil, cfg).Warmup(context.Background(), modelTask(2), 0)
	if observed[0] != 14.0 || observed[1] != 14.0 {
		t.Errorf("observed = %v", observed)
	}
}

func TestCoordinator_ServiceUnavailableFallsBack(t *testing.T) {
	cfg := config.Default()
	srv := predictionService(t, http.StatusServiceUnavailable, 0)
	c := NewCoordinator(&fakeSim{}, predictor.NewClient(srv.URL, time.Second), cfg)

	task := modelTask(4)
	decisions := c.Decide(context.Background(), task, map[int]float64{0: 10, 1: 11, 2: 12, 3: 13})
	if len(decisions) != 4 {
		t.Fatalf("decisions = %d", len(decisions))
	}
	valid := map[int]bool{}
	for _, l := range cfg.Experiment.Levels {
		valid[l] = true
	}
	for _, d := range decisions {
		if !d.Fallback() || d.Reason == "" {
			t.Errorf("decision %+v should be a fallback", d)
		}
		if !valid[d.Level] {
			t.Errorf("fallback level %d not in level set", d.Level)
		}
	}

	// 回退序列由任务种子决定
	again := c.Decide(context.Background(), task, map[int]float64{})
	for i := range decisions {
		if decisions[i].Level != again[i].Level {
			t.Fatalf("fallback levels not deterministic: %v vs %v", decisions, again)
		}
	}
}

func TestCoordinator_PredictedLevelsSnapped(t *testing.T) {
	cfg := config.Default()
	srv := predictionService(t, http.StatusOK, 42)
	c := NewCoordinator(&fakeSim{}, predictor.NewClient(srv.URL, time.Second), cfg)

	decisions := c.Decide(context.Background(), modelTask(2), map[int]float64{0: 9, 1: 14})
	for _, d := range decisions {
		if d.Kind != model.DecisionPredicted || d.Level != 40 || d.RawPrediction != 42.4 {
			t.Errorf("decision = %+v", d)
		}
	}
}

func TestTaskRunner_ModelPolicyUsesDecisions(t *testing.T) {
	cfg := config.Default()
	srv := predictionService(t, http.StatusOK, 65)
	sim := &fakeSim{warmup: simulator.Outcome{Output: warmupOutput, Success: true}}
	runner := NewTaskRunner(sim, NewCoordinator(sim, predictor.NewClient(srv.URL, time.Second), cfg))

	res := runner.Run(context.Background(), modelTask(3), 2)
	if len(sim.requests) != 2 {
		t.Fatalf("expected warmup + final run, got %d requests", len(sim.requests))
	}
	final := sim.requests[1]
	if final.ExpectedFrames != 0 {
		t.Errorf("final run must not cap frames: %+v", final)
	}
	for _, l := range final.ParameterChoice {
		if l != 65 {
			t.Errorf("final choice = %v, want all 65", final.ParameterChoice)
			break
		}
	}
	if len(res.Decisions) != 3 || res.ObservedChannelQuality[1] != 14.0 {
		t.Errorf("result decisions=%v observed=%v", res.Decisions, res.ObservedChannelQuality)
	}
}

func TestTaskRunner_RandomPolicySkipsWarmup(t *testing.T) {
	sim := &fakeSim{}
	runner := NewTaskRunner(sim, NewCoordinator(sim, nil, config.Default()))
	task := model.Task{RunID: 1, Policy: model.PolicyRandom, ParticipantCount: 2, ParameterChoice: []int{10, 70}}

	res := runner.Run(context.Background(), task, 0)
	if len(sim.requests) != 1 || res.Decisions != nil {
		t.Fatalf("random policy should run once without decisions")
	}
	if sim.requests[0].ParameterChoice[1] != 70 {
		t.Errorf("random policy must use the generated choice")
	}
}

func TestSnapLevel(t *testing.T) {
	levels := config.DefaultLevels()
	cases := map[float64]int{-3: 5, 5: 5, 7.4: 5, 7.5: 5, 7.6: 10, 42: 40, 79: 80, 200: 80}
	for in, want := range cases {
		if got := SnapLevel(levels, in); got != want {
			t.Errorf("SnapLevel(%v) = %d, want %d", in, got, want)
		}
	}
}

func qoeScript(t *testing.T, users int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("#!/bin/sh\ncat <<'EOF'\n")
	for i := 0; i < users; i++ {
		fmt.Fprintf(&b, "Module:            XRNetwork.ue[%d].app[0]\n", i)
		b.WriteString("Total frames:      600\nOn-time frames:    540 (90%)\nMean Error (QoE):  70.5 (sumError=42300)\n")
		b.WriteString("Avg Delay:         3.1 ms\nDelay Reliability: 90% (threshold: 80%)\nUser Satisfied:    YES\nAvg DL CQI:        11\n")
	}
	b.WriteString("EOF\n")
	path := filepath.Join(t.TempDir(), "fake-simu5g.sh")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTaskRunner_ServiceUnavailableTaskCompletes(t *testing.T) {
	cfg := config.Default()
	cfg.Simulator.Binary = qoeScript(t, 3)
	cfg.Simulator.WorkDir = t.TempDir()
	cfg.Simulator.ScratchDir = t.TempDir()
	cfg.Simulator.ExtraArgs = nil
	cfg.Simulator.Timeout = 10 * time.Second

	frames := dataset.Frames{}
	for _, l := range cfg.Experiment.Levels {
		frames[l] = []model.FrameRecord{{FrameIndex: 0, Level: l, ErrorValue: 1, SizeBytes: 1000}}
	}
	sim := simulator.NewRunner(cfg.Simulator, frames, nil)
	srv := predictionService(t, http.StatusServiceUnavailable, 0)
	runner := NewTaskRunner(sim, NewCoordinator(sim, predictor.NewClient(srv.URL, time.Second), cfg))

	task := modelTask(3)
	res := runner.Run(context.Background(), task, 0)
	if !res.Succeeded() || len(res.Metrics) != 3 {
		t.Fatalf("task should complete: success=%v reason=%q metrics=%d", res.Success, res.FailureReason, len(res.Metrics))
	}
	if len(res.Decisions) != 3 {
		t.Fatalf("decisions = %d", len(res.Decisions))
	}
	for i, d := range res.Decisions {
		if d.Kind != model.DecisionFallbackRandom {
			t.Errorf("user %d decision = %s, want fallback", i, d.Kind)
		}
		if res.ParameterChoice[i] != d.Level || res.Metrics[i].ParameterLevel != d.Level {
			t.Errorf("user %d ran with %d, decided %d", i, res.Metrics[i].ParameterLevel, d.Level)
		}
	}
	if rate := FallbackRate([]model.RunResult{res}); rate != 1 {
		t.Errorf("fallback rate = %v", rate)
	}
	entries, _ := os.ReadDir(cfg.Simulator.ScratchDir)
	if len(entries) != 0 {
		t.Errorf("work dirs left behind: %d", len(entries))
	}
}
