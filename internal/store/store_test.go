package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/db"
	"xr-compress-lab/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	sdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "data", "results.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := NewSQLiteStore(sdb)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	run := &model.ExperimentRun{
		Ref: uuid.NewString(), Mode: "compare", MinParticipants: 2, MaxParticipants: 3,
		RunsPerConfig: 1, Seed: 42, PoliciesJSON: `["random","model"]`, Workers: 2, Status: "running",
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("id not assigned")
	}

	run.Status = "completed"
	run.SucceededTasks = 3
	run.RowCount = 7
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.Ref)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != "completed" || got.RowCount != 7 || got.Seed != 42 {
		t.Errorf("run = %+v", got)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	runs, err := s.ListRuns(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %d, %v", len(runs), err)
	}
}

func TestSQLiteStore_SaveResult(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ref := uuid.NewString()
	if err := s.CreateRun(ctx, &model.ExperimentRun{Ref: ref, Mode: "compare", Status: "running"}); err != nil {
		t.Fatal(err)
	}

	ok := model.RunResult{
		RunID: 4, Policy: model.PolicyModel, ParticipantCount: 2, ParameterChoice: []int{30, 45}, Success: true,
		Metrics: []model.ParticipantMetric{
			{ParticipantID: 1, ParameterLevel: 45, TotalFrames: 600, OnTimeFrames: 550, DelayReliability: 0.91, Satisfied: 1, AvgChannelQuality: 13},
			{ParticipantID: 0, ParameterLevel: 30, TotalFrames: 600, OnTimeFrames: 100, DelayReliability: 0.16, AvgError: 22.5},
		},
		Decisions: []model.Decision{{Kind: model.DecisionPredicted}, {Kind: model.DecisionFallbackRandom}},
	}
	failed := model.RunResult{
		RunID: 5, Policy: model.PolicyRandom, ParticipantCount: 2, ParameterChoice: []int{5, 5},
		FailureReason: model.FailureTimeout,
		Metrics:       []model.ParticipantMetric{{ParticipantID: 0}},
	}
	for _, r := range []model.RunResult{ok, failed} {
		if err := s.SaveResult(ctx, ref, r); err != nil {
			t.Fatalf("SaveResult run=%d: %v", r.RunID, err)
		}
	}

	rows, err := s.Metrics(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("metrics = %d, failed tasks must not contribute rows", len(rows))
	}
	if rows[0].ParticipantID != 0 || rows[0].RunID != 4 || rows[0].Policy != model.PolicyModel || rows[0].ParticipantCount != 2 {
		t.Errorf("row 0 = %+v", rows[0])
	}

	recs, err := s.TaskRecords(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("task records = %d", len(recs))
	}
	if !recs[0].Success || recs[0].Records != 2 || recs[0].Fallbacks != 1 || recs[0].ParameterChoice != "30,45" {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if recs[1].Success || recs[1].FailureReason != model.FailureTimeout || recs[1].Records != 0 {
		t.Errorf("record 1 = %+v", recs[1])
	}
}

func TestOpen_NoDriver(t *testing.T) {
	s, err := Open(config.DatabaseConfig{})
	if err != nil || s != nil {
		t.Fatalf("empty driver should disable the store, got %v, %v", s, err)
	}
	if _, err := Open(config.DatabaseConfig{Driver: "postgres"}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("err = %v", err)
	}
}

// MySQL 不可达时跳过
func TestOpen_MySQL(t *testing.T) {
	cfg := config.Default().Database
	cfg.Driver = "mysql"
	cfg.Host = "127.0.0.1"
	cfg.User = "root"
	cfg.DBName = "xr_compress_lab_test"
	s, err := Open(cfg)
	if err != nil {
		t.Skipf("mysql not available: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	run := &model.ExperimentRun{Ref: uuid.NewString(), Mode: "dataset", Status: "running"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.GetRun(ctx, run.Ref); err != nil {
		t.Fatalf("GetRun: %v", err)
	}
}
