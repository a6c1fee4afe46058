package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"xr-compress-lab/internal/model"
)

type recordingCheckpointer struct {
	mu     sync.Mutex
	writes []int
}

func (r *recordingCheckpointer) Write(rows []model.ParticipantMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, len(rows))
	return nil
}

func makeTasks(n int) []model.Task {
	tasks := make([]model.Task, n)
	for i := range tasks {
		tasks[i] = model.Task{RunID: i + 1, Policy: model.PolicyRandom, ParticipantCount: 2, ParameterChoice: []int{5, 10}}
	}
	return tasks
}

func okResult(t model.Task, workerID int) model.RunResult {
	metrics := make([]model.ParticipantMetric, t.ParticipantCount)
	for i := range metrics {
		metrics[i] = model.ParticipantMetric{ParticipantID: i, ParameterLevel: t.ParameterChoice[i], TotalFrames: 10, OnTimeFrames: 9}
	}
	return model.RunResult{RunID: t.RunID, Policy: t.Policy, ParticipantCount: t.ParticipantCount, ParameterChoice: t.ParameterChoice, Metrics: metrics, Success: true, WorkerID: workerID}
}

func TestExecutor_SequentialCheckpointCadence(t *testing.T) {
	cp := &recordingCheckpointer{}
	var progress []Progress
	e := NewExecutor(ExecutorOptions{
		Workers:            1,
		CheckpointInterval: 2,
		Checkpoint:         cp,
		OnProgress:         func(p Progress) { progress = append(progress, p) },
	})

	var order []int
	sum := e.Execute(context.Background(), makeTasks(5), func(_ context.Context, task model.Task, w int) model.RunResult {
		order = append(order, task.RunID)
		if w != 0 {
			t.Errorf("sequential mode should use worker 0, got %d", w)
		}
		return okResult(task, w)
	})

	for i, id := range order {
		if id != i+1 {
			t.Fatalf("sequential order = %v", order)
		}
	}
	// 第 2、4 个任务后各一次，结束时补一次
	want := []int{4, 8, 10}
	if len(cp.writes) != len(want) {
		t.Fatalf("checkpoint writes = %v, want %v", cp.writes, want)
	}
	for i := range want {
		if cp.writes[i] != want[i] {
			t.Errorf("checkpoint writes = %v, want %v", cp.writes, want)
		}
	}
	if len(progress) != 2 || progress[1].Completed != 4 || progress[1].Total != 5 {
		t.Errorf("progress = %+v", progress)
	}
	if sum.Progress.Succeeded != 5 || len(sum.Rows) != 10 || sum.Checkpoints != 3 {
		t.Errorf("summary = %+v", sum.Progress)
	}
}

func TestExecutor_PoolBoundedAndCompletionOrder(t *testing.T) {
	const workers = 3
	var inFlight, maxInFlight int32
	e := NewExecutor(ExecutorOptions{Workers: workers, CheckpointInterval: 100})

	tasks := makeTasks(9)
	sum := e.Execute(context.Background(), tasks, func(_ context.Context, task model.Task, w int) model.RunResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		// 先提交的任务跑得更久
		time.Sleep(time.Duration(10-task.RunID) * 5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return okResult(task, w)
	})

	if maxInFlight > workers {
		t.Errorf("max concurrency = %d, want <= %d", maxInFlight, workers)
	}
	if len(sum.Results) != 9 || sum.Progress.Succeeded != 9 {
		t.Fatalf("results = %d", len(sum.Results))
	}
	seen := map[int]bool{}
	inOrder := true
	for i, r := range sum.Results {
		seen[r.RunID] = true
		if r.RunID != i+1 {
			inOrder = false
		}
		if r.WorkerID < 0 || r.WorkerID >= workers {
			t.Errorf("worker id %d out of range", r.WorkerID)
		}
	}
	if len(seen) != 9 {
		t.Errorf("missing results: %v", seen)
	}
	if inOrder {
		t.Log("results happened to arrive in submission order")
	}
}

func TestExecutor_FailuresAndPanics(t *testing.T) {
	cp := &recordingCheckpointer{}
	e := NewExecutor(ExecutorOptions{Workers: 2, CheckpointInterval: 5, Checkpoint: cp})

	sum := e.Execute(context.Background(), makeTasks(4), func(_ context.Context, task model.Task, w int) model.RunResult {
		switch task.RunID {
		case 2:
			panic("boom")
		case 3:
			// 进程成功但没有解析出任何块
			return model.RunResult{RunID: task.RunID, Policy: task.Policy, Success: true}
		case 4:
			res := okResult(task, w)
			res.Success = false
			res.FailureReason = model.FailureTimeout
			return res
		}
		return okResult(task, w)
	})

	if sum.Progress.Succeeded != 1 || sum.Progress.Failed != 3 {
		t.Fatalf("progress = %+v", sum.Progress)
	}
	if len(sum.Rows) != 2 {
		t.Errorf("only the succeeded task may contribute rows, got %d", len(sum.Rows))
	}
	var panicked bool
	for _, r := range sum.Results {
		if r.RunID == 2 && !r.Success && len(r.FailureReason) > 0 {
			panicked = true
		}
	}
	if !panicked {
		t.Error("panic was not converted into a failed result")
	}
	if len(cp.writes) != 1 || cp.writes[0] != 2 {
		t.Errorf("final checkpoint writes = %v", cp.writes)
	}
}

func TestExecutor_CancelStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started int32
	e := NewExecutor(ExecutorOptions{
		Workers:            1,
		CheckpointInterval: 1,
		OnResult: func(r model.RunResult) {
			if r.RunID == 2 {
				cancel()
			}
		},
	})
	sum := e.Execute(ctx, makeTasks(10), func(_ context.Context, task model.Task, w int) model.RunResult {
		atomic.AddInt32(&started, 1)
		return okResult(task, w)
	})

	if started != 2 || !sum.Cancelled {
		t.Fatalf("started=%d cancelled=%v", started, sum.Cancelled)
	}
	if len(sum.Rows) != 4 {
		t.Errorf("results before cancellation must be kept, rows=%d", len(sum.Rows))
	}
}

func TestExecutor_InitialRowsIncluded(t *testing.T) {
	cp := &recordingCheckpointer{}
	prior := []model.ParticipantMetric{{RunID: 1}, {RunID: 1, ParticipantID: 1}}
	e := NewExecutor(ExecutorOptions{Workers: 1, CheckpointInterval: 10, Checkpoint: cp, InitialRows: prior})

	sum := e.Execute(context.Background(), makeTasks(1), func(_ context.Context, task model.Task, w int) model.RunResult {
		task.RunID = 2
		return okResult(task, w)
	})
	if len(sum.Rows) != 4 || len(cp.writes) != 1 || cp.writes[0] != 4 {
		t.Errorf("rows=%d writes=%v", len(sum.Rows), cp.writes)
	}
}
