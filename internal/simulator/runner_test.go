package simulator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/dataset"
	"xr-compress-lab/internal/model"
)

const qoeOutput = `XRTrafficReceiver: Initialized with deadline=5ms
========== XR Traffic QoE Summary ==========
Module:            XRNetwork.ue[0].app[0]
Total frames:      600
On-time frames:    540 (90%)
Mean Error (QoE):  85.5 (sumError=51300)
Avg Delay:         3.2 ms
Deadline:          5 ms
Delay Reliability: 90% (threshold: 80%)
User Satisfied:    YES
Avg DL CQI:        13.4
=========================================
`

const qoeOutputUser1 = `Module:            XRNetwork.ue[1].app[0]
Total frames:      600
On-time frames:    300 (50%)
Avg Delay:         8.1 ms
Delay Reliability: 50% (threshold: 80%)
User Satisfied:    NO
Avg DL CQI:        9
`

func testFrames() dataset.Frames {
	return dataset.Frames{
		5: {
			{FrameIndex: 0, Level: 5, ErrorValue: 10.5, SizeBytes: 1200},
			{FrameIndex: 1, Level: 5, ErrorValue: 11, SizeBytes: 1180},
		},
		10: {
			{FrameIndex: 0, Level: 10, ErrorValue: 4.25, SizeBytes: 2400},
			{FrameIndex: 1, Level: 10, ErrorValue: 4.5, SizeBytes: 2390},
		},
	}
}

// writeScript 生成一个假的仿真器，参数写入 args.txt 以便检查
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-simu5g.sh")
	script := "#!/bin/sh\necho \"$@\" > \"" + filepath.Join(dir, "args.txt") + "\"\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestRunner(t *testing.T, body string) (*Runner, string, string) {
	t.Helper()
	binDir := t.TempDir()
	scratch := t.TempDir()
	cfg := config.Default().Simulator
	cfg.Binary = writeScript(t, binDir, body)
	cfg.WorkDir = binDir
	cfg.ScratchDir = scratch
	cfg.ExtraArgs = nil
	cfg.Timeout = 10 * time.Second
	return NewRunner(cfg, testFrames(), nil), binDir, scratch
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("work dir not cleaned up: %d entries left in %s", len(entries), dir)
	}
}

func TestRun_Success(t *testing.T) {
	r, binDir, scratch := newTestRunner(t, "cat <<'EOF'\n"+qoeOutput+qoeOutputUser1+"EOF\n")

	res := r.Run(context.Background(), Request{
		RunID: 7, Policy: model.PolicyRandom, ParticipantCount: 2, ParameterChoice: []int{5, 10}, WorkerID: 3,
	})
	if !res.Success || !res.Succeeded() {
		t.Fatalf("expected success, got reason %q", res.FailureReason)
	}
	if len(res.Metrics) != 2 {
		t.Fatalf("metrics = %d, want 2", len(res.Metrics))
	}
	if res.Metrics[0].ParameterLevel != 5 || res.Metrics[1].ParameterLevel != 10 {
		t.Errorf("levels = %d,%d", res.Metrics[0].ParameterLevel, res.Metrics[1].ParameterLevel)
	}
	if res.WorkerID != 3 || res.RunID != 7 {
		t.Errorf("result context lost: %+v", res)
	}
	assertEmptyDir(t, scratch)

	args, err := os.ReadFile(filepath.Join(binDir, "args.txt"))
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	for _, want := range []string{
		"-c XR-DL-Dataset",
		"--*.numUe=2",
		"--*.server.numApps=2",
		"--*.ue[*].app[0].deadlineMs=5ms",
		`--*.server.app[1].pcaFile="`,
		"user_1_comp_10.csv",
		"omnetpp.ini",
	} {
		if !strings.Contains(string(args), want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if strings.Contains(string(args), "expectedFrames") {
		t.Errorf("expectedFrames should only be set for warmup: %q", args)
	}
}

func TestRun_NonZeroExitKeepsPartialOutput(t *testing.T) {
	r, _, scratch := newTestRunner(t, "cat <<'EOF'\n"+qoeOutput+"EOF\necho 'segfault in ue[1]' >&2\nexit 3\n")

	res := r.Run(context.Background(), Request{RunID: 1, Policy: model.PolicyRandom, ParticipantCount: 2, ParameterChoice: []int{5, 10}})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.FailureReason, "exit status 3") || !strings.Contains(res.FailureReason, "segfault") {
		t.Errorf("reason = %q", res.FailureReason)
	}
	if len(res.Metrics) != 1 || res.Metrics[0].ParticipantID != 0 {
		t.Errorf("partial metrics = %+v", res.Metrics)
	}
	if res.Succeeded() {
		t.Error("failed task must not count as succeeded")
	}
	assertEmptyDir(t, scratch)
}

func TestRun_Timeout(t *testing.T) {
	r, _, scratch := newTestRunner(t, "exec sleep 10\n")

	start := time.Now()
	res := r.Run(context.Background(), Request{
		RunID: 2, Policy: model.PolicyModel, ParticipantCount: 1, ParameterChoice: []int{5},
		Timeout: 200 * time.Millisecond,
	})
	if res.Success || res.FailureReason != model.FailureTimeout {
		t.Fatalf("got success=%v reason=%q", res.Success, res.FailureReason)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout not enforced, took %s", time.Since(start))
	}
	assertEmptyDir(t, scratch)
}

func TestRun_Cancelled(t *testing.T) {
	r, _, scratch := newTestRunner(t, "exec sleep 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := r.Run(ctx, Request{RunID: 3, Policy: model.PolicyRandom, ParticipantCount: 1, ParameterChoice: []int{10}})
	if res.FailureReason != model.FailureCancelled {
		t.Fatalf("reason = %q, want cancelled", res.FailureReason)
	}
	assertEmptyDir(t, scratch)
}

// markerCtx 在 marker 文件出现后报告已取消，但从不关闭 Done，不会杀掉进程
type markerCtx struct {
	context.Context
	marker string
}

func (c markerCtx) Done() <-chan struct{} { return nil }

func (c markerCtx) Err() error {
	if _, err := os.Stat(c.marker); err == nil {
		return context.Canceled
	}
	return nil
}

func TestRun_CleanExitWinsOverLateCancel(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "exited")
	r, _, scratch := newTestRunner(t, "cat <<'EOF'\n"+qoeOutput+"EOF\ntouch \""+marker+"\"\nexit 0\n")

	ctx := markerCtx{Context: context.Background(), marker: marker}
	res := r.Run(ctx, Request{RunID: 4, Policy: model.PolicyRandom, ParticipantCount: 1, ParameterChoice: []int{5}})
	if ctx.Err() == nil {
		t.Fatal("script did not run")
	}
	if !res.Success || res.FailureReason != "" || len(res.Metrics) != 1 {
		t.Fatalf("got success=%v reason=%q metrics=%d", res.Success, res.FailureReason, len(res.Metrics))
	}
	assertEmptyDir(t, scratch)
}

func TestRun_MissingBinary(t *testing.T) {
	r, _, scratch := newTestRunner(t, "")
	r.cfg.Binary = filepath.Join(t.TempDir(), "does-not-exist")

	res := r.Run(context.Background(), Request{RunID: 4, Policy: model.PolicyRandom, ParticipantCount: 1, ParameterChoice: []int{5}})
	if res.Success || res.FailureReason == "" {
		t.Fatalf("expected start failure, got %+v", res)
	}
	assertEmptyDir(t, scratch)
}

func TestRun_UnknownLevel(t *testing.T) {
	r, _, scratch := newTestRunner(t, "exit 0\n")

	res := r.Run(context.Background(), Request{RunID: 5, Policy: model.PolicyRandom, ParticipantCount: 1, ParameterChoice: []int{75}})
	if res.Success || !strings.Contains(res.FailureReason, "no frames for level") {
		t.Fatalf("got %+v", res)
	}
	assertEmptyDir(t, scratch)
}

func TestBuildArgs_Warmup(t *testing.T) {
	cfg := config.Default().Simulator
	r := NewRunner(cfg, nil, nil)
	args := r.BuildArgs(Request{ParticipantCount: 1, ExpectedFrames: 50}, []string{"/tmp/x/user_0_comp_5.csv"})

	joined := strings.Join(args, " ")
	if !strings.HasPrefix(joined, "-r 0 -m -u Cmdenv -c XR-DL-Dataset") {
		t.Errorf("args = %q", joined)
	}
	if !strings.Contains(joined, "--*.ue[*].app[0].expectedFrames=50") {
		t.Errorf("missing expectedFrames: %q", joined)
	}
	if args[len(args)-1] != "omnetpp.ini" {
		t.Errorf("ini file must be last, got %q", args[len(args)-1])
	}
}

func TestTail(t *testing.T) {
	long := strings.Repeat("a", 600) + "END"
	got := tail(long, outputTailLimit)
	if len(got) != outputTailLimit+3 || !strings.HasSuffix(got, "END") {
		t.Errorf("tail length = %d", len(got))
	}
	if tail("short", outputTailLimit) != "short" {
		t.Error("short output should be kept whole")
	}
}
