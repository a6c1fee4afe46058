package checkpoint

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"xr-compress-lab/internal/model"
)

var ErrMalformed = errors.New("checkpoint: malformed file")

// Header 检查点列；withPolicy=false 时（dataset 模式）省略 policy 列
func Header(withPolicy bool) []string {
	cols := []string{"run_id"}
	if withPolicy {
		cols = append(cols, "policy")
	}
	return append(cols,
		"participant_count",
		"participant_id",
		"parameter_level",
		"total_frames",
		"on_time_frames",
		"avg_delay_ms",
		"delay_reliability",
		"satisfied",
		"avg_error",
		"avg_channel_quality",
	)
}

// Writer 每次 Write 都覆盖整个文件，读者只会看到旧文件或新文件
type Writer struct {
	path       string
	withPolicy bool
}

func NewWriter(path string, withPolicy bool) *Writer {
	return &Writer{path: path, withPolicy: withPolicy}
}

func (w *Writer) Path() string { return w.path }

// SortRows 按 (policy, run_id, participant_id) 排序，写出的字节与完成顺序无关
func SortRows(rows []model.ParticipantMetric) []model.ParticipantMetric {
	out := append([]model.ParticipantMetric(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		return a.ParticipantID < b.ParticipantID
	})
	return out
}

// Write 写临时文件、fsync 后 rename 覆盖目标
func (w *Writer) Write(rows []model.ParticipantMetric) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建检查点目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	// CreateTemp 默认 0600，与 JSON/markdown 输出保持一致
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("设置检查点权限失败: %w", err)
	}
	if err := w.encode(tmp, SortRows(rows)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("同步检查点失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		return fmt.Errorf("替换检查点失败: %w", err)
	}
	committed = true
	return nil
}

func (w *Writer) encode(out io.Writer, rows []model.ParticipantMetric) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(Header(w.withPolicy)); err != nil {
		return err
	}
	for _, m := range rows {
		rec := []string{strconv.Itoa(m.RunID)}
		if w.withPolicy {
			rec = append(rec, string(m.Policy))
		}
		rec = append(rec,
			strconv.Itoa(m.ParticipantCount),
			strconv.Itoa(m.ParticipantID),
			strconv.Itoa(m.ParameterLevel),
			strconv.Itoa(m.TotalFrames),
			strconv.Itoa(m.OnTimeFrames),
			fmtFloat(m.AvgDelayMs),
			fmtFloat(m.DelayReliability),
			strconv.Itoa(m.Satisfied),
			fmtFloat(m.AvgError),
			fmtFloat(m.AvgChannelQuality),
		)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Load 读回检查点；policy 列可选
func Load(path string) ([]model.ParticipantMetric, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开检查点失败: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	idx := map[string]int{}
	for i, name := range header {
		idx[name] = i
	}
	for _, col := range Header(false) {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrMalformed, col)
		}
	}

	var rows []model.ParticipantMetric
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		m, err := decodeRow(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		rows = append(rows, m)
	}
	return rows, nil
}

func decodeRow(rec []string, idx map[string]int) (model.ParticipantMetric, error) {
	var m model.ParticipantMetric
	var firstErr error
	atoi := func(col string) int {
		v, err := strconv.Atoi(rec[idx[col]])
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %s=%q", ErrMalformed, col, rec[idx[col]])
		}
		return v
	}
	atof := func(col string) float64 {
		v, err := strconv.ParseFloat(rec[idx[col]], 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %s=%q", ErrMalformed, col, rec[idx[col]])
		}
		return v
	}

	m.RunID = atoi("run_id")
	if i, ok := idx["policy"]; ok {
		m.Policy = model.Policy(rec[i])
	}
	m.ParticipantCount = atoi("participant_count")
	m.ParticipantID = atoi("participant_id")
	m.ParameterLevel = atoi("parameter_level")
	m.TotalFrames = atoi("total_frames")
	m.OnTimeFrames = atoi("on_time_frames")
	m.AvgDelayMs = atof("avg_delay_ms")
	m.DelayReliability = atof("delay_reliability")
	m.Satisfied = atoi("satisfied")
	m.AvgError = atof("avg_error")
	m.AvgChannelQuality = atof("avg_channel_quality")
	return m, firstErr
}
