package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"xr-compress-lab/internal/model"
)

var (
	ErrMissingColumn = errors.New("frame dataset: missing required column")
	ErrUnknownLevel  = errors.New("frame dataset: no frames for level")
)

// 列名别名：原始 PCA sweep 文件使用 components/mse
var columnAliases = map[string][]string{
	"frame":       {"frame"},
	"level":       {"level", "components"},
	"error_value": {"error_value", "mse"},
	"size_bytes":  {"size_bytes"},
}

// Frames 按压缩等级分组的帧记录，保留文件中的顺序
type Frames map[int][]model.FrameRecord

// LoadFile 读取帧数据集；levels 为空时保留所有等级
func LoadFile(path string, levels []int) (Frames, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开帧数据集失败: %w", err)
	}
	defer f.Close()

	frames, err := Load(f, levels)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frames, nil
}

// Load 从 reader 读取 CSV 帧数据集
func Load(r io.Reader, levels []int) (Frames, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	idx, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	var allowed map[int]bool
	frames := Frames{}
	if len(levels) > 0 {
		allowed = make(map[int]bool, len(levels))
		for _, l := range levels {
			allowed[l] = true
		}
	}

	line := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}

		level, err := strconv.Atoi(strings.TrimSpace(rec[idx["level"]]))
		if err != nil {
			return nil, fmt.Errorf("第 %d 行 level: %w", line, err)
		}
		if allowed != nil && !allowed[level] {
			continue
		}
		frame, err := strconv.Atoi(strings.TrimSpace(rec[idx["frame"]]))
		if err != nil {
			return nil, fmt.Errorf("第 %d 行 frame: %w", line, err)
		}
		errVal, err := strconv.ParseFloat(strings.TrimSpace(rec[idx["error_value"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行 error_value: %w", line, err)
		}
		// size_bytes 在缩放后的文件里可能是浮点数
		size, err := strconv.ParseFloat(strings.TrimSpace(rec[idx["size_bytes"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行 size_bytes: %w", line, err)
		}

		frames[level] = append(frames[level], model.FrameRecord{
			FrameIndex: frame,
			Level:      level,
			ErrorValue: errVal,
			SizeBytes:  int(size),
		})
	}
	return frames, nil
}

func resolveColumns(header []string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(h))] = i
	}
	idx := make(map[string]int, len(columnAliases))
	for col, aliases := range columnAliases {
		found := false
		for _, a := range aliases {
			if i, ok := pos[a]; ok {
				idx[col] = i
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	return idx, nil
}
