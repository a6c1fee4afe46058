package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// 仿真器读取的逐用户帧文件表头
var inputHeader = []string{"frame", "components", "mse", "size_bytes"}

// InputFileName 用户输入文件名
func InputFileName(participant, level int) string {
	return fmt.Sprintf("user_%d_comp_%d.csv", participant, level)
}

// Materialize 在 dir 下为每个用户写一个固定压缩等级的输入文件，返回按用户顺序排列的路径
func Materialize(dir string, frames Frames, choice []int) ([]string, error) {
	paths := make([]string, 0, len(choice))
	for i, level := range choice {
		rows := frames[level]
		if len(rows) == 0 {
			return nil, fmt.Errorf("user %d: %w %d", i, ErrUnknownLevel, level)
		}
		path := filepath.Join(dir, InputFileName(i, level))
		if err := writeInputFile(path, frames, level); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeInputFile(path string, frames Frames, level int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建输入文件失败: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(inputHeader); err != nil {
		_ = f.Close()
		return err
	}
	for _, fr := range frames[level] {
		if err := w.Write([]string{
			strconv.Itoa(fr.FrameIndex),
			strconv.Itoa(fr.Level),
			strconv.FormatFloat(fr.ErrorValue, 'f', -1, 64),
			strconv.Itoa(fr.SizeBytes),
		}); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
