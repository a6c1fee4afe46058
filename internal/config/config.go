package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 配置错误：任何任务运行前就应当失败
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Predictor  PredictorConfig  `yaml:"predictor"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// 非空时控制接口需要 HS256 Bearer token
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	// 驱动：""（不落库）/sqlite/mysql
	Driver string `yaml:"driver"`
	// sqlite 文件路径
	Path string `yaml:"path"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
}

type SimulatorConfig struct {
	Binary string `yaml:"binary"`
	// 仿真器工作目录（omnetpp.ini 所在目录）
	WorkDir string `yaml:"work_dir"`
	// 每个任务的私有目录建在这里；为空则使用 WorkDir
	ScratchDir string   `yaml:"scratch_dir"`
	ConfigName string   `yaml:"config_name"`
	IniFile    string   `yaml:"ini_file"`
	ExtraArgs  []string `yaml:"extra_args"`
	DeadlineMs float64  `yaml:"deadline_ms"`

	Timeout       time.Duration `yaml:"timeout"`
	WarmupTimeout time.Duration `yaml:"warmup_timeout"`
	WarmupFrames  int           `yaml:"warmup_frames"`
}

type DatasetConfig struct {
	FrameFile string `yaml:"frame_file"`
}

type ExperimentConfig struct {
	MinParticipants    int      `yaml:"min_participants"`
	MaxParticipants    int      `yaml:"max_participants"`
	RunsPerConfig      int      `yaml:"runs_per_config"`
	Seed               int64    `yaml:"seed"`
	Policies           []string `yaml:"policies"`
	Levels             []int    `yaml:"levels"`
	CheckpointInterval int      `yaml:"checkpoint_interval"`
	Workers            int      `yaml:"workers"`
	OutputDir          string   `yaml:"output_dir"`
	// dataset 模式输出文件
	DatasetOutput string `yaml:"dataset_output"`
}

type PredictorConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// warmup 没有观测到某个用户时使用的信道质量
	DefaultChannelQuality float64 `yaml:"default_channel_quality"`
}

// DefaultLevels 压缩等级 5,10,...,80
func DefaultLevels() []int {
	levels := make([]int, 0, 16)
	for l := 5; l <= 80; l += 5 {
		levels = append(levels, l)
	}
	return levels
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > 16 {
		n = 16
	}
	return n
}

// Default 返回与原实验脚本一致的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8090},
		Database: DatabaseConfig{
			Path:    "./data/results.db",
			Port:    3306,
			Charset: "utf8mb4",
		},
		Simulator: SimulatorConfig{
			Binary:        "simu5g",
			WorkDir:       ".",
			ConfigName:    "XR-DL-Dataset",
			IniFile:       "omnetpp.ini",
			ExtraArgs:     []string{"-r", "0", "-m", "-u", "Cmdenv"},
			DeadlineMs:    5,
			Timeout:       50 * time.Minute,
			WarmupTimeout: 2 * time.Minute,
			WarmupFrames:  50,
		},
		Dataset: DatasetConfig{FrameFile: "pca_sweep_summary_scaled.csv"},
		Experiment: ExperimentConfig{
			MinParticipants:    2,
			MaxParticipants:    10,
			RunsPerConfig:      10,
			Seed:               42,
			Policies:           []string{"random", "model"},
			Levels:             DefaultLevels(),
			CheckpointInterval: 5,
			Workers:            defaultWorkers(),
			OutputDir:          "comparison_results",
			DatasetOutput:      "compression_dataset.csv",
		},
		Predictor: PredictorConfig{
			BaseURL:               "http://localhost:8000",
			Timeout:               5 * time.Second,
			DefaultChannelQuality: 14.0,
		},
	}
}

// LoadConfig 读取 yaml 配置；文件不存在时使用默认值。未出现的字段保留默认值。
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("解析配置文件失败: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			// 使用默认配置
		default:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("XR_SIMULATOR_BIN"); v != "" {
		c.Simulator.Binary = v
	}
	if v := os.Getenv("XR_PREDICTOR_URL"); v != "" {
		c.Predictor.BaseURL = v
	}
	if v := os.Getenv("XR_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("XR_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("XR_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("XR_WORKERS=%q: %w", v, ErrInvalidConfig)
		}
		c.Experiment.Workers = n
	}
	return nil
}

// Validate 检查会导致任务无法生成或无法执行的配置
func (c *Config) Validate() error {
	e := c.Experiment
	if e.MinParticipants < 1 || e.MaxParticipants < e.MinParticipants {
		return fmt.Errorf("参与者范围 [%d,%d] 无效: %w", e.MinParticipants, e.MaxParticipants, ErrInvalidConfig)
	}
	if e.RunsPerConfig <= 0 {
		return fmt.Errorf("runs_per_config=%d 必须为正: %w", e.RunsPerConfig, ErrInvalidConfig)
	}
	if len(e.Levels) == 0 {
		return fmt.Errorf("levels 不能为空: %w", ErrInvalidConfig)
	}
	if e.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval=%d 必须为正: %w", e.CheckpointInterval, ErrInvalidConfig)
	}
	if e.Workers < 1 {
		return fmt.Errorf("workers=%d 必须 >=1: %w", e.Workers, ErrInvalidConfig)
	}
	if c.Simulator.Binary == "" {
		return fmt.Errorf("simulator.binary 不能为空: %w", ErrInvalidConfig)
	}
	if c.Simulator.DeadlineMs <= 0 {
		return fmt.Errorf("simulator.deadline_ms=%g 必须为正: %w", c.Simulator.DeadlineMs, ErrInvalidConfig)
	}
	if c.Simulator.Timeout <= 0 {
		return fmt.Errorf("simulator.timeout 必须为正: %w", ErrInvalidConfig)
	}
	switch c.Database.Driver {
	case "", "sqlite", "mysql":
	default:
		return fmt.Errorf("未知数据库驱动 %q: %w", c.Database.Driver, ErrInvalidConfig)
	}
	return nil
}
