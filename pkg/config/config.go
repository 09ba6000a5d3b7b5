package config

import (
	"fmt"
	"os"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

const (
	RotateModeLines = "lines"
	RotateModeSize  = "size"

	PolicyAbort = "abort"
	PolicySkip  = "skip"
)

type Config struct {
	Inspector struct {
		Name       string   `yaml:"name"`
		LogFile    string   `yaml:"log_file"`
		SizeRotate bool     `yaml:"size_rotate"`
		RotateMode string   `yaml:"rotate_mode"`
		MaxLines   int      `yaml:"max_lines"`
		FlushLines int      `yaml:"flush_lines"`
		MaxSizeMB  int      `yaml:"max_size_mb"`
		MaxBackups int      `yaml:"max_backups"`
		CacheSize  int      `yaml:"cache_size"`
		OnInvalid  string   `yaml:"on_invalid"`
		Events     []string `yaml:"events"`
	} `yaml:"inspector"`

	Source struct {
		Type      string `yaml:"type"`
		Filename  string `yaml:"filename"`
		BPFFilter string `yaml:"bpf_filter"`
	} `yaml:"source"`

	Pipeline struct {
		WorkerCount int `yaml:"worker_count"`
		BufferSize  int `yaml:"buffer_size"`
	} `yaml:"pipeline"`

	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		Filename   string `yaml:"filename"`
		MaxAge     int    `yaml:"max_age"`
		RotateTime int    `yaml:"rotate_time"`
	} `yaml:"log"`

	RuleEngine struct {
		RuleDirectory string `yaml:"rule_directory"`
	} `yaml:"rule_engine"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
	} `yaml:"api"`
}

// Default 返回填好默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Inspector.Name == "" {
		c.Inspector.Name = "network_mapping"
	}
	if c.Inspector.LogFile == "" {
		c.Inspector.LogFile = "flow.txt"
	}
	if c.Inspector.RotateMode == "" {
		c.Inspector.RotateMode = RotateModeLines
	}
	if c.Inspector.MaxLines == 0 {
		c.Inspector.MaxLines = 1000000
	}
	if c.Inspector.FlushLines == 0 {
		c.Inspector.FlushLines = 100
	}
	if c.Inspector.MaxSizeMB == 0 {
		c.Inspector.MaxSizeMB = 100
	}
	if c.Inspector.OnInvalid == "" {
		c.Inspector.OnInvalid = PolicySkip
	}
	if len(c.Inspector.Events) == 0 {
		c.Inspector.Events = []string{"flow_service_change"}
	}
	if c.Source.Type == "" {
		c.Source.Type = "file"
	}
	if c.Pipeline.WorkerCount == 0 {
		c.Pipeline.WorkerCount = 4
	}
	if c.Pipeline.BufferSize == 0 {
		c.Pipeline.BufferSize = 1000
	}
	if c.Log.Level == "" {
		c.Log.Level = "WARN"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.Filename == "" {
		c.Log.Filename = "network_mapping.log"
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 24
	}
	if c.Log.RotateTime == 0 {
		c.Log.RotateTime = 1
	}
	if c.RuleEngine.RuleDirectory == "" {
		c.RuleEngine.RuleDirectory = "rules"
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == "" {
		c.API.Port = "8080"
	}
}

func (c *Config) Validate() error {
	// 插件名同时是 Prometheus 指标前缀
	if !model.IsValidMetricName(model.LabelValue(c.Inspector.Name)) {
		return fmt.Errorf("inspector name %q is not a valid metric name", c.Inspector.Name)
	}
	if c.Inspector.LogFile == "" {
		return fmt.Errorf("inspector log_file is required")
	}
	switch c.Inspector.RotateMode {
	case RotateModeLines, RotateModeSize:
	default:
		return fmt.Errorf("unsupported rotate mode: %s", c.Inspector.RotateMode)
	}
	switch c.Inspector.OnInvalid {
	case PolicyAbort, PolicySkip:
	default:
		return fmt.Errorf("unsupported on_invalid policy: %s", c.Inspector.OnInvalid)
	}
	if c.Inspector.MaxLines <= 0 {
		return fmt.Errorf("max lines must be positive")
	}
	if c.Inspector.FlushLines <= 0 {
		return fmt.Errorf("flush lines must be positive")
	}
	if c.Inspector.CacheSize < 0 {
		return fmt.Errorf("cache size must not be negative")
	}
	if c.Source.Type != "file" {
		return fmt.Errorf("unsupported source type: %s", c.Source.Type)
	}
	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
