package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  filename: capture.pcap
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "network_mapping", cfg.Inspector.Name)
	assert.Equal(t, "flow.txt", cfg.Inspector.LogFile)
	assert.Equal(t, RotateModeLines, cfg.Inspector.RotateMode)
	assert.Equal(t, 1000000, cfg.Inspector.MaxLines)
	assert.Equal(t, 100, cfg.Inspector.FlushLines)
	assert.Equal(t, PolicySkip, cfg.Inspector.OnInvalid)
	assert.Equal(t, []string{"flow_service_change"}, cfg.Inspector.Events)
	assert.Equal(t, "file", cfg.Source.Type)
	assert.Equal(t, "capture.pcap", cfg.Source.Filename)
	assert.Equal(t, 4, cfg.Pipeline.WorkerCount)
	assert.Equal(t, "WARN", cfg.Log.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
inspector:
  log_file: mapping.txt
  size_rotate: true
  max_lines: 10
  on_invalid: abort
  events: [flow_state_setup, flow_service_change]
pipeline:
  worker_count: 2
  buffer_size: 16
log:
  level: DEBUG
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mapping.txt", cfg.Inspector.LogFile)
	assert.True(t, cfg.Inspector.SizeRotate)
	assert.Equal(t, 10, cfg.Inspector.MaxLines)
	assert.Equal(t, PolicyAbort, cfg.Inspector.OnInvalid)
	assert.Len(t, cfg.Inspector.Events, 2)
	assert.Equal(t, 2, cfg.Pipeline.WorkerCount)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{name: "未知策略", content: "inspector:\n  on_invalid: ignore\n"},
		{name: "未知切割模式", content: "inspector:\n  rotate_mode: daily\n"},
		{name: "负数worker", content: "pipeline:\n  worker_count: -1\n"},
		{name: "不支持的数据源", content: "source:\n  type: live\n"},
		{name: "YAML格式错误", content: "inspector: [\n"},
		{name: "插件名带连字符", content: "inspector:\n  name: network-mapping\n"},
		{name: "插件名以数字开头", content: "inspector:\n  name: 1mapping\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateInspectorName(t *testing.T) {
	testCases := []struct {
		name    string
		wantErr bool
	}{
		{name: "network_mapping"},
		{name: "mapping:v2"},
		{name: "network-mapping", wantErr: true},
		{name: "network mapping", wantErr: true},
		{name: "9mapping", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Inspector.Name = tc.name
			err := cfg.Validate()
			if tc.wantErr {
				assert.ErrorContains(t, err, "not a valid metric name")
				return
			}
			assert.NoError(t, err)
		})
	}
}
