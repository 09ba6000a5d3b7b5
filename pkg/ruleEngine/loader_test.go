package ruleEngine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRule = `
state: enable
rule_id: "svc_test_0001"
rule_name: "测试规则"
rule_tag: "test"
service_rules:
  dns:
    state: enable
    expression: 'proto == "udp" && server_port == 53'
    description: "DNS查询"
    priority: 10
  http:
    state: enable
    expression: 'proto == "tcp" && server_port == 80'
    priority: 20
  telnet:
    state: disable
    expression: 'proto == "tcp" && server_port == 23'
    priority: 1
`

func writeRule(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoadRuleFromFile 测试从文件加载规则
func TestLoadRuleFromFile(t *testing.T) {
	dir := t.TempDir()

	testCases := []struct {
		name     string
		content  string
		wantErr  bool
		ruleID   string
		services []string
	}{
		{
			name:     "加载服务识别规则",
			content:  testRule,
			ruleID:   "svc_test_0001",
			services: []string{"dns", "http", "telnet"},
		},
		{
			name:    "缺少规则ID",
			content: "state: enable\nservice_rules: {}\n",
			wantErr: true,
		},
		{
			name:    "缺少表达式",
			content: "state: enable\nrule_id: x\nservice_rules:\n  dns:\n    state: enable\n",
			wantErr: true,
		},
		{
			name:    "YAML格式错误",
			content: "state: [enable\n",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeRule(t, dir, filepath.Base(t.Name())+".yaml", tc.content)

			loader := NewRuleLoader()
			err := loader.LoadRuleFromFile(path)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Empty(t, loader.GetAllRules())
				return
			}

			require.NoError(t, err)
			rule, exists := loader.GetRule(tc.ruleID)
			require.True(t, exists)
			assert.True(t, rule.Enabled())
			for _, svc := range tc.services {
				assert.Contains(t, rule.ServiceRules, svc)
			}
			assert.Equal(t, "DNS查询", rule.ServiceRules["dns"].Description)
		})
	}
}

func TestLoadRuleFromMissingFile(t *testing.T) {
	loader := NewRuleLoader()
	assert.Error(t, loader.LoadRuleFromFile(filepath.Join(t.TempDir(), "not_exist_file.yaml")))
}

// TestLoadRulesFromDirectory 测试从目录加载所有规则
func TestLoadRulesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.yaml", testRule)
	writeRule(t, dir, "b.yml", "state: enable\nrule_id: svc_test_0002\nservice_rules:\n  ssh:\n    state: enable\n    expression: 'server_port == 22'\n")
	writeRule(t, dir, "readme.txt", "not a rule")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	loader := NewRuleLoader()
	require.NoError(t, loader.LoadRulesFromDirectory(dir))

	rules := loader.GetAllRules()
	assert.Len(t, rules, 2)
	assert.Contains(t, rules, "svc_test_0001")
	assert.Contains(t, rules, "svc_test_0002")
}

func TestLoadRulesFromDirectoryErrors(t *testing.T) {
	loader := NewRuleLoader()
	assert.Error(t, loader.LoadRulesFromDirectory(filepath.Join(t.TempDir(), "missing")))

	dir := t.TempDir()
	writeRule(t, dir, "bad.yaml", "rule_id: [\n")
	assert.Error(t, loader.LoadRulesFromDirectory(dir))
}

func TestLoadShippedRules(t *testing.T) {
	loader := NewRuleLoader()
	require.NoError(t, loader.LoadRulesFromDirectory("../../rules"))

	rule, exists := loader.GetRule("svc_common_0001")
	require.True(t, exists)
	assert.Contains(t, rule.ServiceRules, "dns")
	assert.Contains(t, rule.ServiceRules["http"].Expression, "server_port")
}

func TestOrdered(t *testing.T) {
	rule, err := ParseRule([]byte(testRule))
	require.NoError(t, err)

	other := &Rule{
		State:  StateEnable,
		RuleID: "svc_test_0002",
		ServiceRules: map[string]*ServiceRule{
			"dns": {State: StateEnable, Expression: "true", Priority: 10},
		},
	}
	disabled := &Rule{
		State:  StateDisable,
		RuleID: "svc_test_0003",
		ServiceRules: map[string]*ServiceRule{
			"ftp": {State: StateEnable, Expression: "true", Priority: 0},
		},
	}

	ordered := Ordered(map[string]*Rule{
		rule.RuleID:     rule,
		other.RuleID:    other,
		disabled.RuleID: disabled,
	})

	require.Len(t, ordered, 3)
	assert.Equal(t, "dns", ordered[0].Service)
	assert.Equal(t, "svc_test_0001", ordered[0].RuleID)
	assert.Equal(t, "dns", ordered[1].Service)
	assert.Equal(t, "svc_test_0002", ordered[1].RuleID)
	assert.Equal(t, "http", ordered[2].Service)
}
