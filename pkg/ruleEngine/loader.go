package ruleEngine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuleLoader 负责加载和管理规则
type RuleLoader struct {
	mu    sync.RWMutex
	rules map[string]*Rule // 使用map存储规则，key为规则ID
}

// NewRuleLoader 创建一个新的规则加载器
func NewRuleLoader() *RuleLoader {
	return &RuleLoader{
		rules: make(map[string]*Rule),
	}
}

// ParseRule 解析并检查一个规则文件的内容
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("解析YAML失败: %w", err)
	}
	if rule.RuleID == "" {
		return nil, fmt.Errorf("规则缺少 rule_id")
	}
	for service, sr := range rule.ServiceRules {
		if sr == nil || sr.Expression == "" {
			return nil, fmt.Errorf("规则 %s 的服务 %s 缺少表达式", rule.RuleID, service)
		}
	}
	return &rule, nil
}

// LoadRuleFromFile 从文件加载规则
func (rl *RuleLoader) LoadRuleFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取规则文件失败: %w", err)
	}

	rule, err := ParseRule(data)
	if err != nil {
		return err
	}

	rl.mu.Lock()
	rl.rules[rule.RuleID] = rule
	rl.mu.Unlock()
	return nil
}

// LoadRulesFromDirectory 从目录加载所有规则
func (rl *RuleLoader) LoadRulesFromDirectory(dirPath string) error {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("读取目录失败: %w", err)
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if filepath.Ext(file.Name()) == ".yaml" || filepath.Ext(file.Name()) == ".yml" {
			fullPath := filepath.Join(dirPath, file.Name())
			if err := rl.LoadRuleFromFile(fullPath); err != nil {
				return fmt.Errorf("加载规则文件 %s 失败: %w", file.Name(), err)
			}
		}
	}
	return nil
}

// GetRule 根据规则ID获取规则
func (rl *RuleLoader) GetRule(ruleID string) (*Rule, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	rule, exists := rl.rules[ruleID]
	return rule, exists
}

// GetAllRules 获取所有规则的副本
func (rl *RuleLoader) GetAllRules() map[string]*Rule {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := make(map[string]*Rule, len(rl.rules))
	for id, r := range rl.rules {
		out[id] = r
	}
	return out
}
