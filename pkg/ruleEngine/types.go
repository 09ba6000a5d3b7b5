package ruleEngine

import "sort"

const (
	StateEnable  = "enable"
	StateDisable = "disable"
)

// Rule 表示一个服务识别规则文件
type Rule struct {
	State        string                  `yaml:"state" json:"state"`                 // 规则状态 enable/disable
	RuleID       string                  `yaml:"rule_id" json:"rule_id"`             // 规则ID
	RuleName     string                  `yaml:"rule_name" json:"rule_name"`         // 规则名称
	RuleTag      string                  `yaml:"rule_tag" json:"rule_tag"`           // 规则标签
	ServiceRules map[string]*ServiceRule `yaml:"service_rules" json:"service_rules"` // 服务规则，key为服务名
}

// ServiceRule 表示一条服务识别表达式
type ServiceRule struct {
	State       string `yaml:"state" json:"state"`             // 规则状态 enable/disable
	Expression  string `yaml:"expression" json:"expression"`   // CEL表达式
	Description string `yaml:"description" json:"description"` // 规则描述
	Priority    int    `yaml:"priority" json:"priority"`       // 数值越小越先匹配
}

// Enabled 规则文件和服务规则都启用时才参与匹配
func (r *Rule) Enabled() bool {
	return r.State == StateEnable
}

func (s *ServiceRule) Enabled() bool {
	return s.State == StateEnable
}

// NamedServiceRule 带服务名的服务规则
type NamedServiceRule struct {
	RuleID  string `json:"rule_id"`
	Service string `json:"service"`
	*ServiceRule
}

// Ordered 把所有启用的服务规则按优先级排序，优先级相同按服务名和规则ID排序
func Ordered(rules map[string]*Rule) []NamedServiceRule {
	var out []NamedServiceRule
	for id, rule := range rules {
		if !rule.Enabled() {
			continue
		}
		for service, sr := range rule.ServiceRules {
			if sr == nil || !sr.Enabled() {
				continue
			}
			out = append(out, NamedServiceRule{RuleID: id, Service: service, ServiceRule: sr})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}
