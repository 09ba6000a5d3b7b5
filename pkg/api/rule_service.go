package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/haolipeng/network_mapping/pkg/processor"
	"github.com/haolipeng/network_mapping/pkg/ruleEngine"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

var errEmptyValidateRequest = errors.New("expression 和 rule 不能同时为空")

// serviceRuleError 标记校验失败的服务名
type serviceRuleError struct {
	service string
	err     error
}

func (e *serviceRuleError) Error() string {
	return fmt.Sprintf("服务 %s: %v", e.service, e.err)
}

func (e *serviceRuleError) Unwrap() error {
	return e.err
}

// RuleService 服务识别规则的查询、校验和重新加载
type RuleService struct {
	identifier *processor.ServiceIdentifier
	ruleDir    string
}

// ValidateRequest 规则校验请求，expression 和 rule 二选一
type ValidateRequest struct {
	Expression string           `json:"expression"`
	Rule       *ruleEngine.Rule `json:"rule"`
}

// NewRuleService 创建一个新的规则服务
func NewRuleService(identifier *processor.ServiceIdentifier, ruleDir string) *RuleService {
	return &RuleService{
		identifier: identifier,
		ruleDir:    ruleDir,
	}
}

// GetRules 获取当前生效的服务规则，按匹配顺序排列
func (rs *RuleService) GetRules(c echo.Context) error {
	service := c.QueryParam("service") // 指定服务名

	rules := rs.identifier.Rules()
	if service != "" {
		filtered := make([]ruleEngine.NamedServiceRule, 0, len(rules))
		for _, r := range rules {
			if r.Service == service {
				filtered = append(filtered, r)
			}
		}
		rules = filtered
	}

	logrus.WithFields(logrus.Fields{
		"rule_count": len(rules),
		"service":    service,
	}).Debug("获取服务规则")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则成功",
		Data:    rules,
	})
}

// GetRule 获取指定规则ID下的服务规则
func (rs *RuleService) GetRule(c echo.Context) error {
	ruleID := c.Param("rule_id")
	if ruleID == "" {
		return HandleError(c, NewRuleIDEmptyError())
	}

	var matched []ruleEngine.NamedServiceRule
	for _, r := range rs.identifier.Rules() {
		if r.RuleID == ruleID {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return HandleError(c, NewRuleNotFoundError(ruleID))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则成功",
		Data:    matched,
	})
}

// ValidateRule 校验一条表达式或一个完整的规则，不修改生效的规则
func (rs *RuleService) ValidateRule(c echo.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(c, NewInvalidRuleFormatError(err))
	}

	env, err := processor.NewServiceEnv()
	if err != nil {
		return HandleError(c, NewInternalServerError(err))
	}

	switch {
	case req.Rule != nil:
		for service, sr := range req.Rule.ServiceRules {
			if sr == nil {
				continue
			}
			if _, err := processor.CompileExpression(env, sr.Expression); err != nil {
				return HandleError(c, NewRuleValidationError(&serviceRuleError{service: service, err: err}))
			}
		}
	case req.Expression != "":
		if _, err := processor.CompileExpression(env, req.Expression); err != nil {
			return HandleError(c, NewRuleValidationError(err))
		}
	default:
		return HandleError(c, NewInvalidRuleFormatError(errEmptyValidateRequest))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "规则验证通过",
	})
}

// ReloadRules 从规则目录重新加载规则
func (rs *RuleService) ReloadRules(c echo.Context) error {
	if err := rs.identifier.ReloadRules(rs.ruleDir); err != nil {
		logrus.WithField("dir", rs.ruleDir).Warnf("重新加载规则失败: %v", err)
		return HandleError(c, NewRuleValidationError(err))
	}

	rules := rs.identifier.Rules()
	logrus.WithFields(logrus.Fields{
		"dir":        rs.ruleDir,
		"rule_count": len(rules),
	}).Info("规则重新加载成功")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "重新加载规则成功",
		Data:    rules,
	})
}
