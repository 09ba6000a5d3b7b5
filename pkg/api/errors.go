package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternalServerError = http.StatusInternalServerError // 服务器内部错误
	ErrCodeBadRequest          = http.StatusBadRequest          // 请求参数错误

	// 规则相关错误
	ErrCodeRuleNotFound       = http.StatusNotFound   // 规则不存在
	ErrCodeInvalidRuleFormat  = http.StatusBadRequest // 规则格式无效
	ErrCodeRuleValidationFail = http.StatusBadRequest // 规则验证失败
)

// Response 统一响应结构体
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RuleError 自定义规则错误类型
type RuleError struct {
	Code    int    // HTTP 状态码
	Message string // 错误消息
	Err     error  // 原始错误
}

// Error 实现 error 接口
func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// NewRuleIDEmptyError 创建规则ID为空错误
func NewRuleIDEmptyError() *RuleError {
	return &RuleError{
		Code:    ErrCodeBadRequest,
		Message: "规则ID不能为空",
	}
}

// NewRuleNotFoundError 创建规则不存在错误
func NewRuleNotFoundError(ruleID string) *RuleError {
	return &RuleError{
		Code:    ErrCodeRuleNotFound,
		Message: fmt.Sprintf("规则 %s 不存在", ruleID),
	}
}

// NewInvalidRuleFormatError 创建规则格式无效错误
func NewInvalidRuleFormatError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInvalidRuleFormat,
		Message: "规则格式无效",
		Err:     err,
	}
}

// NewRuleValidationError 创建规则验证失败错误
func NewRuleValidationError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeRuleValidationFail,
		Message: "规则验证失败",
		Err:     err,
	}
}

// NewInternalServerError 创建服务器内部错误
func NewInternalServerError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInternalServerError,
		Message: "服务器内部错误",
		Err:     err,
	}
}

// HandleError 统一错误处理函数
func HandleError(c echo.Context, err error) error {
	logrus.WithFields(logrus.Fields{
		"error":  err.Error(),
		"path":   c.Request().URL.Path,
		"method": c.Request().Method,
	}).Warn("API 错误")

	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		resp := Response{
			Code:    ruleErr.Code,
			Message: ruleErr.Message,
		}
		// 请求本身有问题时把具体原因返回给调用方
		if ruleErr.Err != nil && ruleErr.Code < http.StatusInternalServerError {
			resp.Data = map[string]string{
				"error_detail": ruleErr.Err.Error(),
			}
		}
		return c.JSON(ruleErr.Code, resp)
	}

	return c.JSON(http.StatusInternalServerError, Response{
		Code:    http.StatusInternalServerError,
		Message: "服务器内部错误",
	})
}
