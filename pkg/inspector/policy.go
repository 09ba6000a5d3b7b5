package inspector

import (
	"fmt"

	"github.com/haolipeng/network_mapping/pkg/config"
	"github.com/haolipeng/network_mapping/pkg/foreign"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/sirupsen/logrus"
)

// Policy 宿主字符串转换失败后的处理方式
type Policy int

const (
	// PolicySkip 记录告警，跳过本次数据包/事件，继续处理
	PolicySkip Policy = iota + 1
	// PolicyAbort 中止本次回调（panic），由宿主决定如何处理
	PolicyAbort
)

func (p Policy) String() string {
	switch p {
	case PolicySkip:
		return config.PolicySkip
	case PolicyAbort:
		return config.PolicyAbort
	default:
		return "unknown"
	}
}

// ParsePolicy 解析配置中的 on_invalid
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case config.PolicySkip, "":
		return PolicySkip, nil
	case config.PolicyAbort:
		return PolicyAbort, nil
	default:
		return 0, fmt.Errorf("unsupported on_invalid policy: %s", s)
	}
}

// Reporter 报告输出，实现必须保证并发调用时每一行完整写入
type Reporter interface {
	Report(line string) error
}

// failure 处理转换失败。宿主违反调用约定时总是中止；
// 编码错误按策略中止或跳过。返回时表示调用方应跳过本次报告。
func failure(callback string, policy Policy, pegs *metrics.InspectorMetrics, err error) {
	if !foreign.IsPrecondition(err) {
		pegs.Inc(metrics.PegInvalidEncoding)
	}

	if foreign.IsPrecondition(err) || policy == PolicyAbort {
		pegs.Inc(metrics.PegAborted)
		logrus.WithFields(logrus.Fields{
			"callback": callback,
			"policy":   policy.String(),
		}).Errorf("invalid data from host: %v", err)
		panic(types.NewInspectError(callback, err))
	}

	pegs.Inc(metrics.PegSkipped)
	logrus.WithFields(logrus.Fields{
		"callback": callback,
		"policy":   policy.String(),
	}).Warnf("skipping host data: %v", err)
}

func report(r Reporter, line string) {
	if err := r.Report(line); err != nil {
		logrus.Debugf("Failed to write report line: %v", err)
	}
}
