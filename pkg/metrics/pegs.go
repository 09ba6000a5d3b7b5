package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Peg 检测插件的计数项
type Peg int

const (
	PegLines           Peg = iota // 写入报告文件的行数
	PegFiles                      // 打开的报告文件数
	PegPackets                    // eval_packet 调用次数
	PegEvents                     // handle_event 调用次数
	PegInvalidEncoding            // 宿主字符串编码错误次数
	PegAborted                    // 被中止的回调次数
	PegSkipped                    // 被跳过的数据包/事件次数
	pegCount
)

var pegInfo = [pegCount]struct {
	name string
	help string
}{
	PegLines:           {"lines", "lines written"},
	PegFiles:           {"files", "files opened"},
	PegPackets:         {"packets", "packets evaluated"},
	PegEvents:          {"events", "service events handled"},
	PegInvalidEncoding: {"invalid_encoding", "host strings rejected for invalid encoding"},
	PegAborted:         {"aborted", "callbacks aborted"},
	PegSkipped:         {"skipped", "packets or events skipped after a conversion failure"},
}

func (p Peg) String() string {
	if p < 0 || p >= pegCount {
		return "unknown"
	}
	return pegInfo[p].name
}

// InspectorMetrics 插件计数，回调可以并发更新。
// 同时实现 prometheus.Collector，注册后即可通过 /metrics 导出。
type InspectorMetrics struct {
	module string
	counts [pegCount]uint64
	descs  [pegCount]*prometheus.Desc
}

// NewInspectorMetrics 创建计数器，module 作为 Prometheus 指标前缀
func NewInspectorMetrics(module string) *InspectorMetrics {
	m := &InspectorMetrics{module: module}
	for i := range pegInfo {
		m.descs[i] = prometheus.NewDesc(
			prometheus.BuildFQName(module, "", pegInfo[i].name+"_total"),
			pegInfo[i].help,
			nil, nil,
		)
	}
	return m
}

func (m *InspectorMetrics) Inc(p Peg) {
	m.Add(p, 1)
}

func (m *InspectorMetrics) Add(p Peg, n uint64) {
	if m == nil || p < 0 || p >= pegCount {
		return
	}
	atomic.AddUint64(&m.counts[p], n)
}

func (m *InspectorMetrics) Get(p Peg) uint64 {
	if m == nil || p < 0 || p >= pegCount {
		return 0
	}
	return atomic.LoadUint64(&m.counts[p])
}

// GetStats 返回所有计数的快照
func (m *InspectorMetrics) GetStats() map[string]interface{} {
	stats := make(map[string]interface{}, pegCount)
	for p := Peg(0); p < pegCount; p++ {
		stats[p.String()] = m.Get(p)
	}
	return stats
}

func (m *InspectorMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range m.descs {
		ch <- d
	}
}

func (m *InspectorMetrics) Collect(ch chan<- prometheus.Metric) {
	for p := Peg(0); p < pegCount; p++ {
		ch <- prometheus.MustNewConstMetric(m.descs[p], prometheus.CounterValue, float64(m.Get(p)))
	}
}
