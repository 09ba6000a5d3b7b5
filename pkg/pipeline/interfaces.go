package pipeline

import (
	"context"
	"sync"

	"github.com/haolipeng/network_mapping/pkg/config"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/types"
)

// Source 定义数据源接口
type Source interface {
	// Start 启动数据源，读取结束后关闭输出channel并调用 wg.Done
	Start(ctx context.Context, wg *sync.WaitGroup) error
	// Output 返回数据输出channel
	Output() <-chan *types.Packet
	// SetFilter 设置数据包过滤器
	SetFilter(filter string) error
}

// Processor 定义数据处理器接口
type Processor interface {
	// Process 处理数据包，处理结束后调用 wg.Done
	Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error)
	// Stage 返回处理器所属阶段
	Stage() types.Stage
	// Name 返回处理器的名称
	Name() string
	// CheckReady 检查处理器是否就绪
	CheckReady() error
}

// MetricsProvider 可选接口，处理器自己维护指标时实现
type MetricsProvider interface {
	Metrics() *metrics.ProcessorMetrics
}

// Sink 定义数据输出接口
type Sink interface {
	// Consume 消费处理后的数据包，输入channel关闭且全部处理完后返回
	Consume(ctx context.Context, in <-chan *types.Packet) error
	// Ready 返回就绪信号channel
	Ready() <-chan struct{}
}

// Pipeline 定义处理流水线接口
type Pipeline interface {
	// AddProcessor 添加处理器
	AddProcessor(processor Processor) error
	// SetSource 设置数据源
	SetSource(source Source)
	// SetSink 设置数据输出
	SetSink(sink Sink)
	// Start 启动流水线
	Start(ctx context.Context) error
	// Wait 等待数据全部流过流水线
	Wait()
	// Stop 停止流水线
	Stop() error
	// GetStats 获取流水线运行状态
	GetStats() map[string]interface{}
	// SetConfig 设置流水线配置
	SetConfig(*config.Config) error
	// Status 返回流水线状态
	Status() string
}
