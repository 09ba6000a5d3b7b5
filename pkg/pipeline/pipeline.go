package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haolipeng/network_mapping/pkg/config"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	StatusInitialized = "initialized"
	StatusStarting    = "starting"
	StatusRunning     = "running"
	StatusFinished    = "finished"
	StatusStopping    = "stopping"
	StatusStopped     = "stopped"
)

type pipeline struct {
	source     Source
	processors []Processor
	sink       Sink
	running    bool
	mu         sync.Mutex
	errChan    chan error
	status     string
	metrics    map[string]*metrics.ProcessorMetrics
	config     *config.Config
	startTime  time.Time
	wg         sync.WaitGroup // 跟踪数据源、处理器和sink的goroutine
	sinkDone   chan struct{}
}

func NewPipeline() Pipeline {
	return &pipeline{
		processors: make([]Processor, 0),
		errChan:    make(chan error, 1),
		metrics:    make(map[string]*metrics.ProcessorMetrics),
		status:     StatusInitialized,
	}
}

func (p *pipeline) AddProcessor(processor Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("cannot add processor while pipeline is running")
	}

	p.processors = append(p.processors, processor)
	// 按Stage排序处理器
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Stage() < p.processors[j].Stage()
	})

	return nil
}

func (p *pipeline) SetSource(source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

func (p *pipeline) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("pipeline already running"))
	}
	if p.source == nil || p.sink == nil {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("source and sink are required"))
	}

	p.wg = sync.WaitGroup{}
	p.running = true
	p.startTime = time.Now()
	p.status = StatusStarting
	p.metrics = make(map[string]*metrics.ProcessorMetrics)
	p.errChan = make(chan error, 100)
	p.sinkDone = make(chan struct{})
	errChan := p.errChan

	for _, proc := range p.processors {
		if mp, ok := proc.(MetricsProvider); ok {
			p.metrics[proc.Name()] = mp.Metrics()
		} else {
			p.metrics[proc.Name()] = &metrics.ProcessorMetrics{}
		}
	}
	p.mu.Unlock()

	logrus.Info("Starting pipeline")

	go p.handleErrors(ctx, errChan)

	var input <-chan *types.Packet = p.source.Output()
	var err error

	p.wg.Add(len(p.processors))
	for _, proc := range p.processors {
		logrus.Debugf("Starting processor at stage: %v", proc.Stage())
		// 前一个stage阶段处理器的处理结果直接传递给下一个stage阶段的处理器
		input, err = proc.Process(ctx, input, &p.wg)
		if err != nil {
			logrus.Errorf("Failed to start processor at stage %v: %v", proc.Stage(), err)
			return p.abortStart(types.NewPipelineError(proc.Stage().String(), err))
		}
	}

	// 1. 首先检查所有处理器是否就绪
	processorReady := make(chan error, 1)
	go func() {
		for _, processor := range p.processors {
			if err := processor.CheckReady(); err != nil {
				processorReady <- fmt.Errorf("processor %s not ready: %w", processor.Name(), err)
				return
			}
		}
		close(processorReady)
	}()

	// 2. 等待处理器就绪，设置超时
	select {
	case err, ok := <-processorReady:
		if ok {
			return p.abortStart(types.NewPipelineError("start", err))
		}
		logrus.Debug("All processors are ready")
	case <-time.After(10 * time.Second):
		return p.abortStart(types.NewPipelineError("start", fmt.Errorf("timeout waiting for processors to be ready")))
	}

	logrus.Info("All processors have started successfully")

	// 3. 处理器就绪后，再启动sink
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.sinkDone)
		if err := p.sink.Consume(ctx, input); err != nil {
			logrus.Errorf("Sink error: %v", err)
			p.reportError(fmt.Errorf("sink error: %w", err))
		}
	}()

	// 4. 等待sink就绪
	select {
	case <-p.sink.Ready():
		logrus.Debug("Sink is ready")
	case <-time.After(5 * time.Second):
		return p.abortStart(types.NewPipelineError("start", fmt.Errorf("timeout waiting for sink to be ready")))
	}

	logrus.Info("Sink have started successfully")

	// 5. 最后启动数据源，开始数据流转
	p.wg.Add(1)
	if err := p.source.Start(ctx, &p.wg); err != nil {
		p.wg.Done()
		logrus.Errorf("Failed to start source: %v", err)
		return p.abortStart(types.NewPipelineError("source", err))
	}

	logrus.Info("Data Source have started successfully")

	p.mu.Lock()
	p.status = StatusRunning
	p.mu.Unlock()
	logrus.Info("Pipeline is now running")
	return nil
}

// abortStart 启动失败时恢复到可以重新启动的状态，并停止错误处理goroutine。
// 已经启动的处理器由调用方取消context结束。
func (p *pipeline) abortStart(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.status = StatusInitialized
	if p.errChan != nil {
		close(p.errChan)
		p.errChan = nil
	}
	return err
}

// Wait 阻塞到sink处理完最后一个数据包
func (p *pipeline) Wait() {
	p.mu.Lock()
	done := p.sinkDone
	p.mu.Unlock()
	if done == nil {
		return
	}
	<-done

	p.mu.Lock()
	if p.status == StatusRunning {
		p.status = StatusFinished
	}
	p.mu.Unlock()
}

func (p *pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}

	p.status = StatusStopping
	logrus.Info("Pipeline stopping...")

	p.running = false

	// 等待所有goroutine完成，调用方应先取消context
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("All processors completed gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Timeout waiting for processors to complete")
	}

	// 关闭错误通道，停止错误处理 goroutine
	if p.errChan != nil {
		close(p.errChan)
		p.errChan = nil
	}

	// 清理处理器资源
	for _, processor := range p.processors {
		if cleaner, ok := processor.(interface{ Cleanup() error }); ok {
			if err := cleaner.Cleanup(); err != nil {
				logrus.Errorf("Error cleaning up processor %s: %v", processor.Name(), err)
			}
		}
	}

	p.status = StatusStopped
	logrus.Info("Pipeline stopped and cleaned up")
	return nil
}

func (p *pipeline) reportError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errChan == nil {
		return
	}
	select {
	case p.errChan <- err:
	default:
		logrus.Warnf("Pipeline error channel full, dropping: %v", err)
	}
}

func (p *pipeline) handleErrors(ctx context.Context, errChan <-chan error) {
	logrus.Debug("Starting error handler")
	for {
		select {
		case err, ok := <-errChan:
			if !ok {
				logrus.Debug("Error channel closed, stopping error handler")
				return
			}
			logrus.Errorf("Pipeline error: %v", err)
		case <-ctx.Done():
			logrus.Debug("Context cancelled, stopping error handler")
			return
		}
	}
}

// GetStats 返回流水线运行状态和各处理器指标
func (p *pipeline) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	procStats := make(map[string]interface{}, len(p.metrics))
	for name, m := range p.metrics {
		procStats[name] = m.GetStats()
	}

	uptime := time.Duration(0)
	if !p.startTime.IsZero() {
		uptime = time.Since(p.startTime)
	}

	stats := map[string]interface{}{
		"status":     p.status,
		"uptime":     uptime.String(),
		"processors": len(p.processors),
		"metrics":    procStats,
	}
	if p.config != nil {
		stats["source_file"] = p.config.Source.Filename
		stats["buffer_size"] = p.config.Pipeline.BufferSize
	}
	if sp, ok := p.source.(interface {
		GetStats() *metrics.SourceMetrics
	}); ok {
		stats["source"] = sp.GetStats().GetStats()
	}
	return stats
}

// SetConfig 实现Pipeline接口的SetConfig方法
func (p *pipeline) SetConfig(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return types.NewPipelineError("config", fmt.Errorf("cannot set config while pipeline is running"))
	}

	if err := cfg.Validate(); err != nil {
		return types.NewPipelineError("config", err)
	}

	p.config = cfg
	return nil
}

// Status 实现Pipeline接口的Status方法
func (p *pipeline) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
