package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultFlowCacheSize cache_size 未配置时的连接表容量
const DefaultFlowCacheSize = 65536

// FlowTracker 维护双向连接表并判断每个数据包的方向。
// 连接表满时淘汰最久未活动的连接；同一连接再次出现时作为新连接重新建立。
type FlowTracker struct {
	flows   gcache.Cache
	size    int
	metrics *metrics.ProcessorMetrics

	created atomic.Uint64
	evicted atomic.Uint64
}

func NewFlowTracker(cacheSize int) *FlowTracker {
	if cacheSize <= 0 {
		cacheSize = DefaultFlowCacheSize
	}
	ft := &FlowTracker{
		size:    cacheSize,
		metrics: &metrics.ProcessorMetrics{},
	}
	ft.flows = gcache.New(cacheSize).
		LRU().
		EvictedFunc(func(key, value interface{}) {
			ft.evicted.Add(1)
			logrus.Debugf("Flow %v evicted from flow table", key)
		}).
		Build()
	return ft
}

func (ft *FlowTracker) Stage() types.Stage {
	return types.StageFlowTracking
}

func (ft *FlowTracker) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, 1000)

	// 单个goroutine按到达顺序处理，保证“最先看到的一端是客户端”
	go func() {
		defer wg.Done()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Flow tracker stopping due to context cancellation")
				return
			case packet, ok := <-in:
				if !ok {
					logrus.Debug("Flow tracker: input channel closed")
					return
				}
				if packet == nil {
					continue
				}

				begin := time.Now()
				ft.Track(packet)
				ft.metrics.IncrementProcessed()
				ft.metrics.AddProcessingTime(time.Since(begin))

				select {
				case out <- packet:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Track 把数据包关联到连接上，设置方向并在新连接时产生 FlowStateSetup 事件。
// 非IP数据包没有连接，产生 PktWithoutFlow 事件。
func (ft *FlowTracker) Track(packet *types.Packet) {
	if !packet.IP || packet.Error != nil {
		packet.Raise(host.PktWithoutFlow)
		ft.metrics.IncrementEvents()
		return
	}

	key := types.NewFlowKey(packet.SrcAddr, packet.DstAddr, packet.IPProto)

	var flow *types.Flow
	value, err := ft.flows.Get(key)
	switch {
	case err == nil:
		flow = value.(*types.Flow)
	case errors.Is(err, gcache.KeyNotFoundError):
		flow = types.NewFlow(key, packet.SrcAddr, packet.DstAddr)
		if err := ft.flows.Set(key, flow); err != nil {
			logrus.Warnf("Failed to store flow %v: %v", key, err)
		}
		ft.created.Add(1)
	default:
		logrus.Warnf("Flow table lookup failed for %v: %v", key, err)
		packet.Raise(host.PktWithoutFlow)
		ft.metrics.IncrementEvents()
		return
	}

	packet.Flow = flow
	packet.FromClient = flow.Observe(packet.SrcAddr, packet.SYN, packet.ACK)

	if flow.Packets() == 1 {
		packet.Raise(host.FlowStateSetup)
		ft.metrics.IncrementEvents()
	}
}

// Flows 当前连接表中的连接数
func (ft *FlowTracker) Flows() int {
	return ft.flows.Len(false)
}

// GetStats 连接表统计
func (ft *FlowTracker) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"capacity": ft.size,
		"active":   ft.flows.Len(false),
		"created":  ft.created.Load(),
		"evicted":  ft.evicted.Load(),
	}
}

func (ft *FlowTracker) Name() string {
	return "FlowTracker"
}

func (ft *FlowTracker) CheckReady() error {
	if ft.flows == nil {
		return types.ErrProcessorNotReady
	}
	return nil
}

func (ft *FlowTracker) Metrics() *metrics.ProcessorMetrics {
	return ft.metrics
}

// Cleanup 清空连接表
func (ft *FlowTracker) Cleanup() error {
	ft.flows.Purge()
	return nil
}
