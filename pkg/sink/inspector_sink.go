package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/pipeline"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/sirupsen/logrus"
)

// PacketInspector 每个数据包调用一次的插件入口
type PacketInspector interface {
	EvalPacket(pkt host.Packet)
}

// InspectorSink 流水线的最后一级，扮演宿主把数据包和事件交给检测插件。
// 同一连接的数据包总是落在同一个worker上，按到达顺序处理；不同连接并发处理。
type InspectorSink struct {
	inspector PacketInspector
	bus       *pipeline.EventBus
	workers   int
	buffer    int
	ready     chan struct{}
	metrics   *metrics.ProcessorMetrics
}

func NewInspectorSink(inspector PacketInspector, bus *pipeline.EventBus, workers, buffer int) *InspectorSink {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &InspectorSink{
		inspector: inspector,
		bus:       bus,
		workers:   workers,
		buffer:    buffer,
		ready:     make(chan struct{}),
		metrics:   &metrics.ProcessorMetrics{},
	}
}

func (s *InspectorSink) Ready() <-chan struct{} {
	return s.ready
}

func (s *InspectorSink) Metrics() *metrics.ProcessorMetrics {
	return s.metrics
}

func (s *InspectorSink) Consume(ctx context.Context, in <-chan *types.Packet) error {
	queues := make([]chan *types.Packet, s.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan *types.Packet, s.buffer)
		wg.Add(1)
		go func(workerID int, q <-chan *types.Packet) {
			defer wg.Done()
			logrus.Debugf("Inspector worker %d started", workerID)
			for pkt := range q {
				s.dispatch(pkt)
			}
			logrus.Debugf("Inspector worker %d finished", workerID)
		}(i, queues[i])
	}
	close(s.ready)

	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Inspector sink stopping due to context cancellation")
			return nil
		case pkt, ok := <-in:
			if !ok {
				logrus.Debug("Inspector sink: input channel closed")
				return nil
			}
			if pkt == nil {
				continue
			}

			var idx uint64
			if pkt.Flow != nil {
				idx = uint64(pkt.Flow.Key.Hash())
			} else {
				idx = seq
				seq++
			}

			select {
			case queues[idx%uint64(len(queues))] <- pkt:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// dispatch 先调用包回调，再按产生顺序发布本包带出的事件，每次回调单独恢复
func (s *InspectorSink) dispatch(pkt *types.Packet) {
	if pkt.Error != nil {
		s.metrics.IncrementDropped()
		return
	}
	s.metrics.IncrementProcessed()

	s.call("eval_packet", pkt.ID, func() {
		s.inspector.EvalPacket(pkt)
	})

	if s.bus == nil {
		return
	}
	for _, evt := range pkt.Events {
		var flow host.Flow
		if evt.Flow != nil {
			flow = evt.Flow
		}
		evt := evt
		s.call("handle_event", pkt.ID, func() {
			if n := s.bus.Publish(evt.ID, evt, flow); n > 0 {
				s.metrics.IncrementEvents()
			}
		})
	}
}

// call 插件中止回调时记录日志并继续处理后续数据
func (s *InspectorSink) call(callback, pktID string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var inspectErr *types.InspectError
		if err, ok := r.(error); ok && errors.As(err, &inspectErr) {
			logrus.WithField("packet", pktID).Warnf("Callback aborted: %v", err)
			return
		}
		logrus.WithFields(logrus.Fields{
			"packet":   pktID,
			"callback": callback,
		}).Errorf("Unexpected panic in inspector callback: %v", r)
	}()
	fn()
}
