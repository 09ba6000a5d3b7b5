// Package inspector 实现挂在宿主检测引擎上的 network_mapping 检测插件。
// 插件只有两个入口：每个数据包调用一次的 EvalPacket，和每个服务识别事件调用一次的 HandleEvent。
// 两个入口之间没有共享的可变状态，可以被宿主的多个工作线程同时调用。
package inspector

import (
	"fmt"

	"github.com/haolipeng/network_mapping/pkg/config"
	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// EventSubscriber 宿主的事件总线
type EventSubscriber interface {
	Subscribe(id host.EventID, name string, handler func(evt host.DataEvent, flow host.Flow))
}

type Inspector struct {
	name       string
	events     []host.EventID
	classifier *Classifier
	resolver   *Resolver
	pegs       *metrics.InspectorMetrics
}

// New 根据配置创建检测插件
func New(cfg *config.Config, reporter Reporter, lookup host.ServiceLookup, pegs *metrics.InspectorMetrics) (*Inspector, error) {
	if reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if lookup == nil {
		return nil, fmt.Errorf("service lookup is required")
	}

	policy, err := ParsePolicy(cfg.Inspector.OnInvalid)
	if err != nil {
		return nil, err
	}

	events := make([]host.EventID, 0, len(cfg.Inspector.Events))
	for _, name := range cfg.Inspector.Events {
		id, err := host.ParseEventID(name)
		if err != nil {
			return nil, err
		}
		events = append(events, id)
	}

	return &Inspector{
		name:       cfg.Inspector.Name,
		events:     events,
		classifier: NewClassifier(reporter, policy, pegs),
		resolver:   NewResolver(lookup, reporter, policy, pegs),
		pegs:       pegs,
	}, nil
}

func (i *Inspector) Name() string {
	return i.name
}

// EvalPacket 宿主对每个数据包的回调
func (i *Inspector) EvalPacket(pkt host.Packet) {
	if pkt == nil {
		logrus.Warnf("%s: eval called without packet", i.name)
		return
	}
	i.classifier.Evaluate(pkt)
}

// HandleEvent 宿主对每个服务识别事件的回调，没有关联连接的事件直接忽略
func (i *Inspector) HandleEvent(evt host.DataEvent, flow host.Flow) {
	if id, ok := evt.(host.EventIdentity); ok {
		logrus.Debugf("%s: event handler called(%s)", i.name, id.EventID())
	}
	if flow == nil {
		return
	}
	i.resolver.OnEvent(evt, flow)
}

// Subscribe 把 HandleEvent 注册到配置的事件上
func (i *Inspector) Subscribe(bus EventSubscriber) {
	for _, id := range i.events {
		bus.Subscribe(id, i.name, i.HandleEvent)
		logrus.Infof("%s subscribed to %s", i.name, id)
	}
}

// Stats 返回插件计数
func (i *Inspector) Stats() map[string]interface{} {
	return i.pegs.GetStats()
}
