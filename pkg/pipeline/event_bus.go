package pipeline

import (
	"sync"

	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/sirupsen/logrus"
)

// EventHandler 事件回调，evt 和 flow 只在回调期间有效
type EventHandler func(evt host.DataEvent, flow host.Flow)

type subscription struct {
	name    string
	handler EventHandler
}

// EventBus 宿主事件总线，按事件编号分发给订阅的插件
type EventBus struct {
	mu   sync.RWMutex
	subs map[host.EventID][]subscription
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[host.EventID][]subscription)}
}

// Subscribe 注册事件处理函数，同一事件可以有多个订阅者，按注册顺序调用
func (b *EventBus) Subscribe(id host.EventID, name string, handler func(evt host.DataEvent, flow host.Flow)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = append(b.subs[id], subscription{name: name, handler: handler})
	logrus.Debugf("Event %s subscribed by %s", id, name)
}

// Publish 在调用方的goroutine里同步调用所有订阅者，返回调用的订阅者数量
func (b *EventBus) Publish(id host.EventID, evt host.DataEvent, flow host.Flow) int {
	b.mu.RLock()
	subs := b.subs[id]
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(evt, flow)
	}
	return len(subs)
}

// Subscribers 返回订阅了该事件的插件名
func (b *EventBus) Subscribers(id host.EventID) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs[id]))
	for _, s := range b.subs[id] {
		names = append(names, s.name)
	}
	return names
}
