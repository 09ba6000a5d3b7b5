// Package host 定义插件从宿主检测引擎消费的接口。
// 所有句柄都是借用的，只在一次回调期间有效，插件不得保存。
package host

import (
	"net/netip"
	"unsafe"
)

// Packet 宿主持有的数据包句柄
type Packet interface {
	// IsFromClientOriginally 数据包是否来自流的客户端（已考虑宿主的方向翻转判断）
	IsFromClientOriginally() bool
	// HasIP 数据包是否带IP层
	HasIP() bool
	// IsTCP 传输层是否为TCP
	IsTCP() bool
	// Type 返回宿主持有的以0结尾的类型名缓冲区
	Type() unsafe.Pointer
}

// Flow 宿主持有的双向连接句柄，插件只把它作为查询键传回宿主
type Flow interface{}

// DataEvent 宿主的事件通知，本插件不读取其内容
type DataEvent interface{}

// ServiceLookup 宿主提供的服务名查询函数
type ServiceLookup interface {
	// GetService 返回宿主持有的以0结尾的服务名缓冲区
	GetService(flow Flow) unsafe.Pointer
}

// ServiceLookupFunc 把普通函数适配为 ServiceLookup
type ServiceLookupFunc func(flow Flow) unsafe.Pointer

func (f ServiceLookupFunc) GetService(flow Flow) unsafe.Pointer {
	return f(flow)
}

// Endpoints 可选接口，宿主能提供数据包地址时实现
type Endpoints interface {
	Src() netip.AddrPort
	Dst() netip.AddrPort
}

// FlowEndpoints 可选接口，宿主能提供连接两端地址时实现
type FlowEndpoints interface {
	Client() netip.AddrPort
	Server() netip.AddrPort
}

// EventIdentity 可选接口，宿主能提供事件编号时实现
type EventIdentity interface {
	EventID() EventID
}
