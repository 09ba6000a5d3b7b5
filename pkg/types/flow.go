package types

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/haolipeng/network_mapping/pkg/host"
)

// FlowKey 双向连接的五元组，两端按地址排序，正反方向得到同一个键
type FlowKey struct {
	Lo    netip.AddrPort
	Hi    netip.AddrPort
	Proto uint8
}

// NewFlowKey 根据一个方向的地址生成规范化的键
func NewFlowKey(src, dst netip.AddrPort, proto uint8) FlowKey {
	if src.Compare(dst) > 0 {
		src, dst = dst, src
	}
	return FlowKey{Lo: src, Hi: dst, Proto: proto}
}

// Hash 用于把同一连接分配到同一个worker
func (k FlowKey) Hash() uint32 {
	d := xxhash.New()
	lo, _ := k.Lo.MarshalBinary()
	hi, _ := k.Hi.MarshalBinary()
	_, _ = d.Write(lo)
	_, _ = d.Write(hi)
	_, _ = d.Write([]byte{k.Proto})
	return uint32(d.Sum64())
}

// Flow 宿主持有的连接
type Flow struct {
	Key FlowKey

	mu      sync.RWMutex
	client  netip.AddrPort
	server  netip.AddrPort
	packets uint64

	service atomic.Pointer[[]byte] // 以0结尾的服务名缓冲区
}

// NewFlow 创建连接，client 为最先看到的一端。未识别服务时服务名为空串而不是空指针。
func NewFlow(key FlowKey, client, server netip.AddrPort) *Flow {
	f := &Flow{Key: key, client: client, server: server}
	empty := NewHostString("")
	f.service.Store(&empty)
	return f
}

func (f *Flow) Client() netip.AddrPort {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.client
}

func (f *Flow) Server() netip.AddrPort {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.server
}

// Observe 记录一个数据包并返回它是否来自客户端。
// 如果服务端一侧发出不带ACK的SYN，说明最初看到的方向是错的，交换两端。
func (f *Flow) Observe(src netip.AddrPort, syn, ack bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.packets++
	if syn && !ack && src == f.server {
		f.client, f.server = f.server, f.client
	}
	return src == f.client
}

// Packets 已观察到的数据包数量
func (f *Flow) Packets() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.packets
}

// SetService 写入识别出的服务名，服务名变化时返回 true。
// 旧缓冲区不会被修改，已借出的指针在回调期间仍然有效。
func (f *Flow) SetService(name string) bool {
	if cur := f.service.Load(); cur != nil && string((*cur)[:len(*cur)-1]) == name {
		return false
	}
	buf := NewHostString(name)
	f.service.Store(&buf)
	return true
}

// SetRawService 直接写入原始字节，用于模拟宿主返回的异常数据
func (f *Flow) SetRawService(raw []byte) {
	buf := append(append([]byte{}, raw...), 0)
	f.service.Store(&buf)
}

// Service 返回当前服务名，仅用于日志
func (f *Flow) Service() string {
	cur := f.service.Load()
	if cur == nil {
		return ""
	}
	return string((*cur)[:len(*cur)-1])
}

// ServiceBuffer 返回宿主侧的服务名缓冲区
func (f *Flow) ServiceBuffer() unsafe.Pointer {
	cur := f.service.Load()
	if cur == nil {
		return nil
	}
	return unsafe.Pointer(&(*cur)[0])
}

// LookupService 宿主的服务名查询函数
func LookupService(flow host.Flow) unsafe.Pointer {
	f, ok := flow.(*Flow)
	if !ok || f == nil {
		return nil
	}
	return f.ServiceBuffer()
}

// Event 宿主事件
type Event struct {
	ID     host.EventID
	Flow   *Flow
	Packet *Packet
}

func (e *Event) EventID() host.EventID {
	return e.ID
}
