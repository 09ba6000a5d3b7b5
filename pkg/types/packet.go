package types

import (
	"net/netip"
	"unsafe"

	"github.com/google/gopacket/layers"
	"github.com/haolipeng/network_mapping/pkg/host"
)

// Packet 表示处理流水线中传递的数据包。
// 流水线扮演宿主引擎，Packet 就是交给检测插件的宿主句柄。
type Packet struct {
	ID         string
	Timestamp  int64
	RawData    []byte
	LinkType   layers.LinkType
	Protocol   string // 解码得到的类型名
	Error      error
	IP         bool
	TCP        bool
	IPProto    uint8
	SYN        bool
	ACK        bool
	SrcAddr    netip.AddrPort
	DstAddr    netip.AddrPort
	PayloadLen int
	FromClient bool

	Flow   *Flow    // 所属连接，非IP包为空
	Events []*Event // 处理本包时产生的事件

	typeName []byte // 以0结尾的类型名缓冲区，由宿主持有
}

// SetType 写入类型名，同时生成宿主侧的以0结尾缓冲区
func (p *Packet) SetType(name string) {
	p.Protocol = name
	p.typeName = NewHostString(name)
}

// SetRawType 直接写入原始字节，用于模拟宿主返回的异常数据
func (p *Packet) SetRawType(raw []byte) {
	p.Protocol = string(raw)
	p.typeName = append(append([]byte{}, raw...), 0)
}

func (p *Packet) IsFromClientOriginally() bool {
	return p.FromClient
}

func (p *Packet) HasIP() bool {
	return p.IP
}

func (p *Packet) IsTCP() bool {
	return p.TCP
}

func (p *Packet) Type() unsafe.Pointer {
	if len(p.typeName) == 0 {
		return nil
	}
	return unsafe.Pointer(&p.typeName[0])
}

func (p *Packet) Src() netip.AddrPort {
	return p.SrcAddr
}

func (p *Packet) Dst() netip.AddrPort {
	return p.DstAddr
}

// Raise 记录处理本包时产生的事件
func (p *Packet) Raise(id host.EventID) {
	p.Events = append(p.Events, &Event{ID: id, Flow: p.Flow, Packet: p})
}

// Stage 表示处理阶段的状态
type Stage int

const (
	StageProtocolParsing       Stage = iota + 1 //协议解析
	StageFlowTracking                           //连接跟踪
	StageServiceIdentification                  //服务识别
)

func (s Stage) String() string {
	switch s {
	case StageProtocolParsing:
		return "protocol_parsing"
	case StageFlowTracking:
		return "flow_tracking"
	case StageServiceIdentification:
		return "service_identification"
	default:
		return "unknown"
	}
}

// NewHostString 生成宿主风格的以0结尾的字节缓冲区
func NewHostString(s string) []byte {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return buf
}
