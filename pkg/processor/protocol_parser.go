package processor

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/sirupsen/logrus"
)

// 解码后写入宿主缓冲区的类型名
const (
	TypeTCP   = "tcp"
	TypeUDP   = "udp"
	TypeICMP  = "icmp"
	TypeARP   = "arp"
	TypeIP    = "ip"
	TypeOther = "other"
)

// ProtocolParser 解码原始帧，填充数据包的IP/TCP属性、地址和类型名
type ProtocolParser struct {
	workers int
	metrics *metrics.ProcessorMetrics
}

// NewProtocolParser 多个worker会打乱数据包顺序，连接跟踪依赖先后顺序时使用1个worker
func NewProtocolParser(workers int) *ProtocolParser {
	if workers <= 0 {
		workers = 1
	}
	return &ProtocolParser{
		workers: workers,
		metrics: &metrics.ProcessorMetrics{},
	}
}

func (p *ProtocolParser) Stage() types.Stage {
	return types.StageProtocolParsing
}

func (p *ProtocolParser) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, 1000)
	logrus.Debugf("Starting ProtocolParser with %d workers", p.workers)

	var workers sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workers.Add(1)
		go func(workerID int) {
			defer workers.Done()
			logrus.Debugf("Protocol parser worker %d started", workerID)
			for {
				select {
				case <-ctx.Done():
					logrus.Debugf("Protocol parser worker %d stopping due to context cancellation", workerID)
					return
				case packet, ok := <-in:
					if !ok {
						logrus.Debugf("Protocol parser worker %d: input channel closed", workerID)
						return
					}

					if packet == nil {
						logrus.Warnf("Protocol parser worker %d received nil packet", workerID)
						continue
					}

					begin := time.Now()
					Decode(packet)
					p.metrics.IncrementProcessed()
					p.metrics.AddProcessingTime(time.Since(begin))

					select {
					case out <- packet:
					case <-ctx.Done():
						logrus.Warnf("Worker %d: context cancelled while sending packet", workerID)
						return
					}
				}
			}
		}(i)
	}

	go func() {
		workers.Wait()
		close(out)
		wg.Done()
	}()

	return out, nil
}

// Decode 解码一个数据包。解码出错的部分只记录日志，能识别多少层就用多少层。
func Decode(packet *types.Packet) {
	parsed := gopacket.NewPacket(packet.RawData, packet.LinkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if errLayer := parsed.ErrorLayer(); errLayer != nil {
		logrus.Debugf("Packet %s decoded with error: %v", packet.ID, errLayer.Error())
	}

	var srcIP, dstIP netip.Addr
	switch {
	case parsed.Layer(layers.LayerTypeIPv4) != nil:
		ip := parsed.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		packet.IP = true
		packet.IPProto = uint8(ip.Protocol)
		srcIP, _ = netip.AddrFromSlice(ip.SrcIP)
		dstIP, _ = netip.AddrFromSlice(ip.DstIP)
	case parsed.Layer(layers.LayerTypeIPv6) != nil:
		ip := parsed.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		packet.IP = true
		packet.IPProto = uint8(ip.NextHeader)
		srcIP, _ = netip.AddrFromSlice(ip.SrcIP)
		dstIP, _ = netip.AddrFromSlice(ip.DstIP)
	}

	var srcPort, dstPort uint16
	typeName := TypeOther
	switch {
	case parsed.Layer(layers.LayerTypeTCP) != nil:
		tcp := parsed.Layer(layers.LayerTypeTCP).(*layers.TCP)
		typeName = TypeTCP
		packet.TCP = true
		packet.SYN = tcp.SYN
		packet.ACK = tcp.ACK
		packet.IPProto = uint8(layers.IPProtocolTCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		packet.PayloadLen = len(tcp.Payload)
	case parsed.Layer(layers.LayerTypeUDP) != nil:
		udp := parsed.Layer(layers.LayerTypeUDP).(*layers.UDP)
		typeName = TypeUDP
		packet.IPProto = uint8(layers.IPProtocolUDP)
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		packet.PayloadLen = len(udp.Payload)
	case parsed.Layer(layers.LayerTypeICMPv4) != nil, parsed.Layer(layers.LayerTypeICMPv6) != nil:
		typeName = TypeICMP
	case parsed.Layer(layers.LayerTypeARP) != nil:
		typeName = TypeARP
	case packet.IP:
		typeName = TypeIP
	}

	if packet.IP {
		packet.SrcAddr = netip.AddrPortFrom(srcIP.Unmap(), srcPort)
		packet.DstAddr = netip.AddrPortFrom(dstIP.Unmap(), dstPort)
	}
	packet.SetType(typeName)

	logrus.Debugf("Parsed packet %s: type=%s src=%s dst=%s", packet.ID, typeName, packet.SrcAddr, packet.DstAddr)
}

func (p *ProtocolParser) Name() string {
	return "ProtocolParser"
}

func (p *ProtocolParser) CheckReady() error {
	return nil
}

func (p *ProtocolParser) Metrics() *metrics.ProcessorMetrics {
	return p.metrics
}
