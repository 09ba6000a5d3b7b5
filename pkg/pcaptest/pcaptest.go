// Package pcaptest 生成测试用的以太网帧和抓包文件
package pcaptest

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	clientMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	serverMAC = net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}
)

// Frame 描述一个要生成的数据包
type Frame struct {
	Proto   string // tcp, udp, icmp, arp
	Src     netip.AddrPort
	Dst     netip.AddrPort
	SYN     bool
	ACK     bool
	Payload []byte
}

func TCP(src, dst string, syn, ack bool, payload []byte) Frame {
	return Frame{Proto: "tcp", Src: netip.MustParseAddrPort(src), Dst: netip.MustParseAddrPort(dst), SYN: syn, ACK: ack, Payload: payload}
}

func UDP(src, dst string, payload []byte) Frame {
	return Frame{Proto: "udp", Src: netip.MustParseAddrPort(src), Dst: netip.MustParseAddrPort(dst), Payload: payload}
}

func ICMP(src, dst string) Frame {
	return Frame{Proto: "icmp", Src: netip.AddrPortFrom(netip.MustParseAddr(src), 0), Dst: netip.AddrPortFrom(netip.MustParseAddr(dst), 0)}
}

func ARP(src, dst string) Frame {
	return Frame{Proto: "arp", Src: netip.AddrPortFrom(netip.MustParseAddr(src), 0), Dst: netip.AddrPortFrom(netip.MustParseAddr(dst), 0)}
}

// Build 序列化为以太网帧，自动计算长度和校验和
func Build(f Frame) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	buf := gopacket.NewSerializeBuffer()

	if f.Proto == "arp" {
		eth.EthernetType = layers.EthernetTypeARP
		src, dst := f.Src.Addr().As4(), f.Dst.Addr().As4()
		arp := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   clientMAC,
			SourceProtAddress: src[:],
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    dst[:],
		}
		if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	var netLayer gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if f.Src.Addr().Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version: 4,
			TTL:     64,
			SrcIP:   f.Src.Addr().AsSlice(),
			DstIP:   f.Dst.Addr().AsSlice(),
		}
		netLayer, ipLayer = ip, ip
		switch f.Proto {
		case "tcp":
			ip.Protocol = layers.IPProtocolTCP
		case "udp":
			ip.Protocol = layers.IPProtocolUDP
		case "icmp":
			ip.Protocol = layers.IPProtocolICMPv4
		default:
			return nil, fmt.Errorf("unsupported protocol: %s", f.Proto)
		}
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:  6,
			HopLimit: 64,
			SrcIP:    f.Src.Addr().AsSlice(),
			DstIP:    f.Dst.Addr().AsSlice(),
		}
		netLayer, ipLayer = ip, ip
		switch f.Proto {
		case "tcp":
			ip.NextHeader = layers.IPProtocolTCP
		case "udp":
			ip.NextHeader = layers.IPProtocolUDP
		case "icmp":
			ip.NextHeader = layers.IPProtocolICMPv6
		default:
			return nil, fmt.Errorf("unsupported protocol: %s", f.Proto)
		}
	}

	stack := []gopacket.SerializableLayer{eth, ipLayer}
	switch f.Proto {
	case "tcp":
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(f.Src.Port()),
			DstPort: layers.TCPPort(f.Dst.Port()),
			SYN:     f.SYN,
			ACK:     f.ACK,
			PSH:     len(f.Payload) > 0,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		stack = append(stack, tcp)
	case "udp":
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(f.Src.Port()),
			DstPort: layers.UDPPort(f.Dst.Port()),
		}
		if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		stack = append(stack, udp)
	case "icmp":
		if f.Src.Addr().Is4() {
			stack = append(stack, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1})
		} else {
			icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
			if err := icmp.SetNetworkLayerForChecksum(netLayer); err != nil {
				return nil, err
			}
			stack = append(stack, icmp)
		}
	}
	if len(f.Payload) > 0 {
		stack = append(stack, gopacket.Payload(f.Payload))
	}

	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile 把帧依次写入 pcap 文件，时间戳从 start 开始每帧加1毫秒
func WriteFile(path string, start time.Time, frames ...Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return err
	}
	for i, frame := range frames {
		data, err := Build(frame)
		if err != nil {
			return fmt.Errorf("build frame %d: %w", i, err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			return err
		}
	}
	return nil
}

// WriteNgFile 同 WriteFile，输出 pcapng 格式
func WriteNgFile(path string, start time.Time, frames ...Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		return err
	}
	for i, frame := range frames {
		data, err := Build(frame)
		if err != nil {
			return fmt.Errorf("build frame %d: %w", i, err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:      start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength:  len(data),
			Length:         len(data),
			InterfaceIndex: 0,
		}
		if err := w.WritePacket(ci, data); err != nil {
			return err
		}
	}
	return w.Flush()
}
