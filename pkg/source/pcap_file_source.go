package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/sirupsen/logrus"
)

// pcapng 文件以 Section Header Block 开头
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// PcapFileSource 回放 pcap/pcapng 抓包文件
type PcapFileSource struct {
	file      *os.File
	reader    packetReader
	output    chan *types.Packet
	bpfFilter string
	done      chan struct{}
	stats     *metrics.SourceMetrics
	filename  string
}

func NewPcapFileSource(filename string, bufferSize int) (*PcapFileSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}

	reader, err := newPacketReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap file %s: %w", filename, err)
	}

	return &PcapFileSource{
		file:     f,
		reader:   reader,
		output:   make(chan *types.Packet, bufferSize),
		done:     make(chan struct{}),
		filename: filename,
		stats:    &metrics.SourceMetrics{},
	}, nil
}

func newPacketReader(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

func (s *PcapFileSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if s.bpfFilter != "" {
		// 文件回放不经过内核过滤
		logrus.Warnf("BPF filter %q ignored for file source", s.bpfFilter)
	}

	linkType := s.reader.LinkType()
	logrus.Infof("Started reading packets from file: %s (link type %s)", s.filename, linkType)

	go func() {
		defer wg.Done()
		defer close(s.output)
		defer s.file.Close()
		defer close(s.done)

		var packetCount int64
		for {
			data, ci, err := s.reader.ReadPacketData()
			if err != nil {
				if errors.Is(err, io.EOF) {
					logrus.Info("Reached end of pcap file")
					return
				}
				// 文件读取错误无法跳过，后续记录都不可信
				logrus.Warnf("Error reading packet from %s: %v", s.filename, err)
				s.stats.IncrementErrorCount()
				return
			}

			packetCount++
			pkt := &types.Packet{
				ID:        fmt.Sprintf("pkt-%d", packetCount),
				Timestamp: ci.Timestamp.UnixNano(),
				RawData:   data,
				LinkType:  linkType,
			}

			select {
			case s.output <- pkt:
			case <-ctx.Done():
				logrus.Info("Stopping packet reading due to context cancellation")
				return
			}

			s.stats.IncrementPacketsCaptured()
			s.stats.AddBytesProcessed(uint64(len(data)))
		}
	}()

	return nil
}

func (s *PcapFileSource) Output() <-chan *types.Packet {
	return s.output
}

func (s *PcapFileSource) SetFilter(filter string) error {
	s.bpfFilter = filter
	return nil
}

func (s *PcapFileSource) GetStats() *metrics.SourceMetrics {
	return s.stats
}

// WaitForCompletion 文件读完后关闭
func (s *PcapFileSource) WaitForCompletion() <-chan struct{} {
	return s.done
}
