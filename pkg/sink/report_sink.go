package sink

import (
	"io"
	"sync"

	"github.com/haolipeng/network_mapping/pkg/metrics"
)

// WriterSink 把报告逐行写到任意 io.Writer，每行一次 Write，并发调用不会交错
type WriterSink struct {
	mu   sync.Mutex
	w    io.Writer
	pegs *metrics.InspectorMetrics
}

func NewWriterSink(w io.Writer, pegs *metrics.InspectorMetrics) *WriterSink {
	return &WriterSink{w: w, pegs: pegs}
}

func (s *WriterSink) Report(line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(buf); err != nil {
		return err
	}
	s.pegs.Inc(metrics.PegLines)
	return nil
}

// MemorySink 是一个用于测试的内存Sink
type MemorySink struct {
	mu    sync.Mutex
	lines []string
}

// NewMemorySink 创建一个新的内存Sink
func NewMemorySink() *MemorySink {
	return &MemorySink{lines: make([]string, 0)}
}

func (s *MemorySink) Report(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

// Lines 获取收集的结果
func (s *MemorySink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}
