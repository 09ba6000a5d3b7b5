package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/haolipeng/network_mapping/pkg/config"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type fileState int

const (
	stateInitial fileState = iota // 还没有打开文件
	stateOpen                     // 文件已打开可写
	stateFull                     // 当前文件写满，下次写入时切换
	stateAborted                  // 打开失败，不再写文件
)

// FileSink 报告日志文件。
// lines 模式下按行数切割，文件名为基础名加毫秒时间戳；size 模式交给 lumberjack 按大小切割。
type FileSink struct {
	mu sync.Mutex

	baseFilename string
	rotate       bool
	mode         string
	maxLines     int
	flushLines   int
	maxSizeMB    int
	maxBackups   int

	state       fileState
	out         io.WriteCloser
	w           *bufio.Writer
	curFileName string
	linesInFile int
	sinceFlush  int

	pegs *metrics.InspectorMetrics
	now  func() time.Time
}

// NewFileSink 根据配置创建报告文件，文件在第一次写入时才打开
func NewFileSink(cfg *config.Config, pegs *metrics.InspectorMetrics) (*FileSink, error) {
	ic := cfg.Inspector
	if ic.LogFile == "" {
		return nil, fmt.Errorf("inspector log_file is required")
	}

	return &FileSink{
		baseFilename: ic.LogFile,
		rotate:       ic.SizeRotate,
		mode:         ic.RotateMode,
		maxLines:     ic.MaxLines,
		flushLines:   ic.FlushLines,
		maxSizeMB:    ic.MaxSizeMB,
		maxBackups:   ic.MaxBackups,
		pegs:         pegs,
		now:          time.Now,
	}, nil
}

func (s *FileSink) open() error {
	if s.mode == config.RotateModeSize {
		lj := &lumberjack.Logger{
			Filename:   s.baseFilename,
			MaxSize:    s.maxSizeMB,
			MaxBackups: s.maxBackups,
		}
		// lumberjack 在第一次 Write 时才打开文件，空写入让打开失败在这里暴露
		if _, err := lj.Write(nil); err != nil {
			return err
		}
		s.curFileName = s.baseFilename
		s.out = lj
	} else {
		filename := s.baseFilename
		if s.rotate {
			filename += strconv.FormatInt(s.now().UnixMilli(), 10)
		}

		// 追加模式，避免覆盖其他进程写入的内容
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		s.curFileName = filename
		s.out = f
	}

	s.w = bufio.NewWriter(s.out)
	s.linesInFile = 0
	s.sinceFlush = 0
	s.pegs.Inc(metrics.PegFiles)

	logrus.Infof("Opened report file: %s", s.curFileName)
	return nil
}

func (s *FileSink) closeCurrent() {
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			logrus.Errorf("Failed to flush report file %s: %v", s.curFileName, err)
		}
	}
	if s.out != nil {
		if err := s.out.Close(); err != nil {
			logrus.Errorf("Failed to close report file %s: %v", s.curFileName, err)
		}
	}
	s.w = nil
	s.out = nil
}

// Report 写入一行，内部加锁，并发写入的行不会交错
func (s *FileSink) Report(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateAborted:
		return types.ErrSinkClosed
	case stateFull:
		s.closeCurrent()
		s.state = stateInitial
	}

	if s.state == stateInitial {
		if err := s.open(); err != nil {
			logrus.Errorf("Failed to open report file, giving up: %v", err)
			s.state = stateAborted
			return types.ErrSinkClosed
		}
		s.state = stateOpen
	}

	if _, err := s.w.WriteString(line); err != nil {
		s.state = stateFull
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		s.state = stateFull
		return err
	}

	s.pegs.Inc(metrics.PegLines)
	s.linesInFile++
	s.sinceFlush++

	if s.mode != config.RotateModeSize && s.rotate && s.linesInFile >= s.maxLines {
		s.state = stateFull
	} else if s.sinceFlush >= s.flushLines {
		if err := s.w.Flush(); err != nil {
			s.state = stateFull
			return err
		}
		s.sinceFlush = 0
	}
	return nil
}

// CurrentFile 当前正在写的文件名
func (s *FileSink) CurrentFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curFileName
}

// Close 刷新并关闭文件，之后的写入会重新打开新文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateOpen || s.state == stateFull {
		s.closeCurrent()
		s.state = stateInitial
	}
	return nil
}
