package main

import (
	"os"
	"path"
	"runtime"
	"strings"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/network_mapping/pkg/config"
)

// InitLogger 初始化运行日志，日志按时间切割写入 cfg.Log.Dir
func InitLogger(cfg *config.Config) error {
	// 使用配置文件中的设置
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	logrus.SetFormatter(formatter)

	var level logrus.Level
	var err error
	var logWriter *rotates.RotateLogs

	switch strings.ToUpper(cfg.Log.Level) {
	case "DEBUG":
		level = logrus.DebugLevel
	case "WARN":
		level = logrus.WarnLevel
	case "INFO":
		level = logrus.InfoLevel
	case "ERROR":
		level = logrus.ErrorLevel
	case "FATAL":
		level = logrus.FatalLevel
	case "PANIC":
		level = logrus.PanicLevel
	default:
		level = logrus.WarnLevel //默认
	}

	//1、判断文件路径和文件是否存在，不存在则创建
	if _, err := os.Stat(cfg.Log.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
			return err
		}
	}
	logFileName := path.Join(cfg.Log.Dir, cfg.Log.Filename)

	//2、判断是否设置日志级别，默认为WARN级别
	if level < logrus.PanicLevel || level > logrus.TraceLevel {
		logrus.Errorln("init log failed,level not supported!")
		logrus.SetLevel(logrus.WarnLevel)
	} else {
		logrus.SetLevel(level)
	}

	//3、日志切割功能，按时间来切割
	maxAge := time.Duration(cfg.Log.MaxAge) * time.Hour
	rotationTime := time.Duration(cfg.Log.RotateTime) * time.Hour
	if runtime.GOOS == "windows" {
		logWriter, err = rotates.New(
			logFileName+".%Y%m%d%H%M",
			rotates.WithMaxAge(maxAge),             //文件最大保存时间
			rotates.WithRotationTime(rotationTime), //文件切割间隔
		)
	} else {
		logWriter, err = rotates.New(
			logFileName+".%Y%m%d%H%M",
			rotates.WithLinkName(logFileName),      //文件软链接
			rotates.WithMaxAge(maxAge),             //文件最大保存时间
			rotates.WithRotationTime(rotationTime), //文件切割间隔
		)
	}

	if err != nil {
		return err
	}

	//创建 local file system hook
	//不同的日志级别写入不同的日志文件
	lfHook := lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: logWriter,
		logrus.InfoLevel:  logWriter,
		logrus.WarnLevel:  logWriter,
		logrus.ErrorLevel: logWriter,
		logrus.FatalLevel: logWriter,
		logrus.PanicLevel: logWriter,
	}, &logrus.TextFormatter{})

	logrus.AddHook(lfHook)
	return nil
}
