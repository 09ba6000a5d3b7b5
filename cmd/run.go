package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/haolipeng/network_mapping/pkg/api"
	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/inspector"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/pipeline"
	"github.com/haolipeng/network_mapping/pkg/processor"
	"github.com/haolipeng/network_mapping/pkg/sink"
	"github.com/haolipeng/network_mapping/pkg/source"
	"github.com/haolipeng/network_mapping/pkg/types"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("pcap", "r", "", "要回放的抓包文件，覆盖配置中的 source.filename")
	runCmd.Flags().StringP("output", "o", "", "报告文件名，覆盖配置中的 inspector.log_file")
	runCmd.Flags().Bool("api", false, "启动 HTTP API")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "replay a capture file through the inspector",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetString("pcap"); v != "" {
			cfg.Source.Filename = v
		}
		if v, _ := cmd.Flags().GetString("output"); v != "" {
			cfg.Inspector.LogFile = v
		}
		if v, _ := cmd.Flags().GetBool("api"); v {
			cfg.API.Enabled = true
		}
		return run()
	},
}

func run() error {
	// 初始化日志
	if err := InitLogger(cfg); err != nil {
		return err
	}

	logrus.Infof("Starting %s...", cfg.Inspector.Name)

	// 插件计数，通过 /metrics 导出
	pegs := metrics.NewInspectorMetrics(cfg.Inspector.Name)
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{pegs, collectors.NewGoCollector()} {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("register metrics failed: %w", err)
		}
	}

	reportSink, err := sink.NewFileSink(cfg, pegs)
	if err != nil {
		return err
	}
	defer reportSink.Close()

	insp, err := inspector.New(cfg, reportSink, host.ServiceLookupFunc(types.LookupService), pegs)
	if err != nil {
		return err
	}
	bus := pipeline.NewEventBus()
	insp.Subscribe(bus)

	// 创建context用于控制生命周期
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建pipeline
	p := pipeline.NewPipeline()
	if err := p.SetConfig(cfg); err != nil {
		return err
	}

	// 创建数据源
	src, err := source.NewPcapFileSource(cfg.Source.Filename, cfg.Pipeline.BufferSize)
	if err != nil {
		return err
	}
	if cfg.Source.BPFFilter != "" {
		if err := src.SetFilter(cfg.Source.BPFFilter); err != nil {
			return err
		}
	}
	p.SetSource(src)

	// 解析、跟踪连接、识别服务都要保持数据包顺序，只用一个worker
	if err := p.AddProcessor(processor.NewProtocolParser(1)); err != nil {
		return err
	}
	flowTracker := processor.NewFlowTracker(cfg.Inspector.CacheSize)
	if err := p.AddProcessor(flowTracker); err != nil {
		return err
	}
	identifier, err := processor.NewServiceIdentifierFromDirectory(cfg.RuleEngine.RuleDirectory)
	if err != nil {
		return err
	}
	if err := p.AddProcessor(identifier); err != nil {
		return err
	}

	// 插件回调按连接分配到多个worker
	p.SetSink(sink.NewInspectorSink(insp, bus, cfg.Pipeline.WorkerCount, cfg.Pipeline.BufferSize))

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg)
		server.RegisterRuleService(api.NewRuleService(identifier, cfg.RuleEngine.RuleDirectory))
		status := api.NewStatusService(cfg.Inspector.Name, p, registry)
		status.AddComponent("inspector", pegs)
		status.AddComponent("flows", flowTracker)
		server.RegisterStatusService(status)
		go func() {
			logrus.Infof("API server listening on %s", server.Addr())
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("API server failed: %v", err)
			}
		}()
	}

	// 启动pipeline
	if err := p.Start(ctx); err != nil {
		return err
	}
	logrus.Info("Pipeline started successfully")

	finished := make(chan struct{})
	go func() {
		p.Wait()
		close(finished)
	}()

	// 等待回放结束或中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-finished:
		logrus.Info("Capture replay finished")
	case sig := <-sigChan:
		logrus.Infof("Received signal %v, shutting down...", sig)
	}

	// 优雅退出
	cancel()
	if err := p.Stop(); err != nil {
		logrus.Errorf("Error stopping pipeline: %v", err)
	}
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			logrus.Errorf("Error stopping API server: %v", err)
		}
		shutdownCancel()
	}

	logrus.WithFields(logrus.Fields(insp.Stats())).Info("Inspector counters")
	logrus.Info("Shutdown complete")
	return nil
}
