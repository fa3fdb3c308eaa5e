package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/codec"
	"github.com/any-hub/tiercache/internal/config"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/metrics"
	"github.com/any-hub/tiercache/internal/proxy"
	"github.com/any-hub/tiercache/internal/server"
	"github.com/any-hub/tiercache/internal/server/routes"
	"github.com/any-hub/tiercache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = config.OriginSummaries(cfg.Origins)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := newService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	for k, v := range logging.CacheFields(cfg.Global.StoragePath, cfg.Global.DefaultTierValue().String(), cfg.Global.MaxDiskSize, cfg.Global.MaxMemoryCost) {
		fields[k] = v
	}
	fields["origins"] = config.OriginSummaries(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.listen(cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tiercache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TIERCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TIERCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// service 聚合一次运行所需的全部组件。
type service struct {
	app    *fiber.App
	cache  *cache.Cache[cache.URLKey, codec.Resource]
	lock   *server.StorageLock
	logger *logrus.Logger
}

// newService 按“目录锁 → 指标 → 缓存 → Origin 注册表 → Fiber app”顺序装配，
// 所有请求共享同一个缓存实例与上游客户端。
func newService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	lock, err := server.LockStorage(cfg.Global.StoragePath)
	if err != nil {
		return nil, err
	}
	svc := &service{lock: lock, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(reg, cfg.Global.LatencyAccuracy)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("注册指标失败: %w", err)
	}

	c, err := cache.New[cache.URLKey, codec.Resource](
		cfg.Global.CacheConfig(),
		codec.ResourceCodec{ImagesOnly: cfg.Global.ImagesOnly},
		cache.WithHTTPClient(server.NewUpstreamClient(cfg)),
		cache.WithLogger(logger),
		cache.WithMetrics(recorder),
	)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}
	svc.cache = c

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Handler:    proxy.NewHandler(c, registry, logger, cfg.Global.PrefetchConcurrency),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	routes.RegisterDiagnosticRoutes(app, routes.Diagnostics{
		Cache:    c,
		Registry: registry,
		Metrics:  recorder,
		Gatherer: reg,
		Logger:   logger,
	})
	svc.app = app
	return svc, nil
}

// listen 启动 Fiber 并在收到 SIGINT/SIGTERM 时优雅退出。
func (s *service) listen(port int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- s.app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.WithField("action", "shutdown").Info("收到退出信号")
		return s.app.ShutdownWithTimeout(shutdownTimeout)
	}
}

// Close 等待缓存后台任务结束并释放目录锁。
func (s *service) Close() {
	if s.cache != nil {
		if err := s.cache.Close(shutdownTimeout); err != nil {
			s.logger.WithField("action", "shutdown").WithError(err).Warn("缓存关闭超时")
		}
	}
	if err := s.lock.Release(); err != nil {
		s.logger.WithField("action", "shutdown").WithError(err).Warn("释放目录锁失败")
	}
}
