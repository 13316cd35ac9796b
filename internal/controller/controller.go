// ============================================================================
// middlewared 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝並運行 daemon 的所有組件
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - History + Scheduler: 任務歷史與調度 (named lock 互斥)
//   - Registry + Dispatcher: 方法註冊與 RPC 分派
//   - Session Manager: 連線 session 的生命週期
//   - WebSocket / gRPC Server: 兩種傳輸層
//   - Periodic Runner: cron 定時呼叫方法
//   - Metrics Collector: Prometheus 指標
//
// 生命週期:
//   Start(ctx) 以單一 errgroup 運行所有循環，任一組件失敗即全部關閉。
//   關閉順序：
//   1. 關閉所有 session（執行 on_close callbacks）
//   2. 停止 servers、cron 與調度器
//   3. 等待執行中的任務結束
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/middlewared/internal/jobmanager"
	"github.com/ChuLiYu/middlewared/internal/metrics"
	"github.com/ChuLiYu/middlewared/internal/periodic"
	"github.com/ChuLiYu/middlewared/internal/rpc"
	"github.com/ChuLiYu/middlewared/internal/server"
	"github.com/ChuLiYu/middlewared/internal/service"
	"github.com/ChuLiYu/middlewared/internal/session"
	"github.com/ChuLiYu/middlewared/internal/snapshot"
)

var log = slog.Default()

var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrAlreadyStarted = errors.New("controller already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置，對應 YAML 設定檔
type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Auth     AuthConfig       `yaml:"auth"`
	Jobs     JobsConfig       `yaml:"jobs"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Log      LogConfig        `yaml:"log"`
	Periodic []periodic.Entry `yaml:"periodic"`
}

// ServerConfig 傳輸層監聽位址，空字串表示停用
type ServerConfig struct {
	WebSocketAddr string `yaml:"websocket_addr"`
	GRPCAddr      string `yaml:"grpc_addr"`
}

// AuthConfig 認證設定
type AuthConfig struct {
	TrustLoopback bool `yaml:"trust_loopback"`
}

// JobsConfig 任務設定
type JobsConfig struct {
	HistorySize int    `yaml:"history_size"` // 保留的任務數
	ExportPath  string `yaml:"export_path"`  // core.export_jobs 輸出檔案，空字串停用
}

// MetricsConfig 指標設定
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig 日誌設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			WebSocketAddr: "127.0.0.1:6000",
			GRPCAddr:      "127.0.0.1:6001",
		},
		Auth:    AuthConfig{TrustLoopback: true},
		Jobs:    JobsConfig{HistorySize: jobmanager.DefaultHistorySize},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Validate 檢查配置
func (c Config) Validate() error {
	if c.Jobs.HistorySize <= 0 {
		return fmt.Errorf("%w: jobs.history_size must be positive, got %d", ErrInvalidConfig, c.Jobs.HistorySize)
	}
	if c.Server.WebSocketAddr == "" && c.Server.GRPCAddr == "" {
		return fmt.Errorf("%w: at least one of server.websocket_addr, server.grpc_addr is required", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port out of range: %d", ErrInvalidConfig, c.Metrics.Port)
	}
	return nil
}

// Option 調整 Controller 的組裝
type Option func(*options)

type options struct {
	services []service.Service
	auth     server.Authenticator
	registry *prometheus.Registry
}

// WithServices 註冊額外的服務
func WithServices(svcs ...service.Service) Option {
	return func(o *options) { o.services = append(o.services, svcs...) }
}

// WithAuthenticator 覆寫預設的 loopback 認證
func WithAuthenticator(a server.Authenticator) Option {
	return func(o *options) { o.auth = a }
}

// WithMetricsRegistry 使用獨立的 Prometheus registry
func WithMetricsRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Controller 核心控制器
type Controller struct {
	config Config

	scheduler  *jobmanager.Scheduler
	registry   *service.Registry
	dispatcher *rpc.Dispatcher
	sessions   *session.Manager
	periodic   *periodic.Runner
	metrics    *metrics.Collector

	ws   *server.WebSocketServer
	grpc *server.Server

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	startTime time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - opts: 額外服務、認證或 metrics registry
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 配置或服務註冊錯誤
func New(config Config, opts ...Option) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Controller{config: config, startTime: time.Now()}

	// 1. 指標
	var (
		observer jobmanager.Observer
		calls    rpc.Recorder
		opened   session.Recorder
	)
	if config.Metrics.Enabled {
		if o.registry != nil {
			c.metrics = metrics.NewCollectorWith(o.registry, o.registry)
		} else {
			c.metrics = metrics.NewCollector()
		}
		observer, calls, opened = c.metrics, c.metrics, c.metrics
	}

	// 2. 任務歷史與調度器
	c.scheduler = jobmanager.NewScheduler(
		jobmanager.NewHistory(config.Jobs.HistorySize),
		jobmanager.WithObserver(observer),
	)

	// 3. 方法註冊
	c.registry = service.NewRegistry()
	deps := service.CoreDeps{
		Registry:  c.registry,
		Scheduler: c.scheduler,
		StartedAt: c.startTime,
	}
	if config.Jobs.ExportPath != "" {
		deps.Exporter = snapshot.NewManager(config.Jobs.ExportPath)
	}
	if err := service.RegisterCore(deps); err != nil {
		return nil, fmt.Errorf("register core services: %w", err)
	}
	for _, svc := range o.services {
		if err := c.registry.Register(svc); err != nil {
			return nil, fmt.Errorf("register service %s: %w", svc.Namespace, err)
		}
	}

	// 4. 分派器與 session
	c.dispatcher = rpc.NewDispatcher(c.registry, c.scheduler, rpc.WithRecorder(calls))
	c.sessions = session.NewManager(c.dispatcher, opened)

	// 5. 定時呼叫
	runner, err := periodic.NewRunner(c.dispatcher, config.Periodic)
	if err != nil {
		return nil, err
	}
	c.periodic = runner

	// 6. 傳輸層
	auth := o.auth
	if auth == nil {
		auth = server.LoopbackAuthenticator{Trust: config.Auth.TrustLoopback}
	}
	if config.Server.WebSocketAddr != "" {
		c.ws = server.NewWebSocketServer(config.Server.WebSocketAddr, c.sessions, auth)
	}
	if config.Server.GRPCAddr != "" {
		c.grpc = server.NewServer(config.Server.GRPCAddr, c.sessions, auth)
	}

	return c, nil
}

// Start 運行所有組件直到 ctx 被取消或任一組件失敗
//
// 返回值：
//   - error: 第一個失敗組件的錯誤，正常關閉時為 nil
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.scheduler.Run(gctx) })
	g.Go(func() error { return c.periodic.Run(gctx) })
	if c.ws != nil {
		g.Go(func() error { return c.ws.Serve(gctx) })
	}
	if c.grpc != nil {
		g.Go(func() error { return c.grpc.Serve(gctx) })
	}
	if c.metrics != nil {
		addr := fmt.Sprintf(":%d", c.config.Metrics.Port)
		g.Go(func() error { return c.metrics.Serve(gctx, addr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		c.sessions.CloseAll()
		return nil
	})

	log.Info("Controller started",
		"websocket", c.config.Server.WebSocketAddr,
		"grpc", c.config.Server.GRPCAddr,
		"periodic", len(c.config.Periodic),
		"metrics", c.config.Metrics.Enabled)

	err := g.Wait()

	// 已開始的任務不會被中斷，等待它們結束
	c.scheduler.Wait()
	log.Info("Controller stopped", "uptime", time.Since(c.startTime))
	return err
}

// Stop 觸發關閉，Start 會在所有組件結束後返回
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Scheduler 返回任務調度器
func (c *Controller) Scheduler() *jobmanager.Scheduler { return c.scheduler }

// Dispatcher 返回 RPC 分派器
func (c *Controller) Dispatcher() *rpc.Dispatcher { return c.dispatcher }

// Sessions 返回 session 管理器
func (c *Controller) Sessions() *session.Manager { return c.sessions }

// Periodic 返回定時呼叫 runner
func (c *Controller) Periodic() *periodic.Runner { return c.periodic }

// WebSocket 返回 WebSocket server，未啟用時為 nil
func (c *Controller) WebSocket() *server.WebSocketServer { return c.ws }

// GRPC 返回 gRPC server，未啟用時為 nil
func (c *Controller) GRPC() *server.Server { return c.grpc }
