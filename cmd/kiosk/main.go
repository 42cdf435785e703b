package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/smart-kiosk/internal/api"
	"github.com/wfunc/smart-kiosk/internal/config"
	"github.com/wfunc/smart-kiosk/internal/database"
	"github.com/wfunc/smart-kiosk/internal/errors"
	"github.com/wfunc/smart-kiosk/internal/hardware"
	"github.com/wfunc/smart-kiosk/internal/logger"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"github.com/wfunc/smart-kiosk/internal/service"
	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 机台主控实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	listener   *hardware.SerialListener
	hw         hardware.Manager
	sensor     *hardware.CurrentSensor
	store      storage.Store
	queue      *service.PersistQueue
	billing    *service.BillingService
	charging   *service.ChargingService
	water      *service.WaterService
	manager    *service.SessionManager
	serialLogs *service.SerialLogService
	httpServer *http.Server

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	server := NewServer(cfg)

	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("机台已安全关闭")
}

// NewServer 创建主控实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动机台
func (s *Server) Start() error {
	s.logger.Info("正在启动共享充电售水机...",
		zap.String("version", Version),
		zap.String("device_id", s.cfg.Kiosk.DeviceID),
		zap.String("mode", s.cfg.Kiosk.Mode),
	)

	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}

	if err := s.startServices(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "启动服务失败")
	}

	// 配置热更新: 只动日志级别, 业务参数重启生效
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新", zap.String("log_level", newCfg.Log.Level))
		logger.SetLevel(newCfg.Log.Level)
	})

	s.logger.Info("机台启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)),
		zap.Int("slots", len(s.cfg.Kiosk.Slots)),
	)
	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	if err := s.initDatabase(); err != nil {
		return err
	}

	s.initHardware()
	s.initServices()
	s.initAPI()

	s.logger.Info("所有组件初始化完成")
	return nil
}

// initDatabase 初始化数据库
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}

	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "数据库连接检查失败")
	}
	return nil
}

// initHardware 初始化硬件层
// mock模式用模拟硬件, 真机走sysfs GPIO + 固件ADC转发
func (s *Server) initHardware() {
	s.listener = hardware.NewSerialListener(&s.cfg.Serial, &s.cfg.Coin, nil)

	if s.cfg.Serial.MockMode {
		s.logger.Warn("硬件mock模式已启用, 继电器与ADC均为模拟")
		s.hw = hardware.NewMockManager()
	} else {
		s.hw = hardware.NewSysfsManager(&s.cfg.Kiosk, s.listener)
	}

	s.sensor = hardware.NewCurrentSensor(s.hw, &s.cfg.Sensor)
}

// initServices 初始化业务服务
func (s *Server) initServices() {
	db := database.GetDB()

	s.store = storage.NewGormStore(db, logger.GetModuleLogger("storage"))
	s.queue = service.NewPersistQueue(s.store, 0, logger.GetModuleLogger("persist"))

	s.serialLogs = service.NewSerialLogService(db,
		s.cfg.Serial.LogRetentionDays, logger.GetModuleLogger("seriallog"))
	s.listener.SetTap(s.serialLogs)

	s.billing = service.NewBillingService(&s.cfg.Charging, &s.cfg.Water,
		repository.NewUserRepository(db), s.queue, logger.GetModuleLogger("billing"))
	s.charging = service.NewChargingService(&s.cfg.Charging, &s.cfg.Kiosk,
		s.hw, s.sensor, s.queue, s.billing, logger.GetModuleLogger("charging"))
	s.water = service.NewWaterService(&s.cfg.Water, s.listener, s.queue,
		logger.GetModuleLogger("water"))
	s.manager = service.NewSessionManager(s.cfg, s.listener,
		s.billing, s.charging, s.water, s.queue, logger.GetModuleLogger("session"))
}

// initAPI 初始化本机API
func (s *Server) initAPI() {
	router := api.NewRouter(&s.cfg.Server, &api.Deps{
		DB:         database.GetDB(),
		Manager:    s.manager,
		Charging:   s.charging,
		Water:      s.water,
		Billing:    s.billing,
		Ledger:     repository.NewLedgerRepository(database.GetDB()),
		SerialLogs: repository.NewSerialLogRepository(database.GetDB()),
		Queue:      s.queue,
	}, logger.GetModuleLogger("api"))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
}

// startServices 启动服务
func (s *Server) startServices() error {
	s.queue.Start()

	if s.cfg.Serial.Enabled {
		if err := s.listener.Start(); err != nil {
			return errors.Wrap(err, errors.ErrSerialPortOpen, "串口监听器启动失败")
		}
	} else {
		s.logger.Warn("串口已禁用, 固件事件不可用")
	}

	s.charging.Start(s.ctx)
	s.manager.Start(s.ctx)

	// HTTP服务
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Starting API server", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
		}
	}()

	// 串口日志每日清理
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.serialLogs.Cleanup(); err != nil {
					s.logger.Error("串口日志清理失败", zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// WaitForShutdown 等待退出信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// Shutdown 优雅关闭
// 先停事件入口和业务, 再排空持久化队列, 最后断数据库
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭机台...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接收新请求
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP服务关闭超时", zap.Error(err))
	}

	// 停事件分发与业务状态机
	s.manager.Stop()
	s.charging.Stop(shutdownCtx)
	if s.cfg.Serial.Enabled {
		s.listener.Stop()
	}

	// 取消主上下文, 触发后台协程退出
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("后台协程关闭超时")
	}

	// 排空持久化队列后再断库
	s.queue.Stop()
	s.serialLogs.Stop()

	if err := s.hw.Close(); err != nil {
		s.logger.Error("关闭硬件失败", zap.Error(err))
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}
	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("共享充电售水机主控\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("共享充电售水机主控")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  kiosk [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  SMART_KIOSK_ENV      运行环境 (development/production/test)")
	fmt.Println("  SMART_KIOSK_CONFIG   配置文件路径")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  kiosk -config=/path/to/config.yaml")
	fmt.Println("  kiosk -version")
}
