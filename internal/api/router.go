package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/smart-kiosk/internal/config"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"github.com/wfunc/smart-kiosk/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps 路由器依赖
type Deps struct {
	DB         *gorm.DB
	Manager    *service.SessionManager
	Charging   *service.ChargingService
	Water      *service.WaterService
	Billing    *service.BillingService
	Ledger     repository.LedgerRepository
	SerialLogs *repository.SerialLogRepository
	Queue      *service.PersistQueue
}

// Router 本机API路由器
// 面向机台UI进程和运维排查, 不做鉴权
type Router struct {
	engine *gin.Engine
	db     *gorm.DB
	kiosk  *KioskHandler
	push   *PushHandler
	log    *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(cfg *config.ServerConfig, deps *Deps, log *zap.Logger) *Router {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	router := &Router{
		engine: engine,
		db:     deps.DB,
		kiosk:  NewKioskHandler(deps, log),
		push:   NewPushHandler(deps.Manager, log),
		log:    log,
	}

	router.setupRoutes()
	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	{
		// 机台模式
		v1.GET("/mode", r.kiosk.GetMode)
		v1.POST("/mode", r.kiosk.SwitchMode)

		// 充电位
		slots := v1.Group("/slots")
		{
			slots.GET("", r.kiosk.ListSlots)
			slots.GET("/:slot", r.kiosk.GetSlot)
			slots.POST("/:slot/calibrate", r.kiosk.CalibrateSlot)
		}

		// 会话
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", r.kiosk.ListSessions)
			sessions.POST("", r.kiosk.StartSession)
			sessions.GET("/:id", r.kiosk.GetSession)
			sessions.POST("/:id/stop", r.kiosk.StopSession)
		}

		// 用户余额
		users := v1.Group("/users")
		{
			users.GET("/:uid/balance", r.kiosk.GetBalance)
			users.GET("/:uid/balance-changes", r.kiosk.ListBalanceChanges)
		}

		// 串口原始日志（运维排查）
		v1.GET("/serial-logs", r.kiosk.ListSerialLogs)

		// 运行时统计
		v1.GET("/stats", r.kiosk.GetStats)
	}

	// 状态推送
	r.engine.GET("/ws", r.push.Serve)

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	sqlDB, err := r.db.DB()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "unhealthy",
			"message": "数据库连接失败",
		})
		return
	}

	if err := sqlDB.Ping(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "unhealthy",
			"message": "数据库ping失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "服务运行正常",
	})
}

// Handler 返回http处理器, 交给外层http.Server托管
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Run 运行服务器
func (r *Router) Run(addr string) error {
	r.log.Info("Starting API server", zap.String("address", addr))
	return r.engine.Run(addr)
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
