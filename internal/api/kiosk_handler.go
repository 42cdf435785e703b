package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/smart-kiosk/internal/errors"
	"github.com/wfunc/smart-kiosk/internal/models"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"github.com/wfunc/smart-kiosk/internal/service"
	"go.uber.org/zap"
)

// KioskHandler 机台业务处理器
type KioskHandler struct {
	manager    *service.SessionManager
	charging   *service.ChargingService
	water      *service.WaterService
	billing    *service.BillingService
	ledger     repository.LedgerRepository
	serialLogs *repository.SerialLogRepository
	queue      *service.PersistQueue
	logger     *zap.Logger
}

// NewKioskHandler 创建机台处理器
func NewKioskHandler(deps *Deps, logger *zap.Logger) *KioskHandler {
	return &KioskHandler{
		manager:    deps.Manager,
		charging:   deps.Charging,
		water:      deps.Water,
		billing:    deps.Billing,
		ledger:     deps.Ledger,
		serialLogs: deps.SerialLogs,
		queue:      deps.Queue,
		logger:     logger,
	}
}

// respondError 按错误码映射HTTP状态
func respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		c.JSON(appErr.HTTPStatus(), gin.H{
			"code":    int(appErr.Code),
			"message": appErr.Message,
			"details": appErr.Details,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    int(apperrors.ErrUnknown),
		"message": err.Error(),
	})
}

// StartSessionRequest 开启会话请求
type StartSessionRequest struct {
	UID  string `json:"uid" binding:"required"`
	Mode string `json:"mode" binding:"required"`
	Slot int    `json:"slot"`
}

// StartSession 开启会话
func (h *KioskHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrInvalidParam))
		return
	}

	sessionID, err := h.manager.StartSession(c.Request.Context(), req.UID, req.Mode, req.Slot)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": sessionID,
		"mode":       req.Mode,
		"slot":       req.Slot,
	})
}

// StopSessionRequest 停止会话请求
type StopSessionRequest struct {
	Reason string `json:"reason"`
}

// StopSession 停止会话
func (h *KioskHandler) StopSession(c *gin.Context) {
	sessionID := c.Param("id")

	var req StopSessionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user_stop"
	}

	if err := h.manager.StopSession(c.Request.Context(), sessionID, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "stopped": true})
}

// GetSession 查询会话
func (h *KioskHandler) GetSession(c *gin.Context) {
	snap, err := h.manager.Session(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListSessions 列出活动会话
func (h *KioskHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.manager.Sessions()})
}

// GetMode 查询当前模式
func (h *KioskHandler) GetMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": h.manager.Mode()})
}

// SwitchModeRequest 模式切换请求
type SwitchModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// SwitchMode 切换机台模式
func (h *KioskHandler) SwitchMode(c *gin.Context) {
	var req SwitchModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrInvalidParam))
		return
	}
	if err := h.manager.SwitchMode(req.Mode); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

// ListSlots 列出全部充电位快照
func (h *KioskHandler) ListSlots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"slots": h.charging.Snapshots()})
}

// GetSlot 查询单个充电位
func (h *KioskHandler) GetSlot(c *gin.Context) {
	slotID, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.ErrInvalidParam, "充电位编号必须是整数"))
		return
	}
	snap, err := h.charging.Snapshot(slotID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CalibrateRequest 基线标定请求
type CalibrateRequest struct {
	Samples int `json:"samples"`
}

// CalibrateSlot 标定充电位的电流基线
// 只允许对空闲位标定, 标定期间该位不可用
func (h *KioskHandler) CalibrateSlot(c *gin.Context) {
	slotID, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.ErrInvalidParam, "充电位编号必须是整数"))
		return
	}

	var req CalibrateRequest
	_ = c.ShouldBindJSON(&req)
	if req.Samples <= 0 {
		req.Samples = 50
	}

	baseline, err := h.charging.Calibrate(slotID, req.Samples)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Slot baseline calibrated",
		zap.Int("slot", slotID),
		zap.Float64("baseline_volts", baseline),
	)
	c.JSON(http.StatusOK, gin.H{
		"slot":           slotID,
		"baseline_volts": baseline,
		"samples":        req.Samples,
	})
}

// GetBalance 查询用户充电余额
func (h *KioskHandler) GetBalance(c *gin.Context) {
	uid := c.Param("uid")
	balance, err := h.billing.Balance(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uid":                    uid,
		"charge_balance_seconds": balance,
	})
}

// ListBalanceChanges 分页查询用户余额流水
func (h *KioskHandler) ListBalanceChanges(c *gin.Context) {
	uid := c.Param("uid")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	p := repository.NewPagination(page, pageSize)
	changes, err := h.ledger.BalanceChangesByUID(c.Request.Context(), uid, p)
	if err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrDatabaseQuery))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uid":       uid,
		"changes":   changes,
		"page":      p.Page,
		"page_size": p.PageSize,
	})
}

// ListSerialLogs 查询最近的串口原始日志
func (h *KioskHandler) ListSerialLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	direction := models.SerialLogDirection(c.Query("direction"))

	logs, err := h.serialLogs.GetLatest(limit, direction)
	if err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrDatabaseQuery))
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// GetStats 运行时统计
func (h *KioskHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":            h.manager.Mode(),
		"active_sessions": len(h.manager.Sessions()),
		"water_sessions":  h.water.ActiveCount(),
		"queue_pending":   h.queue.Len(),
		"queue_dropped":   h.queue.Dropped(),
	})
}
