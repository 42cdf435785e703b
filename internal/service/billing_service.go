package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wfunc/smart-kiosk/internal/config"
	apperrors "github.com/wfunc/smart-kiosk/internal/errors"
	"github.com/wfunc/smart-kiosk/internal/models"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Credit 单次投币的兑换结果
type Credit struct {
	Denom      int
	CreditML   int64
	CreditSecs int64
}

// BillingService 计费服务
// 投币只入队持久化载荷不直接动库; 扣减走用户仓储的
// 原子钳制更新, 并发扣减不会把余额扣成负数
type BillingService struct {
	chargingCfg *config.ChargingConfig
	waterCfg    *config.WaterConfig
	userRepo    repository.UserRepository
	queue       *PersistQueue
	log         *zap.Logger
}

// NewBillingService 创建计费服务
func NewBillingService(
	chargingCfg *config.ChargingConfig,
	waterCfg *config.WaterConfig,
	userRepo repository.UserRepository,
	queue *PersistQueue,
	log *zap.Logger,
) *BillingService {
	return &BillingService{
		chargingCfg: chargingCfg,
		waterCfg:    waterCfg,
		userRepo:    userRepo,
		queue:       queue,
		log:         log,
	}
}

// CreditCoin 投币兑换额度
// eventID作为幂等键随载荷入队, 固件重发的同一投币只入账一次
func (s *BillingService) CreditCoin(sessionID, uid string, denom int, mode, eventID string) *Credit {
	credit := &Credit{Denom: denom}
	switch mode {
	case models.ModeWater:
		credit.CreditML = int64(denom * s.waterCfg.MLPerCoin)
	default:
		credit.CreditSecs = int64(denom * s.chargingCfg.SecondsPerPeso)
	}

	p := storage.NewPayload(storage.OpCoin).
		With("denom", denom).
		With("mode", mode).
		With("credit_ml", credit.CreditML).
		With("credit_secs", credit.CreditSecs)
	p.ID = eventID
	p.SessionID = sessionID
	p.UID = uid
	s.queue.Enqueue(p)

	s.log.Info("Coin credited",
		zap.String("session_id", sessionID),
		zap.Int("denom", denom),
		zap.String("mode", mode),
		zap.Int64("credit_ml", credit.CreditML),
		zap.Int64("credit_secs", credit.CreditSecs),
	)
	return credit
}

// ValidDenomination 检查面额是否合法
func ValidDenomination(denoms []int, denom int) bool {
	for _, d := range denoms {
		if d == denom {
			return true
		}
	}
	return false
}

// DeductSeconds 扣减用户充电秒数
// 余额不足时钳制到零; 返回扣减后的新余额,
// 用户不存在与余额已为零返回可区分的错误
func (s *BillingService) DeductSeconds(ctx context.Context, uid string, seconds int64, sessionID, reason string) (int64, error) {
	if seconds <= 0 {
		return s.Balance(ctx, uid)
	}

	balance, err := s.userRepo.DeductSecondsClamped(ctx, uid, seconds)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, apperrors.New(apperrors.ErrUserNotFound, uid)
		}
		return 0, apperrors.Wrap(err, apperrors.ErrDeductFailed)
	}

	p := storage.NewPayload(storage.OpDeductChargeSeconds).
		With("seconds", seconds).
		With("balance_after", balance).
		With("reason", reason)
	p.ID = uuid.New().String()
	p.SessionID = sessionID
	p.UID = uid
	s.queue.Enqueue(p)

	s.log.Info("Seconds deducted",
		zap.String("uid", uid),
		zap.Int64("seconds", seconds),
		zap.Int64("balance_after", balance),
		zap.String("reason", reason),
	)
	return balance, nil
}

// Balance 查询用户余额, 用户不存在按零处理
func (s *BillingService) Balance(ctx context.Context, uid string) (int64, error) {
	user, err := s.userRepo.FindByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return user.ChargeBalance, nil
}
