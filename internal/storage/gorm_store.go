package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/wfunc/smart-kiosk/internal/models"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormStore gorm落库存储实现
// 持久化工作协程单线程消费, 各Apply分支无需互斥
type GormStore struct {
	db          *gorm.DB
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	ledgerRepo  repository.LedgerRepository
	slotRepo    repository.SlotRepository
	log         *zap.Logger
}

// NewGormStore 创建gorm存储
func NewGormStore(db *gorm.DB, log *zap.Logger) *GormStore {
	return &GormStore{
		db:          db,
		userRepo:    repository.NewUserRepository(db),
		sessionRepo: repository.NewSessionRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		slotRepo:    repository.NewSlotRepository(db),
		log:         log,
	}
}

// Apply 应用载荷到数据库
func (s *GormStore) Apply(ctx context.Context, p *Payload) error {
	switch p.Op {
	case OpSessionStart:
		return s.applySessionStart(ctx, p)
	case OpSessionEnd:
		return s.applySessionEnd(ctx, p)
	case OpCoin:
		return s.applyCoin(ctx, p)
	case OpDispenseIncrement:
		return s.applyDispense(ctx, p)
	case OpDeductChargeSeconds:
		return s.applyDeduct(ctx, p)
	case OpSlotReserved, OpSlotPlugged, OpSlotUnplugged,
		OpSlotChargingStart, OpSlotChargingPaused,
		OpSlotChargingResumed, OpSlotChargingDone, OpSlotReleased:
		return s.applySlotTransition(ctx, p)
	}
	return fmt.Errorf("未知的载荷操作: %s", p.Op)
}

func (s *GormStore) applySessionStart(ctx context.Context, p *Payload) error {
	_, err := s.sessionRepo.FindBySessionID(ctx, p.SessionID)
	if err == nil {
		return nil // 重放的开始载荷
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := s.sessionRepo.Create(ctx, &models.KioskSession{
		SessionID: p.SessionID,
		UID:       p.UID,
		Slot:      p.Slot,
		Mode:      p.Str("mode", ""),
		Status:    "active",
		StartedAt: p.CreatedAt,
	}); err != nil {
		return err
	}
	if p.UID != "" {
		if err := s.userRepo.IncrSessionCount(ctx, p.UID); err != nil {
			s.log.Warn("会话计数更新失败", zap.String("uid", p.UID), zap.Error(err))
		}
	}
	return nil
}

func (s *GormStore) applySessionEnd(ctx context.Context, p *Payload) error {
	err := s.sessionRepo.Finish(ctx, p.SessionID,
		p.Str("status", "completed"), p.Str("reason", ""))
	if err != nil {
		// 重放的结束载荷: 会话已经是终态
		s.log.Debug("会话结束载荷跳过", zap.String("session_id", p.SessionID), zap.Error(err))
	}
	return nil
}

// applyCoin 投币入账
// 流水先以幂等键落库, 只有首次入账的载荷才累计会话计量与余额,
// 重放的投币不会二次加钱
func (s *GormStore) applyCoin(ctx context.Context, p *Payload) error {
	denom := int(p.Int("denom", 0))
	creditML := p.Int("credit_ml", 0)
	creditSecs := p.Int("credit_secs", 0)

	created, err := s.ledgerRepo.CreateCoinLog(ctx, &models.CoinLog{
		IdempotencyKey: p.ID,
		SessionID:      p.SessionID,
		UID:            p.UID,
		Denom:          denom,
		Mode:           p.Str("mode", ""),
		CreditedML:     creditML,
		CreditedSecs:   creditSecs,
	})
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if p.SessionID != "" {
		if err := s.sessionRepo.AddCoins(ctx, p.SessionID, int64(denom)); err != nil {
			return err
		}
		if creditSecs > 0 {
			if err := s.sessionRepo.AddSecondsCredited(ctx, p.SessionID, creditSecs); err != nil {
				return err
			}
		}
		if creditML > 0 {
			if err := s.sessionRepo.AddMLCredited(ctx, p.SessionID, creditML); err != nil {
				return err
			}
		}
	}

	if creditSecs > 0 && p.UID != "" {
		balance, err := s.userRepo.AddChargeBalance(ctx, p.UID, creditSecs)
		if err != nil {
			return err
		}
		if _, err := s.ledgerRepo.CreateBalanceChange(ctx, &models.BalanceChange{
			IdempotencyKey: p.ID + ":credit",
			UID:            p.UID,
			Delta:          creditSecs,
			BalanceAfter:   balance,
			Reason:         "coin_credit",
			SessionID:      p.SessionID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) applyDispense(ctx context.Context, p *Payload) error {
	return s.sessionRepo.SetMLDispensed(ctx, p.SessionID, p.Int("total_ml", 0))
}

// applyDeduct 记录扣减流水
// 余额本身在业务线程内同步扣减, 这里只落审计流水
func (s *GormStore) applyDeduct(ctx context.Context, p *Payload) error {
	_, err := s.ledgerRepo.CreateBalanceChange(ctx, &models.BalanceChange{
		IdempotencyKey: p.ID,
		UID:            p.UID,
		Delta:          -p.Int("seconds", 0),
		BalanceAfter:   p.Int("balance_after", 0),
		Reason:         p.Str("reason", "charging"),
		SessionID:      p.SessionID,
	})
	return err
}

func (s *GormStore) applySlotTransition(ctx context.Context, p *Payload) error {
	if err := s.slotRepo.RecordTransition(ctx, &models.SlotRecord{
		Slot:      p.Slot,
		SessionID: p.SessionID,
		FromState: p.Str("from", ""),
		ToState:   p.Str("to", ""),
		AmpsRMS:   p.Float("amps", 0),
		Operation: p.Op,
		CreatedAt: p.CreatedAt,
	}); err != nil {
		return err
	}

	toState := p.Str("to", "")
	if toState == "idle" {
		return s.slotRepo.ClearState(ctx, p.Slot)
	}
	return s.slotRepo.SaveState(ctx, &models.SlotState{
		Slot:         p.Slot,
		SessionID:    p.SessionID,
		CurrentState: toState,
		StateData:    p.Str("state_data", ""),
	})
}

// Close 关闭存储
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// 编译期接口断言
var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
