package repository

import (
	"context"
	"errors"
	"time"

	"github.com/wfunc/smart-kiosk/internal/models"
	"gorm.io/gorm"
)

// SessionRepository 机台会话仓储接口
type SessionRepository interface {
	BaseRepository
	Create(ctx context.Context, session *models.KioskSession) error
	FindBySessionID(ctx context.Context, sessionID string) (*models.KioskSession, error)
	UpdateStatus(ctx context.Context, sessionID, status string) error
	AddCoins(ctx context.Context, sessionID string, amount int64) error
	AddSecondsCredited(ctx context.Context, sessionID string, seconds int64) error
	AddSecondsCharged(ctx context.Context, sessionID string, seconds int64) error
	AddMLCredited(ctx context.Context, sessionID string, ml int64) error
	SetMLDispensed(ctx context.Context, sessionID string, ml int64) error
	Finish(ctx context.Context, sessionID, status, endReason string) error
	ListActive(ctx context.Context) ([]*models.KioskSession, error)
	ListByUID(ctx context.Context, uid string, p *Pagination) ([]*models.KioskSession, error)
}

// sessionRepo 机台会话仓储实现
type sessionRepo struct {
	*BaseRepo
}

// NewSessionRepository 创建机台会话仓储
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Create 创建会话记录
func (r *sessionRepo) Create(ctx context.Context, session *models.KioskSession) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(session).Error
}

// FindBySessionID 根据会话ID查找
func (r *sessionRepo) FindBySessionID(ctx context.Context, sessionID string) (*models.KioskSession, error) {
	var session models.KioskSession
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateStatus 更新会话状态
func (r *sessionRepo) UpdateStatus(ctx context.Context, sessionID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&models.KioskSession{}).
		Where("session_id = ?", sessionID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AddCoins 累加投币金额
func (r *sessionRepo) AddCoins(ctx context.Context, sessionID string, amount int64) error {
	return r.incrField(ctx, sessionID, "coins_inserted", amount)
}

// AddSecondsCredited 累加兑换的充电秒数
func (r *sessionRepo) AddSecondsCredited(ctx context.Context, sessionID string, seconds int64) error {
	return r.incrField(ctx, sessionID, "seconds_credited", seconds)
}

// AddSecondsCharged 累加实际充电秒数
func (r *sessionRepo) AddSecondsCharged(ctx context.Context, sessionID string, seconds int64) error {
	return r.incrField(ctx, sessionID, "seconds_charged", seconds)
}

// AddMLCredited 累加兑换的出水毫升
func (r *sessionRepo) AddMLCredited(ctx context.Context, sessionID string, ml int64) error {
	return r.incrField(ctx, sessionID, "ml_credited", ml)
}

// SetMLDispensed 写入实际出水毫升
// 固件上报的是累计值而非增量, 直接覆盖
func (r *sessionRepo) SetMLDispensed(ctx context.Context, sessionID string, ml int64) error {
	return r.db.WithContext(ctx).
		Model(&models.KioskSession{}).
		Where("session_id = ?", sessionID).
		Update("ml_dispensed", ml).Error
}

func (r *sessionRepo) incrField(ctx context.Context, sessionID, field string, delta int64) error {
	return r.db.WithContext(ctx).
		Model(&models.KioskSession{}).
		Where("session_id = ?", sessionID).
		Update(field, gorm.Expr(field+" + ?", delta)).Error
}

// Finish 结束会话, 写入终态与结束原因
// 已结束的会话不会被二次覆盖
func (r *sessionRepo) Finish(ctx context.Context, sessionID, status, endReason string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.KioskSession{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Updates(map[string]interface{}{
			"status":     status,
			"end_reason": endReason,
			"ended_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("会话不存在或已结束")
	}
	return nil
}

// ListActive 查询所有未结束的会话
func (r *sessionRepo) ListActive(ctx context.Context) ([]*models.KioskSession, error) {
	var sessions []*models.KioskSession
	err := r.db.WithContext(ctx).
		Where("ended_at IS NULL").
		Order("started_at ASC").
		Find(&sessions).Error
	return sessions, err
}

// ListByUID 分页查询用户会话历史
func (r *sessionRepo) ListByUID(ctx context.Context, uid string, p *Pagination) ([]*models.KioskSession, error) {
	var sessions []*models.KioskSession
	query := r.db.WithContext(ctx).Model(&models.KioskSession{}).Where("uid = ?", uid)
	if err := query.Count(&p.Total).Error; err != nil {
		return nil, err
	}
	err := query.Scopes(Paginate(p)).Order("started_at DESC").Find(&sessions).Error
	return sessions, err
}

// WithTx 使用事务
func (r *sessionRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &sessionRepo{
		BaseRepo: NewBaseRepo(tx),
	}
}
