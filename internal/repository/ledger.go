package repository

import (
	"context"
	"time"

	"github.com/wfunc/smart-kiosk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerRepository 计费流水仓储接口
// 投币流水与余额变动都以幂等键入账, 重放载荷不会重复记账
type LedgerRepository interface {
	BaseRepository
	CreateCoinLog(ctx context.Context, log *models.CoinLog) (bool, error)
	CreateBalanceChange(ctx context.Context, change *models.BalanceChange) (bool, error)
	CoinLogsBySession(ctx context.Context, sessionID string) ([]*models.CoinLog, error)
	BalanceChangesByUID(ctx context.Context, uid string, p *Pagination) ([]*models.BalanceChange, error)
	CoinTotalSince(ctx context.Context, since time.Time) (int64, error)
}

// ledgerRepo 计费流水仓储实现
type ledgerRepo struct {
	*BaseRepo
}

// NewLedgerRepository 创建计费流水仓储
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// CreateCoinLog 写入投币流水
// 幂等键冲突时静默跳过, 返回false表示重复载荷
func (r *ledgerRepo) CreateCoinLog(ctx context.Context, log *models.CoinLog) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(log)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CreateBalanceChange 写入余额变动流水
// 幂等键冲突时静默跳过, 返回false表示重复载荷
func (r *ledgerRepo) CreateBalanceChange(ctx context.Context, change *models.BalanceChange) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(change)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CoinLogsBySession 查询会话的投币流水
func (r *ledgerRepo) CoinLogsBySession(ctx context.Context, sessionID string) ([]*models.CoinLog, error) {
	var logs []*models.CoinLog
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}

// BalanceChangesByUID 分页查询用户余额变动
func (r *ledgerRepo) BalanceChangesByUID(ctx context.Context, uid string, p *Pagination) ([]*models.BalanceChange, error) {
	var changes []*models.BalanceChange
	query := r.db.WithContext(ctx).Model(&models.BalanceChange{}).Where("uid = ?", uid)
	if err := query.Count(&p.Total).Error; err != nil {
		return nil, err
	}
	err := query.Scopes(Paginate(p)).Order("created_at DESC").Find(&changes).Error
	return changes, err
}

// CoinTotalSince 统计指定时间以来的投币总额
func (r *ledgerRepo) CoinTotalSince(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.CoinLog{}).
		Where("created_at >= ?", since).
		Select("COALESCE(SUM(denom), 0)").
		Scan(&total).Error
	return total, err
}

// WithTx 使用事务
func (r *ledgerRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &ledgerRepo{
		BaseRepo: NewBaseRepo(tx),
	}
}
