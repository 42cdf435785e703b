package repository

import (
	"context"
	"errors"
	"time"

	"github.com/wfunc/smart-kiosk/internal/models"
	"gorm.io/gorm"
)

// UserRepository 用户余额仓储接口
type UserRepository interface {
	BaseRepository
	GetOrCreate(ctx context.Context, uid string) (*models.User, error)
	FindByUID(ctx context.Context, uid string) (*models.User, error)
	AddChargeBalance(ctx context.Context, uid string, seconds int64) (int64, error)
	DeductSecondsClamped(ctx context.Context, uid string, seconds int64) (int64, error)
	IncrSessionCount(ctx context.Context, uid string) error
}

// userRepo 用户余额仓储实现
type userRepo struct {
	*BaseRepo
}

// NewUserRepository 创建用户余额仓储
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// GetOrCreate 查找用户, 不存在时自动建档
func (r *userRepo) GetOrCreate(ctx context.Context, uid string) (*models.User, error) {
	var user models.User
	now := time.Now()
	err := r.db.WithContext(ctx).
		Where(models.User{UID: uid}).
		Attrs(models.User{LastSeenAt: &now}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByUID 根据UID查找用户
func (r *userRepo) FindByUID(ctx context.Context, uid string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}

// AddChargeBalance 为用户充值充电秒数, 返回新余额
// 用户不存在时自动建档后再充值
func (r *userRepo) AddChargeBalance(ctx context.Context, uid string, seconds int64) (int64, error) {
	if seconds < 0 {
		return 0, errors.New("充值秒数不能为负")
	}
	if _, err := r.GetOrCreate(ctx, uid); err != nil {
		return 0, err
	}

	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("uid = ?", uid).
		Updates(map[string]interface{}{
			"charge_balance":      gorm.Expr("charge_balance + ?", seconds),
			"last_balance_update": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}

	user, err := r.FindByUID(ctx, uid)
	if err != nil {
		return 0, err
	}
	return user.ChargeBalance, nil
}

// DeductSecondsClamped 扣减充电秒数, 余额不足时钳制到零
// 单条原子UPDATE保证并发安全; 返回扣减后的新余额,
// 用户不存在返回gorm.ErrRecordNotFound, 与余额已为零可区分
func (r *userRepo) DeductSecondsClamped(ctx context.Context, uid string, seconds int64) (int64, error) {
	if seconds < 0 {
		return 0, errors.New("扣减秒数不能为负")
	}

	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("uid = ?", uid).
		Updates(map[string]interface{}{
			"charge_balance": gorm.Expr(
				"CASE WHEN charge_balance >= ? THEN charge_balance - ? ELSE 0 END",
				seconds, seconds),
			"last_balance_update": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}

	user, err := r.FindByUID(ctx, uid)
	if err != nil {
		return 0, err
	}
	return user.ChargeBalance, nil
}

// IncrSessionCount 累加用户会话计数
func (r *userRepo) IncrSessionCount(ctx context.Context, uid string) error {
	return r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("uid = ?", uid).
		Update("total_sessions", gorm.Expr("total_sessions + ?", 1)).Error
}

// WithTx 使用事务
func (r *userRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &userRepo{
		BaseRepo: NewBaseRepo(tx),
	}
}
