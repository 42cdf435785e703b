package repository

import (
	"context"
	"errors"

	"github.com/wfunc/smart-kiosk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SlotRepository 充电位仓储接口
// 状态快照用于重启恢复, 迁移记录用于审计
type SlotRepository interface {
	BaseRepository
	SaveState(ctx context.Context, state *models.SlotState) error
	GetState(ctx context.Context, slot int) (*models.SlotState, error)
	ListStates(ctx context.Context) ([]*models.SlotState, error)
	ClearState(ctx context.Context, slot int) error
	RecordTransition(ctx context.Context, record *models.SlotRecord) error
	ListRecords(ctx context.Context, slot int, limit int) ([]*models.SlotRecord, error)
}

// slotRepo 充电位仓储实现
type slotRepo struct {
	*BaseRepo
}

// NewSlotRepository 创建充电位仓储
func NewSlotRepository(db *gorm.DB) SlotRepository {
	return &slotRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// SaveState 保存充电位状态快照, 按slot做upsert
func (r *slotRepo) SaveState(ctx context.Context, state *models.SlotState) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "slot"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"session_id", "current_state", "state_data", "updated_at",
			}),
		}).
		Create(state).Error
}

// GetState 读取充电位状态快照, 无快照返回nil
func (r *slotRepo) GetState(ctx context.Context, slot int) (*models.SlotState, error) {
	var state models.SlotState
	err := r.db.WithContext(ctx).Where("slot = ?", slot).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// ListStates 读取所有充电位状态快照
func (r *slotRepo) ListStates(ctx context.Context) ([]*models.SlotState, error) {
	var states []*models.SlotState
	err := r.db.WithContext(ctx).Order("slot ASC").Find(&states).Error
	return states, err
}

// ClearState 删除充电位状态快照
func (r *slotRepo) ClearState(ctx context.Context, slot int) error {
	return r.db.WithContext(ctx).
		Where("slot = ?", slot).
		Delete(&models.SlotState{}).Error
}

// RecordTransition 记录充电位状态迁移
func (r *slotRepo) RecordTransition(ctx context.Context, record *models.SlotRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// ListRecords 查询充电位最近的状态迁移记录
func (r *slotRepo) ListRecords(ctx context.Context, slot int, limit int) ([]*models.SlotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*models.SlotRecord
	err := r.db.WithContext(ctx).
		Where("slot = ?", slot).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// WithTx 使用事务
func (r *slotRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &slotRepo{
		BaseRepo: NewBaseRepo(tx),
	}
}
