package repository

import (
	"fmt"
	"time"

	"github.com/wfunc/smart-kiosk/internal/models"
	"gorm.io/gorm"
)

// SerialLogRepository 串口日志仓库
type SerialLogRepository struct {
	db *gorm.DB
}

// NewSerialLogRepository 创建串口日志仓库
func NewSerialLogRepository(db *gorm.DB) *SerialLogRepository {
	return &SerialLogRepository{
		db: db,
	}
}

// Create 创建日志记录
func (r *SerialLogRepository) Create(log *models.SerialLog) error {
	return r.db.Create(log).Error
}

// CreateBatch 批量创建日志记录
func (r *SerialLogRepository) CreateBatch(logs []*models.SerialLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.CreateInBatches(logs, 100).Error
}

// GetBySessionID 根据会话ID获取日志
func (r *SerialLogRepository) GetBySessionID(sessionID string) ([]*models.SerialLog, error) {
	var logs []*models.SerialLog
	err := r.db.Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}

// GetByEventName 根据事件名获取最近的日志
func (r *SerialLogRepository) GetByEventName(eventName string, limit int) ([]*models.SerialLog, error) {
	var logs []*models.SerialLog
	err := r.db.Where("event_name = ?", eventName).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// GetLatest 获取最新的日志记录
func (r *SerialLogRepository) GetLatest(limit int, direction models.SerialLogDirection) ([]*models.SerialLog, error) {
	var logs []*models.SerialLog
	db := r.db.Order("created_at DESC").Limit(limit)
	if direction != "" {
		db = db.Where("direction = ?", direction)
	}
	err := db.Find(&logs).Error
	return logs, err
}

// CountDropped 统计指定时间以来被丢弃的行数
func (r *SerialLogRepository) CountDropped(since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.SerialLog{}).
		Where("dropped = ? AND created_at >= ?", true, since).
		Count(&count).Error
	return count, err
}

// DeleteOldLogs 删除旧日志
func (r *SerialLogRepository) DeleteOldLogs(beforeTime time.Time) (int64, error) {
	result := r.db.Unscoped().Where("created_at < ?", beforeTime).Delete(&models.SerialLog{})
	return result.RowsAffected, result.Error
}

// CleanupLogs 清理日志（保留最近N天的数据）
func (r *SerialLogRepository) CleanupLogs(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be greater than 0")
	}
	beforeTime := time.Now().AddDate(0, 0, -retentionDays)
	return r.DeleteOldLogs(beforeTime)
}
