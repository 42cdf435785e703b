package database

import (
	"fmt"

	"github.com/wfunc/smart-kiosk/internal/logger"
	"github.com/wfunc/smart-kiosk/internal/models"
	"go.uber.org/zap"
)

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}

	// 清理过期锁文件
	CleanupStaleLocks()

	// 获取迁移锁，避免多个进程同时迁移
	dbPath := getDBPath()
	if dbPath != "" {
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	migrationModels := []interface{}{
		// 用户与余额
		&models.User{},
		&models.BalanceChange{},

		// 会话与流水
		&models.KioskSession{},
		&models.CoinLog{},

		// 充电位状态
		&models.SlotState{},
		&models.SlotRecord{},

		// 串口日志
		&models.SerialLog{},
	}

	logger.Info("开始数据库迁移...")

	// SQLite迁移期间关闭外键约束, 避免重建表时锁定
	if DB.Dialector.Name() == "sqlite" {
		DB.Exec("PRAGMA foreign_keys = OFF")
		defer DB.Exec("PRAGMA foreign_keys = ON")
	}

	for _, model := range migrationModels {
		if err := DB.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	if err := createIndexes(); err != nil {
		return err
	}

	logger.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建数据库索引
func createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_kiosk_sessions_uid ON kiosk_sessions(uid)",
		"CREATE INDEX IF NOT EXISTS idx_kiosk_sessions_status ON kiosk_sessions(status)",
		"CREATE INDEX IF NOT EXISTS idx_coin_logs_session_id ON coin_logs(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_coin_logs_created_at ON coin_logs(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_balance_changes_uid ON balance_changes(uid)",
		"CREATE INDEX IF NOT EXISTS idx_slot_records_slot ON slot_records(slot)",
		"CREATE INDEX IF NOT EXISTS idx_slot_records_created_at ON slot_records(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_serial_logs_created_at ON serial_logs(created_at)",
	}

	for _, idx := range indexes {
		if err := DB.Exec(idx).Error; err != nil {
			logger.Warn("创建索引失败", zap.String("index", idx), zap.Error(err))
		}
	}

	logger.Info("数据库索引创建完成")
	return nil
}

// DropAllTables 删除所有表（仅用于测试环境）
func DropAllTables() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}

	var tables []string
	if err := DB.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tables).Error; err != nil {
		return err
	}

	for _, table := range tables {
		if err := DB.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table)).Error; err != nil {
			logger.Error("删除表失败", zap.String("table", table), zap.Error(err))
			return err
		}
	}

	logger.Info("所有表已删除")
	return nil
}
