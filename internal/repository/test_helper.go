package repository

import (
	"os"
	"time"

	"github.com/wfunc/smart-kiosk/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// isCI 检查是否在CI环境中运行
func isCI() bool {
	// GitHub Actions 设置 CI=true
	// 其他CI系统也通常设置 CI 环境变量
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// SetupTestDB 为测试套件设置测试数据库
func SetupTestDB() *gorm.DB {
	// 使用内存数据库进行测试（更快，不需要文件系统，在所有环境中都能工作）
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(err)
	}

	// 清理所有表数据（保留表结构）
	tables := []interface{}{
		&models.SerialLog{},
		&models.SlotRecord{},
		&models.SlotState{},
		&models.CoinLog{},
		&models.KioskSession{},
		&models.BalanceChange{},
		&models.User{},
	}

	for _, table := range tables {
		db.Unscoped().Where("1 = 1").Delete(table)
	}

	// 自动迁移所有模型
	err = db.AutoMigrate(
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
	)
	if err != nil {
		panic(err)
	}

	return db
}

// CleanupTestDB 清理测试数据库
func CleanupTestDB(db *gorm.DB) {
	// 关闭数据库连接
	sqlDB, _ := db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

// CreateTestUser 创建测试用户
func CreateTestUser(db *gorm.DB, uid string, balance int64) *models.User {
	now := time.Now()
	user := &models.User{
		UID:           uid,
		ChargeBalance: balance,
		LastSeenAt:    &now,
	}
	db.Create(user)
	return user
}

// CreateTestSession 创建测试会话
func CreateTestSession(db *gorm.DB, sessionID, uid, mode string, slot int) *models.KioskSession {
	session := &models.KioskSession{
		SessionID: sessionID,
		UID:       uid,
		Slot:      slot,
		Mode:      mode,
		Status:    "active",
		StartedAt: time.Now(),
	}
	db.Create(session)
	return session
}
