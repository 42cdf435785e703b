package models

import (
	"time"
)

// User 用户余额表
// UID由UI/扫码层下发, 机台核心只认不管;
// ChargeBalance是剩余充电秒数, 扣减时钳制到零不为负
type User struct {
	BaseModel
	UID               string     `gorm:"uniqueIndex;size:64;not null" json:"uid"`
	ChargeBalance     int64      `gorm:"default:0" json:"charge_balance"` // 剩余充电秒数
	TotalCoins        int64      `gorm:"default:0" json:"total_coins"`    // 累计投币金额
	TotalSessions     int64      `gorm:"default:0" json:"total_sessions"`
	LastBalanceUpdate *time.Time `json:"last_balance_update,omitempty"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
