package models

import (
	"time"
)

// 会话模式
const (
	ModeCharge = "charge"
	ModeWater  = "water"
)

// KioskSession 机台会话表
// 一次充电或售水服务从开始到结束的完整记录
type KioskSession struct {
	BaseModel
	SessionID       string     `gorm:"uniqueIndex;size:64;not null" json:"session_id"`
	UID             string     `gorm:"index;size:64" json:"uid"`
	Slot            int        `gorm:"index" json:"slot"` // 售水会话为0
	Mode            string     `gorm:"size:10;not null;index" json:"mode"`
	Status          string     `gorm:"size:20;not null;index" json:"status"`
	CoinsInserted   int64      `gorm:"default:0" json:"coins_inserted"`   // 累计投币金额
	SecondsCredited int64      `gorm:"default:0" json:"seconds_credited"` // 兑换的充电秒数
	SecondsCharged  int64      `gorm:"default:0" json:"seconds_charged"`  // 实际累计充电秒数
	MLCredited      int64      `gorm:"default:0" json:"ml_credited"`      // 兑换的出水毫升
	MLDispensed     int64      `gorm:"default:0" json:"ml_dispensed"`     // 实际累计出水毫升
	EndReason       string     `gorm:"size:30" json:"end_reason"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Extra           JSONMap    `gorm:"type:json" json:"extra"`
}

// TableName 指定表名
func (KioskSession) TableName() string {
	return "kiosk_sessions"
}

// CoinLog 投币流水表
// IdempotencyKey取事件ID, 重放的投币载荷不会重复入账
type CoinLog struct {
	BaseModel
	IdempotencyKey string `gorm:"uniqueIndex;size:64;not null" json:"idempotency_key"`
	SessionID      string `gorm:"index;size:64" json:"session_id"`
	UID            string `gorm:"index;size:64" json:"uid"`
	Denom          int    `gorm:"not null" json:"denom"`
	Mode           string `gorm:"size:10" json:"mode"`
	CreditedML     int64  `gorm:"default:0" json:"credited_ml"`
	CreditedSecs   int64  `gorm:"default:0" json:"credited_secs"`
}

// TableName 指定表名
func (CoinLog) TableName() string {
	return "coin_logs"
}

// BalanceChange 余额变动流水表
type BalanceChange struct {
	BaseModel
	IdempotencyKey string `gorm:"uniqueIndex;size:64;not null" json:"idempotency_key"`
	UID            string `gorm:"index;size:64;not null" json:"uid"`
	Delta          int64  `gorm:"not null" json:"delta"` // 正为充值, 负为扣减
	BalanceAfter   int64  `json:"balance_after"`
	Reason         string `gorm:"size:50" json:"reason"`
	SessionID      string `gorm:"index;size:64" json:"session_id"`
}

// TableName 指定表名
func (BalanceChange) TableName() string {
	return "balance_changes"
}

// SlotRecord 充电位状态迁移记录表
type SlotRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Slot      int       `gorm:"index;not null" json:"slot"`
	SessionID string    `gorm:"index;size:64" json:"session_id"`
	FromState string    `gorm:"size:20" json:"from_state"`
	ToState   string    `gorm:"size:20;not null" json:"to_state"`
	AmpsRMS   float64   `json:"amps_rms"`
	Operation string    `gorm:"size:40;index" json:"operation"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (SlotRecord) TableName() string {
	return "slot_records"
}
