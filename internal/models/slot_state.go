package models

import (
	"time"
)

// SlotState 充电位状态快照表（用于重启恢复）
type SlotState struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Slot         int       `gorm:"uniqueIndex;not null" json:"slot"`
	SessionID    string    `gorm:"size:64" json:"session_id"`
	CurrentState string    `gorm:"size:20;not null" json:"current_state"`
	StateData    string    `gorm:"type:text" json:"state_data"` // JSON格式的状态数据
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName 指定表名
func (SlotState) TableName() string {
	return "slot_states"
}
