package models

import (
	"time"

	"gorm.io/gorm"
)

// SerialLogDirection 串口日志方向
type SerialLogDirection string

const (
	SerialLogSend    SerialLogDirection = "SEND"
	SerialLogReceive SerialLogDirection = "RECEIVE"
)

// SerialLog 串口通信日志
// 固件链路的原始行留档, 供排查协议问题
type SerialLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Direction SerialLogDirection `gorm:"type:varchar(10);index;not null" json:"direction"`
	Device    string             `gorm:"type:varchar(64)" json:"device"`            // 设备路径
	Line      string             `gorm:"type:text" json:"line"`                     // 原始行
	EventName string             `gorm:"type:varchar(40);index" json:"event_name"`  // 解析出的事件名, 未解析为空
	EventID   string             `gorm:"type:varchar(16);index" json:"event_id"`    // 事件ID
	SessionID string             `gorm:"type:varchar(64);index" json:"session_id"`
	Dropped   bool               `gorm:"default:false" json:"dropped"` // 是否被去重/过滤丢弃
	Timestamp int64              `gorm:"index" json:"timestamp"`       // Unix毫秒
}

// TableName 指定表名
func (SerialLog) TableName() string {
	return "serial_logs"
}

// BeforeCreate 创建前的钩子
func (s *SerialLog) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	return nil
}
