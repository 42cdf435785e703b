package storage

import (
	"context"
	"time"
)

// 持久化载荷操作名
const (
	OpSessionStart        = "session_start"
	OpSessionEnd          = "session_end"
	OpCoin                = "coin"
	OpDispenseIncrement   = "dispense_increment"
	OpSlotReserved        = "slot_reserved"
	OpSlotPlugged         = "slot_plugged"
	OpSlotUnplugged       = "slot_unplugged"
	OpSlotChargingStart   = "slot_charging_start"
	OpSlotChargingPaused  = "slot_charging_paused"
	OpSlotChargingResumed = "slot_charging_resumed"
	OpSlotChargingDone    = "slot_charging_done"
	OpSlotReleased        = "slot_released"
	OpDeductChargeSeconds = "deduct_user_charge_seconds"
)

// Payload 持久化意图载荷
// 业务线程只入队不落库; ID非空时写入是幂等的,
// 重放的载荷会被存储端安全忽略
type Payload struct {
	Op        string                 `json:"op"`
	ID        string                 `json:"id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	UID       string                 `json:"uid,omitempty"`
	Slot      int                    `json:"slot,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewPayload 创建载荷
func NewPayload(op string) *Payload {
	return &Payload{
		Op:        op,
		Fields:    map[string]interface{}{},
		CreatedAt: time.Now(),
	}
}

// With 追加字段
func (p *Payload) With(key string, value interface{}) *Payload {
	p.Fields[key] = value
	return p
}

// Int 读取整型字段, 不存在或类型不符时返回默认值
func (p *Payload) Int(key string, def int64) int64 {
	v, ok := p.Fields[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return def
}

// Str 读取字符串字段, 不存在时返回默认值
func (p *Payload) Str(key string, def string) string {
	if v, ok := p.Fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Float 读取浮点字段, 不存在或类型不符时返回默认值
func (p *Payload) Float(key string, def float64) float64 {
	v, ok := p.Fields[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// Store 持久化存储接口
// 构造期选定实现: gorm落库或内存存储（测试/离线）
type Store interface {
	// Apply 应用单个载荷; 重复载荷返回nil而不是错误
	Apply(ctx context.Context, p *Payload) error
	// Close 关闭存储
	Close() error
}
