package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// 事件来源常量
const (
	SourceSerial = "serial" // 串口固件上报
	SourceSensor = "sensor" // 电流采样管线
	SourceUI     = "ui"     // 本机UI进程
	SourceSystem = "system" // 内部系统事件
)

// Event 系统内流转的不可变事件封装
// ID由名称和参数确定性派生, 时间戳不参与计算,
// 同一语义的事件重复到达时ID相同, 便于协调器去重
type Event struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
}

// New 创建事件并计算确定性ID
func New(name string, args map[string]interface{}, source string) *Event {
	if args == nil {
		args = map[string]interface{}{}
	}
	return &Event{
		ID:        MakeID(name, args),
		Name:      name,
		Args:      args,
		Source:    source,
		Timestamp: time.Now(),
	}
}

// MakeID 计算事件的确定性ID
// 对 {"args": args, "name": name} 做键排序的规范化JSON序列化,
// 取SHA256十六进制摘要的前16位
func MakeID(name string, args map[string]interface{}) string {
	if args == nil {
		args = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		"args": args,
		"name": name,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(name)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Int 读取整型参数, 不存在或类型不符时返回默认值
func (e *Event) Int(key string, def int) int {
	v, ok := e.Args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// Float 读取浮点参数, 不存在或类型不符时返回默认值
func (e *Event) Float(key string, def float64) float64 {
	v, ok := e.Args[key]
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

// String 读取字符串参数, 不存在或类型不符时返回默认值
func (e *Event) String(key string, def string) string {
	if v, ok := e.Args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}
