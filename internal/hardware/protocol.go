package hardware

import (
	"strconv"
	"strings"

	"github.com/wfunc/smart-kiosk/internal/event"
)

// 固件入站行协议:
//
//	COIN_EVENT:<denom>                        投币上报（唯一认可的投币格式）
//	CUP_DETECTED [sid]                        检测到杯子
//	CUP_REMOVED [sid]                         杯子移开
//	DISPENSE_START [sid]                      出水开始确认
//	DISPENSE_PROGRESS ml=<x> remaining=<y>    出水增量上报
//	DISPENSE_DONE <ml>                        出水完成, 携带累计毫升
//	ANIMATION_START:<ml>,<seconds>            出水预告动画参数
//	CREDIT_LEFT <ml>                          剩余额度回显
//	MODE:<WATER|CHARGE>                       模式上报
//	STATUS:<text> / READY                     固件状态
//
// 固件对每枚硬币还会回显若干调试行
// （Coin accepted: pulses=.. value=P<n> added=<ml> 等）,
// 这些行一律忽略, 避免同一枚硬币被重复计数
//
// 出站指令:
//
//	START_DISPENSE <sid> <target_ml>
//	STOP_DISPENSE <sid>
//	MODE WATER / MODE CHARGE
//	DISP <id> <MMSS> / DISP <id> CLEAR
//	STATUS

// 入站事件名
const (
	EventCoinInserted     = "coin_inserted"
	EventCupDetected      = "cup_detected"
	EventCupRemoved       = "cup_removed"
	EventDispenseStart    = "dispense_start"
	EventDispenseProgress = "dispense_progress"
	EventDispenseDone     = "dispense_done"
	EventAnimationStart   = "animation_start"
	EventCreditLeft       = "credit_left"
	EventModeReport       = "mode_report"
	EventFirmwareStatus   = "firmware_status"
)

// ParseLine 把一行固件输出解析为事件
// 无法识别的行返回 (nil, false)
func ParseLine(line string) (*event.Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	switch {
	case strings.HasPrefix(line, "COIN_EVENT:"):
		denom, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "COIN_EVENT:")))
		if err != nil {
			return nil, false
		}
		return event.New(EventCoinInserted, map[string]interface{}{
			"denom": denom,
		}, event.SourceSerial), true

	// 同一枚硬币的固件调试回显, 只认COIN_EVENT
	case strings.Contains(line, "Coin accepted:"),
		strings.Contains(line, "pulses="),
		strings.Contains(line, "value=P"):
		return nil, false

	case strings.HasPrefix(line, "ANIMATION_START:"):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "ANIMATION_START:"))
		parts := strings.SplitN(rest, ",", 2)
		if len(parts) != 2 {
			return nil, false
		}
		ml, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		secs, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return nil, false
		}
		return event.New(EventAnimationStart, map[string]interface{}{
			"total_ml":      ml,
			"total_seconds": secs,
		}, event.SourceSerial), true

	case strings.HasPrefix(line, "CUP_DETECTED"):
		args := map[string]interface{}{}
		if sid := fieldAfter(line, 1); sid != "" {
			args["session_id"] = sid
		}
		return event.New(EventCupDetected, args, event.SourceSerial), true

	case strings.HasPrefix(line, "CUP_REMOVED"):
		args := map[string]interface{}{}
		if sid := fieldAfter(line, 1); sid != "" {
			args["session_id"] = sid
		}
		return event.New(EventCupRemoved, args, event.SourceSerial), true

	// 固件的出水上报不带会话ID, 路由层回退到唯一的活动会话;
	// UI来源的带会话ID变体也接受
	case strings.HasPrefix(line, "DISPENSE_START"):
		args := map[string]interface{}{}
		if sid := fieldAfter(line, 1); sid != "" {
			args["session_id"] = sid
		}
		return event.New(EventDispenseStart, args, event.SourceSerial), true

	case strings.HasPrefix(line, "DISPENSE_PROGRESS"):
		args := map[string]interface{}{}
		sid := ""
		ml := -1
		for _, f := range strings.Fields(line)[1:] {
			switch {
			case strings.HasPrefix(f, "ml="):
				if n, err := strconv.Atoi(strings.TrimPrefix(f, "ml=")); err == nil {
					ml = n
				}
			case strings.HasPrefix(f, "remaining="):
				if n, err := strconv.Atoi(strings.TrimPrefix(f, "remaining=")); err == nil {
					args["remaining_ml"] = n
				}
			default:
				if n, err := strconv.Atoi(f); err == nil {
					if ml < 0 {
						ml = n
					}
				} else if sid == "" {
					sid = f
				}
			}
		}
		if ml < 0 {
			return nil, false
		}
		args["ml"] = ml
		if sid != "" {
			args["session_id"] = sid
		}
		return event.New(EventDispenseProgress, args, event.SourceSerial), true

	case strings.HasPrefix(line, "DISPENSE_DONE"):
		args := map[string]interface{}{}
		first := fieldAfter(line, 1)
		if total, err := strconv.Atoi(first); err == nil {
			args["total_ml"] = total
		} else if first != "" {
			args["session_id"] = first
			if total, err := strconv.Atoi(fieldAfter(line, 2)); err == nil {
				args["total_ml"] = total
			}
		}
		return event.New(EventDispenseDone, args, event.SourceSerial), true

	case strings.HasPrefix(line, "CREDIT_LEFT"):
		ml, err := strconv.Atoi(fieldAfter(line, 1))
		if err != nil {
			return nil, false
		}
		return event.New(EventCreditLeft, map[string]interface{}{
			"ml": ml,
		}, event.SourceSerial), true

	case strings.HasPrefix(line, "MODE:"):
		mode := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "MODE:")))
		if mode == "" {
			return nil, false
		}
		return event.New(EventModeReport, map[string]interface{}{
			"mode": mode,
		}, event.SourceSerial), true

	case strings.HasPrefix(line, "STATUS:"):
		return event.New(EventFirmwareStatus, map[string]interface{}{
			"status": strings.TrimSpace(strings.TrimPrefix(line, "STATUS:")),
		}, event.SourceSerial), true

	case line == "READY":
		return event.New(EventFirmwareStatus, map[string]interface{}{
			"status": "ready",
		}, event.SourceSerial), true
	}

	return nil, false
}

// fieldAfter 返回行的第n个空白分隔字段, 越界时返回空串
func fieldAfter(line string, n int) string {
	fields := strings.Fields(line)
	if n >= len(fields) {
		return ""
	}
	return fields[n]
}

// BuildStartDispense 构造出水开始指令
func BuildStartDispense(sessionID string, targetML int) string {
	return "START_DISPENSE " + sessionID + " " + strconv.Itoa(targetML)
}

// BuildStopDispense 构造出水停止指令
func BuildStopDispense(sessionID string) string {
	return "STOP_DISPENSE " + sessionID
}

// BuildModeSwitch 构造模式切换指令
func BuildModeSwitch(mode string) string {
	return "MODE " + strings.ToUpper(mode)
}
