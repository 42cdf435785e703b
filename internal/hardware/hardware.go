package hardware

import (
	"fmt"
	"sync"
)

// Manager 硬件访问接口
// 继电器、锁柜、ADC采样和数码管全部经由该接口访问,
// 业务层通过注入获得实例, 测试时注入MockManager
type Manager interface {
	// SetPowerRelay 设置充电位供电继电器
	SetPowerRelay(slot int, on bool) error
	// SetLockRelay 设置柜门锁继电器, locked=true为上锁
	SetLockRelay(slot int, locked bool) error
	// ReadADC 读取10位ADC通道原始值 (0-1023)
	ReadADC(channel int) (int, error)
	// Display 获取充电位对应的数码管, 无数码管时返回NoopDisplay
	Display(slot int) Display
	// Close 释放硬件资源
	Close() error
}

// Display 数码管显示接口
type Display interface {
	// ShowSeconds 以MMSS格式显示剩余秒数
	ShowSeconds(n int) error
	// Clear 清空显示
	Clear() error
}

// FormatMMSS 把秒数渲染为MMSS四位数码
// 超出99分59秒时封顶显示9959
func FormatMMSS(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	minutes := seconds / 60
	secs := seconds % 60
	if minutes > 99 {
		minutes, secs = 99, 59
	}
	return fmt.Sprintf("%02d%02d", minutes, secs)
}

// NoopDisplay 空显示实现, 用于未配置数码管的充电位
type NoopDisplay struct{}

// ShowSeconds 空操作
func (NoopDisplay) ShowSeconds(n int) error { return nil }

// Clear 空操作
func (NoopDisplay) Clear() error { return nil }

// CommandSender 出站指令发送接口, 由串口监听器实现
type CommandSender interface {
	Send(cmd string) bool
}

// FirmwareDisplay 经固件转发的数码管
// 数码管由固件侧驱动, 主机通过串口下发显示指令
type FirmwareDisplay struct {
	sender    CommandSender
	displayID int
}

// NewFirmwareDisplay 创建固件数码管
func NewFirmwareDisplay(sender CommandSender, displayID int) *FirmwareDisplay {
	return &FirmwareDisplay{sender: sender, displayID: displayID}
}

// ShowSeconds 下发MMSS显示指令
func (d *FirmwareDisplay) ShowSeconds(n int) error {
	if !d.sender.Send(fmt.Sprintf("DISP %d %s", d.displayID, FormatMMSS(n))) {
		return fmt.Errorf("显示指令发送失败: display=%d", d.displayID)
	}
	return nil
}

// Clear 下发清屏指令
func (d *FirmwareDisplay) Clear() error {
	if !d.sender.Send(fmt.Sprintf("DISP %d CLEAR", d.displayID)) {
		return fmt.Errorf("清屏指令发送失败: display=%d", d.displayID)
	}
	return nil
}

// RelayCall 继电器调用记录, 供测试断言
type RelayCall struct {
	Slot int
	On   bool
}

// MockManager 模拟硬件管理器
// 记录全部继电器调用, ADC值可按通道注入
type MockManager struct {
	mu          sync.RWMutex
	adcValues   map[int]int
	powerCalls  []RelayCall
	lockCalls   []RelayCall
	displays    map[int]*MockDisplay
	adcErr      error
}

// NewMockManager 创建模拟硬件管理器
func NewMockManager() *MockManager {
	return &MockManager{
		adcValues: make(map[int]int),
		displays:  make(map[int]*MockDisplay),
	}
}

// SetADCValue 注入ADC通道原始值
func (m *MockManager) SetADCValue(channel int, raw int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adcValues[channel] = raw
}

// SetADCError 注入ADC读取错误
func (m *MockManager) SetADCError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adcErr = err
}

// SetPowerRelay 记录供电继电器调用
func (m *MockManager) SetPowerRelay(slot int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerCalls = append(m.powerCalls, RelayCall{Slot: slot, On: on})
	return nil
}

// SetLockRelay 记录锁柜继电器调用
func (m *MockManager) SetLockRelay(slot int, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockCalls = append(m.lockCalls, RelayCall{Slot: slot, On: locked})
	return nil
}

// ReadADC 返回注入的通道值, 未注入时返回0
func (m *MockManager) ReadADC(channel int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.adcErr != nil {
		return 0, m.adcErr
	}
	return m.adcValues[channel], nil
}

// Display 返回该充电位的模拟数码管
func (m *MockManager) Display(slot int) Display {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.displays[slot]
	if !ok {
		d = &MockDisplay{}
		m.displays[slot] = d
	}
	return d
}

// Close 空操作
func (m *MockManager) Close() error { return nil }

// PowerCalls 返回供电继电器调用记录
func (m *MockManager) PowerCalls() []RelayCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]RelayCall, len(m.powerCalls))
	copy(calls, m.powerCalls)
	return calls
}

// LockCalls 返回锁柜继电器调用记录
func (m *MockManager) LockCalls() []RelayCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]RelayCall, len(m.lockCalls))
	copy(calls, m.lockCalls)
	return calls
}

// LastShown 返回某充电位数码管最后显示的秒数, 未显示过返回-1
func (m *MockManager) LastShown(slot int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.displays[slot]; ok {
		return d.Last()
	}
	return -1
}

// MockDisplay 模拟数码管
type MockDisplay struct {
	mu      sync.Mutex
	last    int
	shown   bool
	cleared bool
}

// ShowSeconds 记录显示值
func (d *MockDisplay) ShowSeconds(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = n
	d.shown = true
	d.cleared = false
	return nil
}

// Clear 记录清屏
func (d *MockDisplay) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = true
	return nil
}

// Last 返回最后显示值, 未显示过返回-1
func (d *MockDisplay) Last() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.shown {
		return -1
	}
	return d.last
}

// Cleared 返回是否已清屏
func (d *MockDisplay) Cleared() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleared
}
