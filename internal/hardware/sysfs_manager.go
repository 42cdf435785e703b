package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/wfunc/smart-kiosk/internal/config"
	"github.com/wfunc/smart-kiosk/internal/logger"
	"go.uber.org/zap"
)

const (
	gpioExportPath = "/sys/class/gpio/export"
	gpioBasePath   = "/sys/class/gpio"
	iioBasePath    = "/sys/bus/iio/devices/iio:device0"
)

// SysfsManager 基于sysfs的硬件管理器
// 继电器走 /sys/class/gpio, ADC走内核IIO接口,
// 数码管由固件驱动, 经串口下发显示指令
type SysfsManager struct {
	mu       sync.Mutex
	cfg      *config.KioskConfig
	sender   CommandSender
	exported map[int]bool
	logger   *zap.Logger
}

// NewSysfsManager 创建sysfs硬件管理器
func NewSysfsManager(cfg *config.KioskConfig, sender CommandSender) *SysfsManager {
	return &SysfsManager{
		cfg:      cfg,
		sender:   sender,
		exported: make(map[int]bool),
		logger:   logger.GetModuleLogger("hardware"),
	}
}

// SetPowerRelay 设置充电位供电继电器
func (m *SysfsManager) SetPowerRelay(slot int, on bool) error {
	pin, err := m.slotPin(slot)
	if err != nil {
		return err
	}
	if err := m.writePin(pin.PowerRelay, on); err != nil {
		return fmt.Errorf("供电继电器写入失败: slot=%d: %w", slot, err)
	}
	m.logger.Info("供电继电器切换",
		zap.Int("slot", slot),
		zap.Int("pin", pin.PowerRelay),
		zap.Bool("on", on))
	return nil
}

// SetLockRelay 设置柜门锁继电器
func (m *SysfsManager) SetLockRelay(slot int, locked bool) error {
	pin, err := m.slotPin(slot)
	if err != nil {
		return err
	}
	if err := m.writePin(pin.LockRelay, locked); err != nil {
		return fmt.Errorf("锁柜继电器写入失败: slot=%d: %w", slot, err)
	}
	m.logger.Info("锁柜继电器切换",
		zap.Int("slot", slot),
		zap.Int("pin", pin.LockRelay),
		zap.Bool("locked", locked))
	return nil
}

// ReadADC 读取IIO通道原始值
func (m *SysfsManager) ReadADC(channel int) (int, error) {
	path := filepath.Join(iioBasePath, fmt.Sprintf("in_voltage%d_raw", channel))
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("ADC读取失败: channel=%d: %w", channel, err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("ADC数值解析失败: channel=%d: %w", channel, err)
	}
	return raw, nil
}

// Display 返回充电位的数码管, 未配置时返回NoopDisplay
func (m *SysfsManager) Display(slot int) Display {
	pin, err := m.slotPin(slot)
	if err != nil || pin.DisplayID < 0 || m.sender == nil {
		return NoopDisplay{}
	}
	return NewFirmwareDisplay(m.sender, pin.DisplayID)
}

// Close 关断全部继电器
func (m *SysfsManager) Close() error {
	var lastErr error
	for name, pin := range m.cfg.Slots {
		if err := m.writePin(pin.PowerRelay, false); err != nil {
			m.logger.Warn("关断供电继电器失败",
				zap.String("slot", name), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// slotPin 按配置键slot<N>查找引脚映射, 与充电服务解析的键一致
func (m *SysfsManager) slotPin(slot int) (config.SlotPin, error) {
	pin, ok := m.cfg.Slots[fmt.Sprintf("slot%d", slot)]
	if !ok {
		return config.SlotPin{}, fmt.Errorf("充电位 %d 未配置", slot)
	}
	return pin, nil
}

// writePin 导出并写入GPIO引脚
func (m *SysfsManager) writePin(pin int, high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.exported[pin] {
		if err := m.exportPin(pin); err != nil {
			return err
		}
		m.exported[pin] = true
	}

	value := "0"
	if high {
		value = "1"
	}
	valuePath := filepath.Join(gpioBasePath, fmt.Sprintf("gpio%d", pin), "value")
	return os.WriteFile(valuePath, []byte(value), 0644)
}

// exportPin 导出引脚并设置为输出方向
func (m *SysfsManager) exportPin(pin int) error {
	pinDir := filepath.Join(gpioBasePath, fmt.Sprintf("gpio%d", pin))
	if _, err := os.Stat(pinDir); os.IsNotExist(err) {
		if err := os.WriteFile(gpioExportPath, []byte(strconv.Itoa(pin)), 0644); err != nil {
			return fmt.Errorf("GPIO导出失败: pin=%d: %w", pin, err)
		}
	}
	directionPath := filepath.Join(pinDir, "direction")
	if err := os.WriteFile(directionPath, []byte("out"), 0644); err != nil {
		return fmt.Errorf("GPIO方向设置失败: pin=%d: %w", pin, err)
	}
	return nil
}
