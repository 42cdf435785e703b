package hardware

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/smart-kiosk/internal/config"
	"github.com/wfunc/smart-kiosk/internal/logger"
	"go.uber.org/zap"
)

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PortOpener 打开串口设备, 测试时注入替身
type PortOpener func(name string) (io.ReadWriteCloser, error)

// ProbeFunc 对已打开的端口做应答探测, 返回是否为目标固件
type ProbeFunc func(port io.ReadWriteCloser) bool

// DefaultPortOpener 基于tarm/serial的默认打开器
func DefaultPortOpener(cfg *config.SerialConfig) PortOpener {
	return func(name string) (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name:        name,
			Baud:        cfg.BaudRate,
			ReadTimeout: cfg.ReadTimeout,
		})
	}
}

// ReconnectManager 串口重连管理器
// 按候选端口列表顺序探测固件, 断线后以递增间隔自动重连
type ReconnectManager struct {
	ports  []string
	opener PortOpener
	probe  ProbeFunc
	logger *zap.Logger

	baseInterval time.Duration
	maxInterval  time.Duration

	connected      bool
	reconnecting   bool
	lastDevicePath string
	port           io.ReadWriteCloser

	onConnect    func(io.ReadWriteCloser) error // 连接成功回调
	onDisconnect func()                         // 断开连接回调

	stopCh      chan struct{}
	reconnectCh chan struct{}
	mu          sync.RWMutex
}

// NewReconnectManager 创建串口重连管理器
func NewReconnectManager(cfg *config.SerialConfig, opener PortOpener, probe ProbeFunc) *ReconnectManager {
	base := cfg.RetryInterval
	if base <= 0 {
		base = 5 * time.Second
	}
	max := cfg.MaxRetryDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	return &ReconnectManager{
		ports:        cfg.Ports,
		opener:       opener,
		probe:        probe,
		logger:       logger.GetModuleLogger("serial"),
		baseInterval: base,
		maxInterval:  max,
		reconnectCh:  make(chan struct{}, 1),
	}
}

// SetCallbacks 设置连接生命周期回调
func (m *ReconnectManager) SetCallbacks(
	onConnect func(io.ReadWriteCloser) error,
	onDisconnect func(),
) {
	m.onConnect = onConnect
	m.onDisconnect = onDisconnect
}

// Start 启动管理器并尝试初始连接
func (m *ReconnectManager) Start() error {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return fmt.Errorf("重连管理器已启动")
	}
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	if err := m.connect(); err != nil {
		m.logger.Warn("初始连接失败, 将在后台重试", zap.Error(err))
		m.triggerReconnect()
	}

	go m.reconnectLoop()

	return nil
}

// Stop 停止管理器并关闭端口
func (m *ReconnectManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}

	if m.port != nil {
		m.port.Close()
		m.port = nil
	}

	m.connected = false
}

// TriggerReconnect 手动触发重连
func (m *ReconnectManager) TriggerReconnect() {
	m.triggerReconnect()
}

func (m *ReconnectManager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// 已有重连请求在队列中
	}
}

// IsConnected 检查连接状态
func (m *ReconnectManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// CurrentDevice 返回当前连接的设备路径
func (m *ReconnectManager) CurrentDevice() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastDevicePath
}

// connect 按候选列表查找并连接固件
func (m *ReconnectManager) connect() error {
	device, port := m.findDevice()
	if port == nil {
		return fmt.Errorf("候选端口中未找到固件设备: %v", m.ports)
	}

	m.mu.Lock()
	m.port = port
	m.lastDevicePath = device
	m.connected = true
	m.mu.Unlock()

	m.logger.Info("串口连接成功", zap.String("device", device))

	if m.onConnect != nil {
		if err := m.onConnect(port); err != nil {
			m.logger.Error("连接回调失败",
				zap.String("device", device), zap.Error(err))
			port.Close()
			m.mu.Lock()
			m.port = nil
			m.connected = false
			m.mu.Unlock()
			return err
		}
	}

	return nil
}

// findDevice 依次探测候选端口, 优先尝试最后成功的设备
func (m *ReconnectManager) findDevice() (string, io.ReadWriteCloser) {
	candidates := m.ports
	if last := m.CurrentDevice(); last != "" {
		candidates = append([]string{last}, m.ports...)
	}

	for _, device := range candidates {
		if !SerialPortExists(device) {
			continue
		}
		port, err := m.opener(device)
		if err != nil {
			m.logger.Debug("端口打开失败",
				zap.String("device", device), zap.Error(err))
			continue
		}
		if m.probe != nil && !m.probe(port) {
			m.logger.Debug("端口探测无应答", zap.String("device", device))
			port.Close()
			continue
		}
		m.logger.Info("找到固件设备", zap.String("device", device))
		return device, port
	}

	return "", nil
}

// reconnectLoop 重连循环, 间隔从基础值翻倍递增到上限
func (m *ReconnectManager) reconnectLoop() {
	m.mu.RLock()
	stopCh := m.stopCh
	m.mu.RUnlock()

	interval := m.baseInterval

	for {
		select {
		case <-stopCh:
			m.logger.Info("停止重连循环")
			return

		case <-m.reconnectCh:
			m.mu.Lock()
			if m.reconnecting {
				m.mu.Unlock()
				continue
			}
			m.reconnecting = true
			m.mu.Unlock()

			m.disconnect()

			retryCount := 0
			for {
				select {
				case <-stopCh:
					m.mu.Lock()
					m.reconnecting = false
					m.mu.Unlock()
					return
				default:
				}

				retryCount++
				if err := m.connect(); err == nil {
					m.logger.Info("重连成功",
						zap.String("device", m.CurrentDevice()),
						zap.Int("retry_count", retryCount))
					m.mu.Lock()
					m.reconnecting = false
					m.mu.Unlock()
					break
				} else {
					m.logger.Warn("重连失败, 等待重试",
						zap.Error(err),
						zap.Int("retry", retryCount),
						zap.Duration("interval", interval))
				}

				time.Sleep(interval)

				if interval < m.maxInterval {
					interval *= 2
					if interval > m.maxInterval {
						interval = m.maxInterval
					}
				}
			}

			interval = m.baseInterval
		}
	}
}

// disconnect 断开当前连接
func (m *ReconnectManager) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port != nil {
		m.logger.Info("断开串口连接", zap.String("device", m.lastDevicePath))

		if m.onDisconnect != nil {
			m.onDisconnect()
		}

		m.port.Close()
		m.port = nil
	}

	m.connected = false
}

// HandleError 检查读写错误是否为断线并触发重连
func (m *ReconnectManager) HandleError(err error) {
	if err == nil {
		return
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "file already closed") ||
		strings.Contains(errStr, "permission denied") {

		m.logger.Error("检测到串口断线",
			zap.String("device", m.CurrentDevice()),
			zap.Error(err))

		m.triggerReconnect()
	}
}
