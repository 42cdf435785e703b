package hardware

import (
	"bytes"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/wfunc/smart-kiosk/internal/config"
	"github.com/wfunc/smart-kiosk/internal/event"
	"github.com/wfunc/smart-kiosk/internal/logger"
	"go.uber.org/zap"
)

const (
	// 去重环容量
	dedupRingSize = 15
	// 参与去重哈希的行前缀长度
	dedupPrefixLen = 40
	// 事件输出缓冲
	eventBufferSize = 256
)

// SerialListener 固件串口监听器
// 负责行协议解析、重复行抑制和投币过滤,
// 连接生命周期交给ReconnectManager管理
type SerialListener struct {
	serialCfg *config.SerialConfig
	coinCfg   *config.CoinConfig
	logger    *zap.Logger

	manager *ReconnectManager

	writeMu sync.Mutex
	port    io.ReadWriteCloser
	portMu  sync.RWMutex

	events chan *event.Event

	// 最近行哈希环
	ring    [dedupRingSize]uint64
	ringLen int
	ringIdx int
	ringMu  sync.Mutex

	// 投币过滤状态
	coinMu        sync.Mutex
	lastCoinAt    time.Time
	coinWindow    time.Time
	coinsInWindow int
	coinSeq       uint64
	denoms        map[int]bool

	// 原始行留档钩子
	tapMu sync.RWMutex
	tap   LineTap

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// LineTap 串口原始行留档钩子
// 实现方必须快速返回, 慢速落库自己做缓冲
type LineTap interface {
	RecordInbound(device, line, eventName, eventID string, dropped bool)
	RecordOutbound(device, cmd string)
}

// NewSerialListener 创建串口监听器
// opener为nil时使用tarm/serial默认打开器
func NewSerialListener(serialCfg *config.SerialConfig, coinCfg *config.CoinConfig, opener PortOpener) *SerialListener {
	if opener == nil {
		opener = DefaultPortOpener(serialCfg)
	}

	l := &SerialListener{
		serialCfg: serialCfg,
		coinCfg:   coinCfg,
		logger:    logger.GetModuleLogger("serial"),
		events:    make(chan *event.Event, eventBufferSize),
		denoms:    make(map[int]bool),
		stopCh:    make(chan struct{}),
	}
	for _, d := range coinCfg.Denominations {
		l.denoms[d] = true
	}

	l.manager = NewReconnectManager(serialCfg, opener, l.probePort)
	l.manager.SetCallbacks(l.onConnect, l.onDisconnect)

	return l
}

// Start 启动监听器
func (l *SerialListener) Start() error {
	return l.manager.Start()
}

// Stop 停止监听器
func (l *SerialListener) Stop() {
	close(l.stopCh)
	l.manager.Stop()
	l.wg.Wait()
}

// Events 返回解析后的事件通道
func (l *SerialListener) Events() <-chan *event.Event {
	return l.events
}

// SetTap 挂载原始行留档钩子
func (l *SerialListener) SetTap(tap LineTap) {
	l.tapMu.Lock()
	l.tap = tap
	l.tapMu.Unlock()
}

func (l *SerialListener) tapInbound(line, eventName, eventID string, dropped bool) {
	l.tapMu.RLock()
	tap := l.tap
	l.tapMu.RUnlock()
	if tap != nil {
		tap.RecordInbound(l.CurrentDevice(), line, eventName, eventID, dropped)
	}
}

// IsConnected 返回串口连接状态
func (l *SerialListener) IsConnected() bool {
	return l.manager.IsConnected()
}

// CurrentDevice 返回当前设备路径
func (l *SerialListener) CurrentDevice() string {
	return l.manager.CurrentDevice()
}

// Send 发送一条出站指令, 自动追加换行
// 返回是否发送成功; 失败时交给重连管理器判断是否断线
func (l *SerialListener) Send(cmd string) bool {
	l.portMu.RLock()
	port := l.port
	l.portMu.RUnlock()

	if port == nil {
		l.logger.Warn("串口未连接, 指令丢弃", zap.String("command", cmd))
		return false
	}

	l.writeMu.Lock()
	_, err := port.Write([]byte(cmd + "\n"))
	l.writeMu.Unlock()

	if err != nil {
		l.logger.Error("串口写入失败",
			zap.String("command", cmd), zap.Error(err))
		l.manager.HandleError(err)
		return false
	}

	l.tapMu.RLock()
	tap := l.tap
	l.tapMu.RUnlock()
	if tap != nil {
		tap.RecordOutbound(l.CurrentDevice(), cmd)
	}

	l.logger.Debug("指令已发送", zap.String("command", cmd))
	return true
}

// probePort 向端口发送探测指令并等待任意应答
func (l *SerialListener) probePort(port io.ReadWriteCloser) bool {
	probe := l.serialCfg.ProbeCommand
	if probe == "" {
		return true
	}
	if _, err := port.Write([]byte(probe + "\n")); err != nil {
		return false
	}

	deadline := time.Now().Add(l.serialCfg.ProbeTimeout)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil && err != io.EOF {
			return false
		}
		if n > 0 {
			return true
		}
	}
	return false
}

// onConnect 连接建立后启动读循环
func (l *SerialListener) onConnect(port io.ReadWriteCloser) error {
	l.portMu.Lock()
	l.port = port
	l.portMu.Unlock()

	l.wg.Add(1)
	go l.readLoop(port)

	return nil
}

// onDisconnect 连接断开时清除端口引用
func (l *SerialListener) onDisconnect() {
	l.portMu.Lock()
	l.port = nil
	l.portMu.Unlock()
}

// readLoop 行读取循环
// 串口读超时返回零字节不是错误, 循环继续等待
func (l *SerialListener) readLoop(port io.ReadWriteCloser) {
	defer l.wg.Done()

	var pending []byte
	buf := make([]byte, 256)

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if err == io.EOF {
				continue
			}
			l.logger.Error("串口读取失败", zap.Error(err))
			l.manager.HandleError(err)
			return
		}
		if n == 0 {
			continue
		}

		pending = append(pending, buf[:n]...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := string(bytes.TrimRight(pending[:idx], "\r"))
			pending = pending[idx+1:]
			l.handleLine(line)
		}
	}
}

// handleLine 处理一行固件输出
func (l *SerialListener) handleLine(line string) {
	if line == "" {
		return
	}

	if l.isDuplicate(line) {
		l.logger.Debug("重复行已抑制", zap.String("line", line))
		l.tapInbound(line, "", "", true)
		return
	}

	e, ok := ParseLine(line)
	if !ok {
		l.logger.Debug("无法识别的固件输出", zap.String("line", line))
		l.tapInbound(line, "", "", true)
		return
	}

	if e.Name == EventCoinInserted {
		seq, ok := l.acceptCoin(e)
		if !ok {
			l.tapInbound(line, e.Name, e.ID, true)
			return
		}
		// 通过过滤的每枚硬币是一次独立的计费事实,
		// 加入序号使同面额投币产生不同的事件ID
		args := map[string]interface{}{"seq": seq}
		for k, v := range e.Args {
			args[k] = v
		}
		e = event.New(EventCoinInserted, args, event.SourceSerial)
	}

	l.tapInbound(line, e.Name, e.ID, false)

	select {
	case l.events <- e:
	default:
		l.logger.Warn("事件缓冲已满, 事件丢弃",
			zap.String("event", e.Name), zap.String("id", e.ID))
	}
}

// isDuplicate 基于最近行前缀哈希环抑制完全重复的行
func (l *SerialListener) isDuplicate(line string) bool {
	prefix := line
	if len(prefix) > dedupPrefixLen {
		prefix = prefix[:dedupPrefixLen]
	}
	h := fnv.New64a()
	h.Write([]byte(prefix))
	sum := h.Sum64()

	l.ringMu.Lock()
	defer l.ringMu.Unlock()

	for i := 0; i < l.ringLen; i++ {
		if l.ring[i] == sum {
			return true
		}
	}

	l.ring[l.ringIdx] = sum
	l.ringIdx = (l.ringIdx + 1) % dedupRingSize
	if l.ringLen < dedupRingSize {
		l.ringLen++
	}
	return false
}

// acceptCoin 投币过滤: 面额白名单、去抖窗口和每秒计数上限
// 接受时返回递增序号
func (l *SerialListener) acceptCoin(e *event.Event) (uint64, bool) {
	denom := e.Int("denom", 0)
	if !l.denoms[denom] {
		l.logger.Warn("非法面额, 投币忽略", zap.Int("denom", denom))
		return 0, false
	}

	l.coinMu.Lock()
	defer l.coinMu.Unlock()

	now := time.Now()

	if !l.lastCoinAt.IsZero() && now.Sub(l.lastCoinAt) < l.coinCfg.Debounce {
		l.logger.Debug("去抖窗口内的投币忽略",
			zap.Int("denom", denom),
			zap.Duration("since_last", now.Sub(l.lastCoinAt)))
		return 0, false
	}

	if now.Sub(l.coinWindow) >= time.Second {
		l.coinWindow = now
		l.coinsInWindow = 0
	}
	if l.coinsInWindow >= l.coinCfg.MaxPerSecond {
		l.logger.Warn("投币频率超限, 投币忽略", zap.Int("denom", denom))
		return 0, false
	}

	l.coinsInWindow++
	l.lastCoinAt = now
	l.coinSeq++

	l.logger.Info("投币接受", zap.Int("denom", denom), zap.Uint64("seq", l.coinSeq))
	return l.coinSeq, true
}
