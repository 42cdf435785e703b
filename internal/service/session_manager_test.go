package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/smart-kiosk/internal/config"
	apperrors "github.com/wfunc/smart-kiosk/internal/errors"
	"github.com/wfunc/smart-kiosk/internal/event"
	"github.com/wfunc/smart-kiosk/internal/hardware"
	"github.com/wfunc/smart-kiosk/internal/models"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakePort 假事件端口, 充当串口监听器
type fakePort struct {
	mu     sync.Mutex
	events chan *event.Event
	sent   []string
}

func newFakePort() *fakePort {
	return &fakePort{events: make(chan *event.Event, 32)}
}

func (f *fakePort) Events() <-chan *event.Event { return f.events }

func (f *fakePort) Send(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return true
}

func (f *fakePort) IsConnected() bool { return true }

func (f *fakePort) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakePort) countPrefix(prefix string) int {
	n := 0
	for _, cmd := range f.sentCommands() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

type managerFixture struct {
	sm    *SessionManager
	port  *fakePort
	hw    *hardware.MockManager
	water *WaterService
	store *storage.MemoryStore
	queue *PersistQueue
	db    *gorm.DB
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	db := repository.SetupTestDB()
	t.Cleanup(func() { repository.CleanupTestDB(db) })

	cfg := &config.Config{
		Kiosk: config.KioskConfig{
			Mode: models.ModeCharge,
			Slots: map[string]config.SlotPin{
				"slot1": {PowerRelay: 17, LockRelay: 27, ACSChannel: 0, DisplayID: -1},
				"slot2": {PowerRelay: 22, LockRelay: 23, ACSChannel: 1, DisplayID: -1},
			},
		},
		Charging: config.ChargingConfig{
			PlugThreshold:    0.8,
			UnplugThreshold:  0.5,
			ChargeThreshold:  0.8,
			ConfirmSamples:   3,
			PollInterval:     time.Second,
			MaxChargeSeconds: 3600,
			SecondsPerPeso:   300,
		},
		Water: config.WaterConfig{
			MLPerCoin:       500,
			MaxDispenseTime: time.Minute,
		},
		Coin: config.CoinConfig{
			Debounce:      50 * time.Millisecond,
			MaxPerSecond:  3,
			Denominations: []int{1, 5, 10},
		},
	}

	sensorCfg := &config.SensorConfig{
		VRef:        3.3,
		ADCMax:      1023,
		Sensitivity: 0.185,
		WindowSize:  1,
		EMAAlpha:    0.2,
	}

	port := newFakePort()
	mock := hardware.NewMockManager()
	sensor := hardware.NewCurrentSensor(mock, sensorCfg)
	store := storage.NewMemoryStore()
	queue := NewPersistQueue(store, 256, zap.NewNop())
	billing := NewBillingService(&cfg.Charging, &cfg.Water,
		repository.NewUserRepository(db), queue, zap.NewNop())
	charging := NewChargingService(&cfg.Charging, &cfg.Kiosk, mock, sensor, queue, billing, zap.NewNop())
	water := NewWaterService(&cfg.Water, port, queue, zap.NewNop())

	sm := NewSessionManager(cfg, port, billing, charging, water, queue, zap.NewNop())
	return &managerFixture{sm: sm, port: port, hw: mock, water: water, store: store, queue: queue, db: db}
}

func (f *managerFixture) drain(t *testing.T) {
	t.Helper()
	f.queue.Start()
	f.queue.Stop()
}

// coinEvent 构造投币事件, seq保证同面额事件有不同ID
func coinEvent(denom int, seq int) *event.Event {
	return event.New(hardware.EventCoinInserted, map[string]interface{}{
		"denom": denom,
		"seq":   seq,
	}, event.SourceSerial)
}

// TestStartStopChargeSession 测试充电会话的启停与落库
func TestStartStopChargeSession(t *testing.T) {
	f := newManagerFixture(t)

	sid, err := f.sm.StartSession(context.Background(), "card-001", models.ModeCharge, 1)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	snap, err := f.sm.Session(sid)
	require.NoError(t, err)
	assert.Equal(t, "active", snap.Status)
	assert.Equal(t, 1, snap.Slot)

	// 充电位被预约, 同位重复开会话被拒
	_, err = f.sm.StartSession(context.Background(), "card-002", models.ModeCharge, 1)
	assert.True(t, apperrors.Is(err, apperrors.ErrSlotOccupied))

	require.NoError(t, f.sm.StopSession(context.Background(), sid, "user_cancel"))
	_, err = f.sm.Session(sid)
	assert.True(t, apperrors.Is(err, apperrors.ErrSessionNotFound))

	f.drain(t)
	starts := f.store.ByOp(storage.OpSessionStart)
	require.Len(t, starts, 1)
	assert.Equal(t, sid, starts[0].SessionID)
	assert.Equal(t, models.ModeCharge, starts[0].Str("mode", ""))

	ends := f.store.ByOp(storage.OpSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "cancelled", ends[0].Str("status", ""))
}

// TestCoinRouting_WaterMode 测试售水模式下投币进额度
func TestCoinRouting_WaterMode(t *testing.T) {
	f := newManagerFixture(t)

	sid, err := f.sm.StartSession(context.Background(), "card-001", models.ModeWater, 0)
	require.NoError(t, err)

	// 机台默认充电模式, 开售水会话要下发切换指令
	assert.Equal(t, 1, f.port.countPrefix("MODE WATER"))

	f.sm.handleEvent(context.Background(), coinEvent(5, 1))

	snap, err := f.sm.Session(sid)
	require.NoError(t, err)
	assert.EqualValues(t, 5, snap.Coins)
	assert.EqualValues(t, 2500, snap.CreditML)

	wsnap, err := f.water.Snapshot(sid)
	require.NoError(t, err)
	assert.Equal(t, 2500, wsnap.CreditML)

	f.drain(t)
	coins := f.store.ByOp(storage.OpCoin)
	require.Len(t, coins, 1)
	assert.EqualValues(t, 5, coins[0].Int("denom", 0))
}

// TestCoinEventDedup 测试同ID事件只计费一次
func TestCoinEventDedup(t *testing.T) {
	f := newManagerFixture(t)

	sid, err := f.sm.StartSession(context.Background(), "card-001", models.ModeCharge, 1)
	require.NoError(t, err)

	e := coinEvent(10, 1)
	f.sm.handleEvent(context.Background(), e)
	f.sm.handleEvent(context.Background(), e)

	snap, err := f.sm.Session(sid)
	require.NoError(t, err)
	assert.EqualValues(t, 10, snap.Coins)
	assert.EqualValues(t, 3000, snap.CreditSecs)

	// 不同序号的同面额投币是两次独立计费
	f.sm.handleEvent(context.Background(), coinEvent(10, 2))
	snap, _ = f.sm.Session(sid)
	assert.EqualValues(t, 20, snap.Coins)
}

// TestCoinWithoutSession 测试没有会话时投币被丢弃
func TestCoinWithoutSession(t *testing.T) {
	f := newManagerFixture(t)

	f.sm.handleEvent(context.Background(), coinEvent(5, 1))

	f.drain(t)
	assert.Empty(t, f.store.ByOp(storage.OpCoin))
}

// TestCoinInvalidDenomination 测试非法面额在协调器层兜底
func TestCoinInvalidDenomination(t *testing.T) {
	f := newManagerFixture(t)

	sid, err := f.sm.StartSession(context.Background(), "card-001", models.ModeCharge, 1)
	require.NoError(t, err)

	f.sm.handleEvent(context.Background(), event.New(hardware.EventCoinInserted,
		map[string]interface{}{"denom": 3}, event.SourceUI))

	snap, _ := f.sm.Session(sid)
	assert.EqualValues(t, 0, snap.Coins)
}

// TestWaterFinishStopsSession 测试出水完成自动收尾会话
func TestWaterFinishStopsSession(t *testing.T) {
	f := newManagerFixture(t)

	sid, err := f.sm.StartSession(context.Background(), "card-001", models.ModeWater, 0)
	require.NoError(t, err)

	f.sm.handleEvent(context.Background(), coinEvent(1, 1))
	f.sm.handleEvent(context.Background(), event.New(hardware.EventCupDetected,
		map[string]interface{}{"session_id": sid}, event.SourceSerial))
	f.sm.handleEvent(context.Background(), event.New(hardware.EventDispenseProgress,
		map[string]interface{}{"session_id": sid, "ml": 500, "seq": 1}, event.SourceSerial))

	// 额度出完 -> 水服务终结 -> 协调器异步收尾
	assert.Eventually(t, func() bool {
		_, err := f.sm.Session(sid)
		return apperrors.Is(err, apperrors.ErrSessionNotFound)
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.port.countPrefix("START_DISPENSE "+sid))
	assert.Equal(t, 1, f.port.countPrefix("STOP_DISPENSE "+sid))

	// 结束载荷由收尾协程入队, 等它全部到位再排空
	assert.Eventually(t, func() bool {
		return f.queue.Len() >= 4
	}, time.Second, 5*time.Millisecond)

	f.drain(t)
	ends := f.store.ByOp(storage.OpSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "completed", ends[0].Str("status", ""))
}

// TestFirmwareLinesDriveDispense 测试固件原生行全程驱动一次出水
// 固件的杯子/进度/完成上报都不带会话ID, 路由层回退到唯一活动会话
func TestFirmwareLinesDriveDispense(t *testing.T) {
	f := newManagerFixture(t)

	mustParse := func(line string) *event.Event {
		e, ok := hardware.ParseLine(line)
		require.True(t, ok, "行 %q 应可解析", line)
		return e
	}

	sid, err := f.sm.StartSession(context.Background(), "card-001", models.ModeWater, 0)
	require.NoError(t, err)

	f.sm.handleEvent(context.Background(), coinEvent(1, 1)) // 500ml额度
	f.sm.handleEvent(context.Background(), mustParse("CUP_DETECTED"))
	assert.Equal(t, 1, f.port.countPrefix("START_DISPENSE "+sid+" 500"))

	f.sm.handleEvent(context.Background(), mustParse("DISPENSE_PROGRESS ml=100 remaining=400"))
	wsnap, err := f.water.Snapshot(sid)
	require.NoError(t, err)
	assert.Equal(t, 100, wsnap.DispensedML)

	f.sm.handleEvent(context.Background(), mustParse("DISPENSE_PROGRESS ml=400 remaining=0"))

	assert.Eventually(t, func() bool {
		_, err := f.sm.Session(sid)
		return apperrors.Is(err, apperrors.ErrSessionNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.port.countPrefix("STOP_DISPENSE "+sid))

	// 会话收尾后迟到的完成上报是无害的
	f.sm.handleEvent(context.Background(), mustParse("DISPENSE_DONE 500"))
}

// TestDispatchLoopDelivers 测试分发循环消费端口事件
func TestDispatchLoopDelivers(t *testing.T) {
	f := newManagerFixture(t)

	sid, err := f.sm.StartSession(context.Background(), "card-001", models.ModeCharge, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sm.Start(ctx)
	defer f.sm.Stop()

	f.port.events <- coinEvent(5, 1)

	assert.Eventually(t, func() bool {
		snap, err := f.sm.Session(sid)
		return err == nil && snap.Coins == 5
	}, time.Second, 5*time.Millisecond)
}

// TestSwitchMode 测试模式切换下发与校验
func TestSwitchMode(t *testing.T) {
	f := newManagerFixture(t)

	var notified []string
	f.sm.Subscribe(func(n *Notification) {
		if n.Type == "mode" {
			notified = append(notified, n.Mode)
		}
	})

	require.NoError(t, f.sm.SwitchMode(models.ModeWater))
	assert.Equal(t, models.ModeWater, f.sm.Mode())
	assert.Equal(t, 1, f.port.countPrefix("MODE WATER"))
	assert.Equal(t, []string{models.ModeWater}, notified)

	assert.Error(t, f.sm.SwitchMode("game"))
}

// TestDedupWindowTrims 测试去重窗口超限后裁剪一半
func TestDedupWindowTrims(t *testing.T) {
	f := newManagerFixture(t)

	for i := 0; i <= dedupWindowSize; i++ {
		f.sm.seenEvent(fmt.Sprintf("ev-%d", i))
	}

	f.sm.mu.Lock()
	size := len(f.sm.dedup)
	f.sm.mu.Unlock()
	assert.Equal(t, dedupWindowSize/2+1, size)

	// 被裁掉的旧ID重新进窗
	assert.False(t, f.sm.seenEvent("ev-0"))
	// 窗内的ID仍然去重
	assert.True(t, f.sm.seenEvent(fmt.Sprintf("ev-%d", dedupWindowSize)))
}
