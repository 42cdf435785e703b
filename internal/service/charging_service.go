package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/smart-kiosk/internal/config"
	apperrors "github.com/wfunc/smart-kiosk/internal/errors"
	"github.com/wfunc/smart-kiosk/internal/hardware"
	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
)

// SlotPhase 充电位状态
type SlotPhase string

const (
	SlotIdle     SlotPhase = "idle"
	SlotReserved SlotPhase = "reserved"
	SlotPlugged  SlotPhase = "plugged"
	SlotCharging SlotPhase = "charging"
	SlotPaused   SlotPhase = "paused"
	SlotDone     SlotPhase = "done"
	SlotError    SlotPhase = "error"
)

// 连续读失败多少次进入error态
const sensorErrorLimit = 5

// SlotSnapshot 充电位状态快照, 对外只读
type SlotSnapshot struct {
	Slot                 int        `json:"slot"`
	State                SlotPhase  `json:"state"`
	SessionID            string     `json:"session_id,omitempty"`
	UID                  string     `json:"uid,omitempty"`
	CurrentAmps          float64    `json:"current_amps"`
	ChargingStartedAt    *time.Time `json:"charging_started_at,omitempty"`
	ChargingTotalSeconds float64    `json:"charging_total_seconds"`
	LastStateChange      time.Time  `json:"last_state_change"`
	BaselineCalibrated   bool       `json:"baseline_calibrated"`
}

// chargingSlot 单个充电位的内部状态
// 只被服务的轮询循环在锁内读写, 外部只拿快照
type chargingSlot struct {
	id  int
	pin config.SlotPin

	state      SlotPhase
	sessionID  string
	uid        string
	amps       float64
	calibrated bool

	chargingStartedAt *time.Time
	totalSeconds      float64
	segmentSeconds    float64 // 本段充电已累计未扣减的秒数
	lastChange        time.Time
	reservedAt        time.Time

	plugStreak   int
	unplugStreak int
	chargeStreak int
	errStreak    int

	display hardware.Display
}

// ChargingService 充电位状态机服务
// 每个充电位一台7状态机, 由单个轮询循环按固定间隔驱动;
// 同一充电位的状态迁移严格串行
type ChargingService struct {
	cfg     *config.ChargingConfig
	hw      hardware.Manager
	sensor  *hardware.CurrentSensor
	queue   *PersistQueue
	billing *BillingService
	log     *zap.Logger

	mu    sync.Mutex
	slots map[int]*chargingSlot

	onChange func(SlotSnapshot)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewChargingService 创建充电服务
// 按机台配置为每个充电位建一台状态机
func NewChargingService(
	cfg *config.ChargingConfig,
	kioskCfg *config.KioskConfig,
	hw hardware.Manager,
	sensor *hardware.CurrentSensor,
	queue *PersistQueue,
	billing *BillingService,
	log *zap.Logger,
) *ChargingService {
	s := &ChargingService{
		cfg:     cfg,
		hw:      hw,
		sensor:  sensor,
		queue:   queue,
		billing: billing,
		log:     log,
		slots:   make(map[int]*chargingSlot),
		stopCh:  make(chan struct{}),
	}

	for name, pin := range kioskCfg.Slots {
		var id int
		if _, err := fmt.Sscanf(name, "slot%d", &id); err != nil {
			log.Warn("无法识别的充电位名称, 跳过", zap.String("name", name))
			continue
		}
		s.slots[id] = &chargingSlot{
			id:         id,
			pin:        pin,
			state:      SlotIdle,
			lastChange: time.Now(),
			display:    hw.Display(id),
		}
	}
	return s
}

// SetOnChange 注册状态变化回调, 回调在轮询协程内被调用
func (s *ChargingService) SetOnChange(fn func(SlotSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Start 启动轮询循环
func (s *ChargingService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.PollOnce(ctx)
			}
		}
	}()
}

// Stop 停止服务并释放所有非空闲充电位
func (s *ChargingService) Stop(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		if slot.state != SlotIdle {
			s.releaseLocked(ctx, slot, "shutdown")
		}
	}
}

// Reserve 以会话名义预约充电位
// 只有空闲或已完成的充电位可以接受新预约
func (s *ChargingService) Reserve(ctx context.Context, slotID int, sessionID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return apperrors.New(apperrors.ErrSlotNotFound, fmt.Sprintf("slot %d", slotID))
	}
	if slot.state != SlotIdle && slot.state != SlotDone {
		return apperrors.Newf(apperrors.ErrSlotOccupied, "充电位%d当前状态%s", slotID, slot.state)
	}

	if slot.state == SlotDone {
		s.releaseLocked(ctx, slot, "new_reservation")
	}

	slot.sessionID = sessionID
	slot.uid = uid
	slot.reservedAt = time.Now()
	slot.totalSeconds = 0
	slot.segmentSeconds = 0
	slot.chargingStartedAt = nil
	slot.resetStreaks()

	// 预约即上电, 等待设备接入
	if err := s.hw.SetPowerRelay(slotID, true); err != nil {
		s.log.Error("继电器上电失败", zap.Int("slot", slotID), zap.Error(err))
	}

	s.transitionLocked(slot, SlotReserved, storage.OpSlotReserved)
	return nil
}

// Release 释放充电位
// sessionID非空时校验归属; 任何状态都可以显式释放
func (s *ChargingService) Release(ctx context.Context, slotID int, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return apperrors.New(apperrors.ErrSlotNotFound, fmt.Sprintf("slot %d", slotID))
	}
	if sessionID != "" && slot.sessionID != sessionID {
		return apperrors.New(apperrors.ErrSessionStateError, "会话与充电位不匹配")
	}
	if slot.state == SlotIdle {
		// 重复释放是安全的
		s.deactuateLocked(slot)
		return nil
	}

	s.releaseLocked(ctx, slot, "released")
	return nil
}

// Snapshot 返回单个充电位的状态快照
func (s *ChargingService) Snapshot(slotID int) (SlotSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return SlotSnapshot{}, apperrors.New(apperrors.ErrSlotNotFound, fmt.Sprintf("slot %d", slotID))
	}
	return s.snapshotLocked(slot), nil
}

// Snapshots 返回全部充电位快照, 按编号排序
func (s *ChargingService) Snapshots() []SlotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SlotSnapshot, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, s.snapshotLocked(slot))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Calibrate 标定充电位的零电流基线
func (s *ChargingService) Calibrate(slotID int, samples int) (float64, error) {
	s.mu.Lock()
	slot, ok := s.slots[slotID]
	if !ok {
		s.mu.Unlock()
		return 0, apperrors.New(apperrors.ErrSlotNotFound, fmt.Sprintf("slot %d", slotID))
	}
	if slot.state != SlotIdle {
		s.mu.Unlock()
		return 0, apperrors.New(apperrors.ErrSessionStateError, "只能在空闲状态标定")
	}
	channel := slot.pin.ACSChannel
	s.mu.Unlock()

	return s.sensor.Calibrate(channel, samples)
}

// PollOnce 对所有充电位执行一轮采样与状态评估
func (s *ChargingService) PollOnce(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, slot := range s.slots {
		s.pollSlotLocked(ctx, slot, now)
	}
}

func (s *ChargingService) pollSlotLocked(ctx context.Context, slot *chargingSlot, now time.Time) {
	if slot.state == SlotIdle || slot.state == SlotError {
		return
	}

	reading, err := s.sensor.Read(slot.pin.ACSChannel)
	if err != nil {
		slot.errStreak++
		s.log.Warn("电流读取失败",
			zap.Int("slot", slot.id),
			zap.Int("streak", slot.errStreak),
			zap.Error(err),
		)
		if slot.errStreak >= sensorErrorLimit {
			s.settleSegmentLocked(ctx, slot, "sensor_error")
			s.transitionLocked(slot, SlotError, storage.OpSlotReleased)
			s.deactuateLocked(slot)
		}
		return
	}
	slot.errStreak = 0
	slot.amps = reading.AmpsRMS
	_, slot.calibrated = s.sensor.Baseline(slot.pin.ACSChannel)

	switch slot.state {
	case SlotReserved:
		s.evalReservedLocked(ctx, slot, now)
	case SlotPlugged:
		s.evalPluggedLocked(ctx, slot)
	case SlotCharging:
		s.evalChargingLocked(ctx, slot)
	case SlotPaused:
		s.evalPausedLocked(ctx, slot)
	case SlotDone:
		s.evalDoneLocked(ctx, slot)
	}
}

func (s *ChargingService) evalReservedLocked(ctx context.Context, slot *chargingSlot, now time.Time) {
	if s.cfg.ReserveTimeout > 0 && now.Sub(slot.reservedAt) > s.cfg.ReserveTimeout {
		s.log.Info("预约超时, 释放充电位", zap.Int("slot", slot.id))
		s.releaseLocked(ctx, slot, "reserve_timeout")
		return
	}

	if slot.amps >= s.cfg.PlugThreshold {
		slot.plugStreak++
	} else {
		slot.plugStreak = 0
	}
	if slot.plugStreak >= s.cfg.ConfirmSamples {
		slot.resetStreaks()
		// 接入确认后锁住柜门
		if err := s.hw.SetLockRelay(slot.id, true); err != nil {
			s.log.Error("锁柜失败", zap.Int("slot", slot.id), zap.Error(err))
		}
		s.transitionLocked(slot, SlotPlugged, storage.OpSlotPlugged)
	}
}

func (s *ChargingService) evalPluggedLocked(ctx context.Context, slot *chargingSlot) {
	switch {
	case slot.amps >= s.cfg.ChargeThreshold:
		slot.chargeStreak++
		slot.unplugStreak = 0
	case slot.amps <= s.cfg.UnplugThreshold:
		slot.unplugStreak++
		slot.chargeStreak = 0
	default:
		// 滞回带内, 保持现状
		slot.chargeStreak = 0
		slot.unplugStreak = 0
	}

	if slot.chargeStreak >= s.cfg.ConfirmSamples {
		slot.resetStreaks()
		if slot.chargingStartedAt == nil {
			t := time.Now()
			slot.chargingStartedAt = &t
		}
		s.transitionLocked(slot, SlotCharging, storage.OpSlotChargingStart)
		return
	}
	if slot.unplugStreak >= s.cfg.ConfirmSamples {
		slot.resetStreaks()
		slot.reservedAt = time.Now()
		s.transitionLocked(slot, SlotReserved, storage.OpSlotUnplugged)
	}
}

// evalChargingLocked 充电中: 每个轮询周期按名义间隔累计秒数
func (s *ChargingService) evalChargingLocked(ctx context.Context, slot *chargingSlot) {
	dt := s.cfg.PollInterval.Seconds()
	slot.totalSeconds += dt
	slot.segmentSeconds += dt

	if slot.display != nil {
		if err := slot.display.ShowSeconds(int(slot.totalSeconds)); err != nil {
			s.log.Debug("数码管刷新失败", zap.Int("slot", slot.id), zap.Error(err))
		}
	}

	if s.cfg.MaxChargeSeconds > 0 && slot.totalSeconds >= float64(s.cfg.MaxChargeSeconds) {
		s.settleSegmentLocked(ctx, slot, "max_charge")
		s.transitionLocked(slot, SlotDone, storage.OpSlotChargingDone)
		// 到上限无条件解锁, 绝不把设备锁在没有计费的柜子里
		s.deactuateLocked(slot)
		return
	}

	if slot.amps <= s.cfg.UnplugThreshold {
		slot.unplugStreak++
	} else {
		slot.unplugStreak = 0
	}
	if slot.unplugStreak >= s.cfg.ConfirmSamples {
		slot.resetStreaks()
		s.settleSegmentLocked(ctx, slot, "charging_paused")
		// chargingStartedAt保留, 恢复时计时继续
		s.transitionLocked(slot, SlotPaused, storage.OpSlotChargingPaused)
	}
}

func (s *ChargingService) evalPausedLocked(ctx context.Context, slot *chargingSlot) {
	if slot.amps >= s.cfg.ChargeThreshold {
		slot.chargeStreak++
	} else {
		slot.chargeStreak = 0
	}
	if slot.chargeStreak >= s.cfg.ConfirmSamples {
		slot.resetStreaks()
		s.transitionLocked(slot, SlotCharging, storage.OpSlotChargingResumed)
	}
}

func (s *ChargingService) evalDoneLocked(ctx context.Context, slot *chargingSlot) {
	// 完成后等设备拔出即归还充电位
	if slot.amps <= s.cfg.UnplugThreshold {
		slot.unplugStreak++
	} else {
		slot.unplugStreak = 0
	}
	if slot.unplugStreak >= s.cfg.ConfirmSamples {
		s.releaseLocked(ctx, slot, "unplugged_after_done")
	}
}

// settleSegmentLocked 结算本段充电秒数
// 在暂停/完成/释放时把未扣减的秒数从用户余额里扣掉
func (s *ChargingService) settleSegmentLocked(ctx context.Context, slot *chargingSlot, reason string) {
	seconds := int64(slot.segmentSeconds + 0.5)
	slot.segmentSeconds = 0
	if seconds <= 0 || slot.uid == "" {
		return
	}
	if _, err := s.billing.DeductSeconds(ctx, slot.uid, seconds, slot.sessionID, reason); err != nil {
		s.log.Error("充电秒数扣减失败",
			zap.Int("slot", slot.id),
			zap.String("uid", slot.uid),
			zap.Int64("seconds", seconds),
			zap.Error(err),
		)
	}
}

// releaseLocked 把充电位收回到空闲态
// 去能动作必须可重复, 即使状态已经匹配也要执行
func (s *ChargingService) releaseLocked(ctx context.Context, slot *chargingSlot, reason string) {
	s.settleSegmentLocked(ctx, slot, reason)

	from := slot.state
	slot.state = SlotIdle
	slot.lastChange = time.Now()
	s.enqueueTransitionLocked(slot, from, SlotIdle, storage.OpSlotReleased, reason)

	s.deactuateLocked(slot)

	s.log.Info("充电位已释放",
		zap.Int("slot", slot.id),
		zap.String("session_id", slot.sessionID),
		zap.String("from", string(from)),
		zap.String("reason", reason),
		zap.Float64("total_seconds", slot.totalSeconds),
	)

	slot.sessionID = ""
	slot.uid = ""
	slot.chargingStartedAt = nil
	slot.resetStreaks()
	s.notifyLocked(slot)
}

func (s *ChargingService) deactuateLocked(slot *chargingSlot) {
	if err := s.hw.SetPowerRelay(slot.id, false); err != nil {
		s.log.Error("继电器断电失败", zap.Int("slot", slot.id), zap.Error(err))
	}
	if err := s.hw.SetLockRelay(slot.id, false); err != nil {
		s.log.Error("解锁失败", zap.Int("slot", slot.id), zap.Error(err))
	}
	if slot.display != nil {
		_ = slot.display.Clear()
	}
}

func (s *ChargingService) transitionLocked(slot *chargingSlot, to SlotPhase, op string) {
	from := slot.state
	slot.state = to
	slot.lastChange = time.Now()

	s.enqueueTransitionLocked(slot, from, to, op, "")

	s.log.Info("充电位状态迁移",
		zap.Int("slot", slot.id),
		zap.String("session_id", slot.sessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Float64("amps", slot.amps),
	)
	s.notifyLocked(slot)
}

func (s *ChargingService) enqueueTransitionLocked(slot *chargingSlot, from, to SlotPhase, op, reason string) {
	p := storage.NewPayload(op).
		With("from", string(from)).
		With("to", string(to)).
		With("amps", slot.amps)
	if reason != "" {
		p.With("reason", reason)
	}
	p.SessionID = slot.sessionID
	p.UID = slot.uid
	p.Slot = slot.id
	s.queue.Enqueue(p)
}

func (s *ChargingService) snapshotLocked(slot *chargingSlot) SlotSnapshot {
	return SlotSnapshot{
		Slot:                 slot.id,
		State:                slot.state,
		SessionID:            slot.sessionID,
		UID:                  slot.uid,
		CurrentAmps:          slot.amps,
		ChargingStartedAt:    slot.chargingStartedAt,
		ChargingTotalSeconds: slot.totalSeconds,
		LastStateChange:      slot.lastChange,
		BaselineCalibrated:   slot.calibrated,
	}
}

func (s *ChargingService) notifyLocked(slot *chargingSlot) {
	if s.onChange != nil {
		s.onChange(s.snapshotLocked(slot))
	}
}

func (slot *chargingSlot) resetStreaks() {
	slot.plugStreak = 0
	slot.unplugStreak = 0
	slot.chargeStreak = 0
	slot.errStreak = 0
}
