package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/smart-kiosk/internal/config"
	apperrors "github.com/wfunc/smart-kiosk/internal/errors"
	"github.com/wfunc/smart-kiosk/internal/event"
	"github.com/wfunc/smart-kiosk/internal/hardware"
	"github.com/wfunc/smart-kiosk/internal/models"
	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
)

const (
	// 事件ID去重窗口容量, 超出后裁剪一半
	dedupWindowSize = 4000
	// 队列空闲时的巡检间隔
	sweepInterval = time.Second
)

// EventPort 事件来源与指令出口
// 由SerialListener实现; 测试中用假实现替换
type EventPort interface {
	Events() <-chan *event.Event
	Send(cmd string) bool
	IsConnected() bool
}

// SessionSnapshot 会话快照, 对外只读
type SessionSnapshot struct {
	SessionID   string    `json:"session_id"`
	UID         string    `json:"uid"`
	Mode        string    `json:"mode"`
	Slot        int       `json:"slot,omitempty"`
	Status      string    `json:"status"`
	Coins       int64     `json:"coins"`
	CreditML    int64     `json:"credit_ml,omitempty"`
	CreditSecs  int64     `json:"credit_secs,omitempty"`
	DispensedML int64     `json:"dispensed_ml,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// session 协调器持有的会话记录
// 停止后立即从内存表移除, 归档只存在于数据库
type session struct {
	sessionID   string
	uid         string
	mode        string
	slot        int
	status      string
	coins       int64
	creditML    int64
	creditSecs  int64
	dispensedML int64
	startedAt   time.Time
}

// Notification 推送给订阅者的状态更新
type Notification struct {
	Type    string           `json:"type"` // session / slot / water / mode
	Session *SessionSnapshot `json:"session,omitempty"`
	Slot    *SlotSnapshot    `json:"slot,omitempty"`
	Water   *WaterSnapshot   `json:"water,omitempty"`
	Mode    string           `json:"mode,omitempty"`
}

// SessionManager 会话协调器
// 事件队列的唯一消费者: 按事件ID去重、按来源和名称路由到
// 计费/售水/充电服务, 并把会话状态变化转发给订阅者
type SessionManager struct {
	cfg      *config.Config
	port     EventPort
	billing  *BillingService
	charging *ChargingService
	water    *WaterService
	queue    *PersistQueue
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	// 正在收币的会话; 投币事件路由到它
	currentSessionID string
	mode             string
	firmwareMode     string

	dedup      map[string]struct{}
	dedupOrder []string

	subMu       sync.RWMutex
	subscribers []func(*Notification)

	// UI/系统事件入口
	internal chan *event.Event

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionManager 创建会话协调器
func NewSessionManager(
	cfg *config.Config,
	port EventPort,
	billing *BillingService,
	charging *ChargingService,
	water *WaterService,
	queue *PersistQueue,
	log *zap.Logger,
) *SessionManager {
	sm := &SessionManager{
		cfg:      cfg,
		port:     port,
		billing:  billing,
		charging: charging,
		water:    water,
		queue:    queue,
		log:      log,
		sessions: make(map[string]*session),
		mode:     cfg.Kiosk.Mode,
		dedup:    make(map[string]struct{}),
		internal: make(chan *event.Event, 64),
		stopCh:   make(chan struct{}),
	}

	charging.SetOnChange(func(snap SlotSnapshot) {
		sm.notify(&Notification{Type: "slot", Slot: &snap})
	})
	water.SetOnChange(func(snap WaterSnapshot) {
		sm.mu.Lock()
		if sess, ok := sm.sessions[snap.SessionID]; ok {
			sess.dispensedML = int64(snap.DispensedML)
		}
		sm.mu.Unlock()
		sm.notify(&Notification{Type: "water", Water: &snap})
	})
	water.SetOnFinished(func(sessionID, reason string) {
		if err := sm.StopSession(context.Background(), sessionID, reason); err != nil {
			if !apperrors.Is(err, apperrors.ErrSessionNotFound) {
				log.Error("售水会话收尾失败", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	})

	return sm
}

// Start 启动分发循环
func (sm *SessionManager) Start(ctx context.Context) {
	sm.wg.Add(1)
	go sm.dispatchLoop(ctx)
}

// Stop 停止协调器
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopCh) })
	sm.wg.Wait()
}

// Publish 注入UI/系统来源的事件
func (sm *SessionManager) Publish(e *event.Event) bool {
	select {
	case sm.internal <- e:
		return true
	default:
		sm.log.Warn("内部事件缓冲已满, 事件丢弃", zap.String("event", e.Name))
		return false
	}
}

// Subscribe 注册状态更新订阅者
func (sm *SessionManager) Subscribe(fn func(*Notification)) {
	sm.subMu.Lock()
	defer sm.subMu.Unlock()
	sm.subscribers = append(sm.subscribers, fn)
}

// dispatchLoop 单消费者分发循环
// 队列空闲时退化为周期巡检, 即使没有新事件也能把
// 充电位快照推给订阅者
func (sm *SessionManager) dispatchLoop(ctx context.Context) {
	defer sm.wg.Done()

	idle := time.NewTimer(sweepInterval)
	defer idle.Stop()

	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(sweepInterval)

		select {
		case <-ctx.Done():
			return
		case <-sm.stopCh:
			return
		case e, ok := <-sm.port.Events():
			if !ok {
				sm.log.Warn("串口事件通道已关闭")
				return
			}
			sm.handleEvent(ctx, e)
		case e := <-sm.internal:
			sm.handleEvent(ctx, e)
		case <-idle.C:
			sm.sweep()
		}
	}
}

// sweep 空闲巡检: 推送非空闲充电位的快照
func (sm *SessionManager) sweep() {
	for _, snap := range sm.charging.Snapshots() {
		if snap.State != SlotIdle {
			s := snap
			sm.notify(&Notification{Type: "slot", Slot: &s})
		}
	}
}

// handleEvent 处理单个事件
func (sm *SessionManager) handleEvent(ctx context.Context, e *event.Event) {
	if e == nil {
		return
	}
	if sm.seenEvent(e.ID) {
		sm.log.Debug("重复事件已抑制",
			zap.String("id", e.ID), zap.String("event", e.Name))
		return
	}

	switch e.Name {
	case hardware.EventCoinInserted:
		sm.handleCoin(e)
	case hardware.EventCupDetected:
		sm.water.HandleCupDetected(e.String("session_id", ""))
	case hardware.EventCupRemoved:
		sm.water.HandleCupRemoved(e.String("session_id", ""))
	case hardware.EventDispenseStart:
		sm.log.Debug("固件确认出水开始", zap.String("session_id", e.String("session_id", "")))
	case hardware.EventDispenseProgress:
		sm.water.HandleProgress(e.String("session_id", ""), e.Int("ml", 0))
	case hardware.EventDispenseDone:
		sm.water.HandleDone(e.String("session_id", ""), e.Int("total_ml", 0))
	case hardware.EventAnimationStart:
		sm.log.Debug("固件出水预告",
			zap.Int("total_ml", e.Int("total_ml", 0)),
			zap.Int("total_seconds", e.Int("total_seconds", 0)))
	case hardware.EventCreditLeft:
		sm.log.Debug("固件回显剩余额度", zap.Int("ml", e.Int("ml", 0)))
	case hardware.EventModeReport:
		sm.handleModeReport(e.String("mode", ""))
	case hardware.EventFirmwareStatus:
		sm.log.Debug("固件状态上报", zap.String("status", e.String("status", "")))
	default:
		sm.log.Debug("无路由的事件",
			zap.String("event", e.Name), zap.String("source", e.Source))
	}
}

// handleCoin 投币事件路由
// 监听器已做面额/频率过滤, 这里只再做一次面额兜底
// （UI来源的事件不经过监听器）
func (sm *SessionManager) handleCoin(e *event.Event) {
	denom := e.Int("denom", 0)
	if !ValidDenomination(sm.cfg.Coin.Denominations, denom) {
		sm.log.Warn("非法面额的投币事件", zap.Int("denom", denom), zap.String("source", e.Source))
		return
	}

	sm.mu.Lock()
	sess, ok := sm.sessions[sm.currentSessionID]
	mode := sm.mode
	sm.mu.Unlock()

	if !ok {
		sm.log.Warn("没有收币中的会话, 投币丢弃", zap.Int("denom", denom))
		return
	}

	credit := sm.billing.CreditCoin(sess.sessionID, sess.uid, denom, mode, e.ID)

	sm.mu.Lock()
	sess.coins += int64(denom)
	sess.creditML += credit.CreditML
	sess.creditSecs += credit.CreditSecs
	snap := sm.snapshotLocked(sess)
	sm.mu.Unlock()

	if mode == models.ModeWater && credit.CreditML > 0 {
		if err := sm.water.AddCredit(sess.sessionID, denom, int(credit.CreditML)); err != nil {
			sm.log.Error("售水额度追加失败",
				zap.String("session_id", sess.sessionID), zap.Error(err))
		}
	}

	sm.notify(&Notification{Type: "session", Session: &snap})
}

func (sm *SessionManager) handleModeReport(mode string) {
	sm.mu.Lock()
	sm.firmwareMode = mode
	sm.mu.Unlock()
	sm.log.Info("固件模式上报", zap.String("mode", mode))
	sm.notify(&Notification{Type: "mode", Mode: mode})
}

// StartSession 启动会话
// 充电会话同时预约充电位; 售水会话建一台出水状态机
func (sm *SessionManager) StartSession(ctx context.Context, uid, mode string, slot int) (string, error) {
	sessionID := uuid.New().String()

	switch mode {
	case models.ModeCharge:
		if err := sm.charging.Reserve(ctx, slot, sessionID, uid); err != nil {
			return "", err
		}
	case models.ModeWater:
		if err := sm.water.StartSession(sessionID, uid); err != nil {
			return "", err
		}
	default:
		return "", apperrors.Newf(apperrors.ErrSessionStateError, "未知的会话模式: %s", mode)
	}

	sess := &session{
		sessionID: sessionID,
		uid:       uid,
		mode:      mode,
		slot:      slot,
		status:    "active",
		startedAt: time.Now(),
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sm.currentSessionID = sessionID
	if sm.mode != mode {
		sm.mode = mode
		sm.port.Send(hardware.BuildModeSwitch(mode))
	}
	snap := sm.snapshotLocked(sess)
	sm.mu.Unlock()

	p := storage.NewPayload(storage.OpSessionStart).With("mode", mode)
	p.ID = sessionID
	p.SessionID = sessionID
	p.UID = uid
	p.Slot = slot
	sm.queue.Enqueue(p)

	sm.log.Info("会话已启动",
		zap.String("session_id", sessionID),
		zap.String("uid", uid),
		zap.String("mode", mode),
		zap.Int("slot", slot),
	)
	sm.notify(&Notification{Type: "session", Session: &snap})
	return sessionID, nil
}

// StopSession 停止会话
// 释放持有的充电位/出水状态机, 入队汇总载荷,
// 并立即从内存表移除
func (sm *SessionManager) StopSession(ctx context.Context, sessionID, reason string) error {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return apperrors.New(apperrors.ErrSessionNotFound, sessionID)
	}
	delete(sm.sessions, sessionID)
	if sm.currentSessionID == sessionID {
		sm.currentSessionID = ""
	}
	sess.status = statusForReason(reason)
	snap := sm.snapshotLocked(sess)
	sm.mu.Unlock()

	switch sess.mode {
	case models.ModeCharge:
		if err := sm.charging.Release(ctx, sess.slot, sessionID); err != nil {
			if !apperrors.Is(err, apperrors.ErrSlotNotFound) {
				sm.log.Error("充电位释放失败",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	case models.ModeWater:
		if err := sm.water.StopSession(sessionID, reason); err != nil {
			if !apperrors.Is(err, apperrors.ErrSessionNotFound) {
				sm.log.Error("售水会话停止失败",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}

	p := storage.NewPayload(storage.OpSessionEnd).
		With("status", sess.status).
		With("reason", reason)
	p.ID = sessionID + ":end"
	p.SessionID = sessionID
	p.UID = sess.uid
	sm.queue.Enqueue(p)

	sm.log.Info("会话已停止",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
	)
	sm.notify(&Notification{Type: "session", Session: &snap})
	return nil
}

// SwitchMode 切换机台模式并下发固件指令
func (sm *SessionManager) SwitchMode(mode string) error {
	if mode != models.ModeCharge && mode != models.ModeWater {
		return apperrors.Newf(apperrors.ErrSessionStateError, "未知的模式: %s", mode)
	}
	sm.mu.Lock()
	sm.mode = mode
	sm.mu.Unlock()

	sm.port.Send(hardware.BuildModeSwitch(mode))
	sm.notify(&Notification{Type: "mode", Mode: mode})
	return nil
}

// Mode 返回当前业务模式
func (sm *SessionManager) Mode() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.mode
}

// Sessions 返回所有活动会话的快照
func (sm *SessionManager) Sessions() []SessionSnapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		out = append(out, sm.snapshotLocked(sess))
	}
	return out
}

// Session 返回指定会话的快照
func (sm *SessionManager) Session(sessionID string) (SessionSnapshot, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[sessionID]
	if !ok {
		return SessionSnapshot{}, apperrors.New(apperrors.ErrSessionNotFound, sessionID)
	}
	return sm.snapshotLocked(sess), nil
}

// seenEvent 事件ID去重
// 窗口超限时裁剪一半, 去重必须幂等而不依赖事件顺序
func (sm *SessionManager) seenEvent(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.dedup[id]; ok {
		return true
	}
	sm.dedup[id] = struct{}{}
	sm.dedupOrder = append(sm.dedupOrder, id)

	if len(sm.dedupOrder) > dedupWindowSize {
		half := len(sm.dedupOrder) / 2
		for _, old := range sm.dedupOrder[:half] {
			delete(sm.dedup, old)
		}
		sm.dedupOrder = append([]string(nil), sm.dedupOrder[half:]...)
	}
	return false
}

func (sm *SessionManager) snapshotLocked(sess *session) SessionSnapshot {
	return SessionSnapshot{
		SessionID:   sess.sessionID,
		UID:         sess.uid,
		Mode:        sess.mode,
		Slot:        sess.slot,
		Status:      sess.status,
		Coins:       sess.coins,
		CreditML:    sess.creditML,
		CreditSecs:  sess.creditSecs,
		DispensedML: sess.dispensedML,
		StartedAt:   sess.startedAt,
	}
}

func (sm *SessionManager) notify(n *Notification) {
	sm.subMu.RLock()
	defer sm.subMu.RUnlock()
	for _, fn := range sm.subscribers {
		fn(n)
	}
}

func statusForReason(reason string) string {
	switch reason {
	case "completed", "firmware_done", "unplugged_after_done", "max_charge":
		return "completed"
	case "timeout":
		return "timeout"
	default:
		return "cancelled"
	}
}
