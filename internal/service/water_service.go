package service

import (
	"sync"
	"time"

	"github.com/wfunc/smart-kiosk/internal/config"
	apperrors "github.com/wfunc/smart-kiosk/internal/errors"
	"github.com/wfunc/smart-kiosk/internal/hardware"
	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
)

// WaterPhase 售水会话状态
type WaterPhase string

const (
	WaterIdle          WaterPhase = "idle"
	WaterWaitingForCup WaterPhase = "waiting_for_cup"
	WaterDispensing    WaterPhase = "dispensing"
	WaterFinishing     WaterPhase = "finishing"
)

// WaterSnapshot 售水会话快照, 对外只读
type WaterSnapshot struct {
	SessionID   string     `json:"session_id"`
	UID         string     `json:"uid,omitempty"`
	State       WaterPhase `json:"state"`
	Coins       []int      `json:"coins"`
	CreditML    int        `json:"credit_ml"`
	DispensedML int        `json:"dispensed_ml"`
	TargetML    int        `json:"target_ml"`
	CupPresent  bool       `json:"cup_present"`
	StartedAt   time.Time  `json:"started_at"`
	EndReason   string     `json:"end_reason,omitempty"`
}

// waterSession 单个售水会话的内部状态
type waterSession struct {
	sessionID string
	uid       string
	state     WaterPhase

	coins       []int
	creditML    int
	dispensedML int
	targetML    int
	cupPresent  bool
	startedAt   time.Time
	endReason   string

	stopSent bool

	// 世代计数: 每次finalize或重启出水递增,
	// 定时器回调先校验世代再动手, 停掉的会话不会被旧定时器误伤
	generation uint64
	watchdog   *time.Timer
	cupTimer   *time.Timer
}

// WaterService 售水状态机服务
// 每个活动会话一台状态机; 看门狗独立于进度上报强制执行
// 最长出水时间, 泵卡死或固件断报时兜底停泵
type WaterService struct {
	cfg    *config.WaterConfig
	sender hardware.CommandSender
	queue  *PersistQueue
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*waterSession

	onFinished func(sessionID, reason string)
	onChange   func(WaterSnapshot)
}

// NewWaterService 创建售水服务
func NewWaterService(cfg *config.WaterConfig, sender hardware.CommandSender, queue *PersistQueue, log *zap.Logger) *WaterService {
	return &WaterService{
		cfg:      cfg,
		sender:   sender,
		queue:    queue,
		log:      log,
		sessions: make(map[string]*waterSession),
	}
}

// SetOnFinished 注册会话终结回调
func (s *WaterService) SetOnFinished(fn func(sessionID, reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinished = fn
}

// SetOnChange 注册状态变化回调
func (s *WaterService) SetOnChange(fn func(WaterSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// StartSession 为会话建一台售水状态机
func (s *WaterService) StartSession(sessionID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		return apperrors.New(apperrors.ErrSessionExists, sessionID)
	}
	ws := &waterSession{
		sessionID: sessionID,
		uid:       uid,
		state:     WaterWaitingForCup,
		startedAt: time.Now(),
	}
	s.sessions[sessionID] = ws
	s.startCupWaitLocked(ws)
	s.log.Info("Water session started", zap.String("session_id", sessionID), zap.String("uid", uid))
	s.notifyLocked(ws)
	return nil
}

// AddCredit 投币追加出水额度
func (s *WaterService) AddCredit(sessionID string, denom int, ml int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.sessions[sessionID]
	if !ok {
		return apperrors.New(apperrors.ErrSessionNotFound, sessionID)
	}
	if ws.state == WaterFinishing {
		return apperrors.New(apperrors.ErrSessionStopped, sessionID)
	}

	ws.coins = append(ws.coins, denom)
	ws.creditML += ml
	s.log.Info("Water credit added",
		zap.String("session_id", sessionID),
		zap.Int("denom", denom),
		zap.Int("credit_ml", ws.creditML),
	)
	s.maybeStartDispenseLocked(ws)
	s.notifyLocked(ws)
	return nil
}

// HandleCupDetected 杯子就位
// 空sessionID路由到唯一等待中的会话
func (s *WaterService) HandleCupDetected(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.resolveLocked(sessionID)
	if ws == nil {
		s.log.Debug("杯子事件没有匹配的会话", zap.String("session_id", sessionID))
		return
	}
	ws.cupPresent = true
	s.stopCupWaitLocked(ws)
	s.maybeStartDispenseLocked(ws)
	s.notifyLocked(ws)
}

// HandleCupRemoved 杯子移开
// 出水中移杯立即停泵回到等待态, 额度保留
func (s *WaterService) HandleCupRemoved(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.resolveLocked(sessionID)
	if ws == nil {
		return
	}
	ws.cupPresent = false
	if ws.state == WaterDispensing {
		s.sendStopLocked(ws)
		ws.stopSent = false // 重新放杯后允许再次停泵
		ws.generation++
		s.stopWatchdogLocked(ws)
		ws.state = WaterWaitingForCup
		s.log.Info("Cup removed during dispensing, pump stopped",
			zap.String("session_id", ws.sessionID),
			zap.Int("dispensed_ml", ws.dispensedML),
		)
	}
	if ws.state == WaterWaitingForCup {
		s.startCupWaitLocked(ws)
	}
	s.notifyLocked(ws)
}

// HandleProgress 出水增量上报
// 达到额度时恰好发送一次停泵指令并终结
func (s *WaterService) HandleProgress(sessionID string, ml int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.resolveLocked(sessionID)
	if ws == nil || ws.state != WaterDispensing {
		return
	}

	ws.dispensedML += ml
	p := storage.NewPayload(storage.OpDispenseIncrement).
		With("increment_ml", ml).
		With("total_ml", ws.dispensedML)
	p.SessionID = ws.sessionID
	p.UID = ws.uid
	s.queue.Enqueue(p)

	if ws.dispensedML >= ws.creditML {
		s.finalizeLocked(ws, "completed")
		return
	}
	s.notifyLocked(ws)
}

// HandleDone 固件出水完成上报
func (s *WaterService) HandleDone(sessionID string, totalML int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.resolveLocked(sessionID)
	if ws == nil {
		return
	}
	if totalML > ws.dispensedML {
		ws.dispensedML = totalML
		p := storage.NewPayload(storage.OpDispenseIncrement).With("total_ml", totalML)
		p.SessionID = ws.sessionID
		p.UID = ws.uid
		s.queue.Enqueue(p)
	}
	if ws.state != WaterFinishing {
		s.finalizeLocked(ws, "firmware_done")
	}
}

// StopSession 显式终结售水会话
func (s *WaterService) StopSession(sessionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.sessions[sessionID]
	if !ok {
		return apperrors.New(apperrors.ErrSessionNotFound, sessionID)
	}
	if ws.state != WaterFinishing {
		s.finalizeLocked(ws, reason)
	}
	delete(s.sessions, sessionID)
	return nil
}

// Snapshot 返回会话快照
func (s *WaterService) Snapshot(sessionID string) (WaterSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.sessions[sessionID]
	if !ok {
		return WaterSnapshot{}, apperrors.New(apperrors.ErrSessionNotFound, sessionID)
	}
	return s.snapshotLocked(ws), nil
}

// ActiveCount 返回活动会话数
func (s *WaterService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// maybeStartDispenseLocked 满足条件时启动出水
// 条件: 杯子在位且还有未出完的额度
func (s *WaterService) maybeStartDispenseLocked(ws *waterSession) {
	if ws.state == WaterDispensing || ws.state == WaterFinishing {
		return
	}
	if !ws.cupPresent || ws.creditML <= ws.dispensedML {
		return
	}

	ws.targetML = ws.creditML - ws.dispensedML
	cmd := hardware.BuildStartDispense(ws.sessionID, ws.targetML)
	if !s.sender.Send(cmd) {
		s.log.Error("出水指令发送失败", zap.String("session_id", ws.sessionID))
		return
	}
	ws.state = WaterDispensing
	ws.stopSent = false
	s.stopCupWaitLocked(ws)
	s.startWatchdogLocked(ws)

	s.log.Info("Dispensing started",
		zap.String("session_id", ws.sessionID),
		zap.Int("target_ml", ws.targetML),
	)
}

// startWatchdogLocked 启动出水看门狗
// 回调持有启动时的世代号, 会话被终结或重启出水后旧回调自动失效
func (s *WaterService) startWatchdogLocked(ws *waterSession) {
	s.stopWatchdogLocked(ws)
	ws.generation++
	gen := ws.generation
	sid := ws.sessionID
	ws.watchdog = time.AfterFunc(s.cfg.MaxDispenseTime, func() {
		s.watchdogFired(sid, gen)
	})
}

func (s *WaterService) stopWatchdogLocked(ws *waterSession) {
	if ws.watchdog != nil {
		ws.watchdog.Stop()
		ws.watchdog = nil
	}
}

// startCupWaitLocked 启动等杯超时
// 额度投了却一直没放杯的会话不能无限占用机台
func (s *WaterService) startCupWaitLocked(ws *waterSession) {
	s.stopCupWaitLocked(ws)
	if s.cfg.CupWaitTimeout <= 0 {
		return
	}
	gen := ws.generation
	sid := ws.sessionID
	ws.cupTimer = time.AfterFunc(s.cfg.CupWaitTimeout, func() {
		s.cupWaitFired(sid, gen)
	})
}

func (s *WaterService) stopCupWaitLocked(ws *waterSession) {
	if ws.cupTimer != nil {
		ws.cupTimer.Stop()
		ws.cupTimer = nil
	}
}

func (s *WaterService) cupWaitFired(sessionID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.sessions[sessionID]
	if !ok || ws.generation != gen || ws.state != WaterWaitingForCup || ws.cupPresent {
		return
	}
	s.log.Warn("Cup wait timed out",
		zap.String("session_id", sessionID),
		zap.Int("credit_ml", ws.creditML),
	)
	s.finalizeLocked(ws, "cup_timeout")
}

func (s *WaterService) watchdogFired(sessionID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.sessions[sessionID]
	if !ok || ws.generation != gen || ws.state != WaterDispensing {
		return
	}
	s.log.Warn("Dispense watchdog fired",
		zap.String("session_id", sessionID),
		zap.Int("dispensed_ml", ws.dispensedML),
		zap.Int("credit_ml", ws.creditML),
	)
	s.finalizeLocked(ws, "timeout")
}

// finalizeLocked 终结会话
// 停泵指令恰好发送一次; 去能动作可安全重复
func (s *WaterService) finalizeLocked(ws *waterSession, reason string) {
	ws.generation++
	s.stopWatchdogLocked(ws)
	s.stopCupWaitLocked(ws)
	s.sendStopLocked(ws)
	ws.state = WaterFinishing
	ws.endReason = reason

	s.log.Info("Water session finalized",
		zap.String("session_id", ws.sessionID),
		zap.String("reason", reason),
		zap.Int("dispensed_ml", ws.dispensedML),
		zap.Int("credit_ml", ws.creditML),
	)
	s.notifyLocked(ws)

	if s.onFinished != nil {
		sid := ws.sessionID
		go s.onFinished(sid, reason)
	}
}

func (s *WaterService) sendStopLocked(ws *waterSession) {
	if ws.stopSent {
		return
	}
	if !s.sender.Send(hardware.BuildStopDispense(ws.sessionID)) {
		s.log.Error("停泵指令发送失败", zap.String("session_id", ws.sessionID))
	}
	ws.stopSent = true
}

// resolveLocked 按会话ID查找, 空ID时回退到唯一的活动会话
// 旧版固件的杯子/进度上报不带会话ID
func (s *WaterService) resolveLocked(sessionID string) *waterSession {
	if sessionID != "" {
		return s.sessions[sessionID]
	}
	if len(s.sessions) == 1 {
		for _, ws := range s.sessions {
			return ws
		}
	}
	return nil
}

func (s *WaterService) snapshotLocked(ws *waterSession) WaterSnapshot {
	coins := make([]int, len(ws.coins))
	copy(coins, ws.coins)
	return WaterSnapshot{
		SessionID:   ws.sessionID,
		UID:         ws.uid,
		State:       ws.state,
		Coins:       coins,
		CreditML:    ws.creditML,
		DispensedML: ws.dispensedML,
		TargetML:    ws.targetML,
		CupPresent:  ws.cupPresent,
		StartedAt:   ws.startedAt,
		EndReason:   ws.endReason,
	}
}

func (s *WaterService) notifyLocked(ws *waterSession) {
	if s.onChange != nil {
		s.onChange(s.snapshotLocked(ws))
	}
}
