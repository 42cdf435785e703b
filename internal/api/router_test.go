package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/smart-kiosk/internal/config"
	"github.com/wfunc/smart-kiosk/internal/event"
	"github.com/wfunc/smart-kiosk/internal/hardware"
	"github.com/wfunc/smart-kiosk/internal/models"
	"github.com/wfunc/smart-kiosk/internal/repository"
	"github.com/wfunc/smart-kiosk/internal/service"
	"github.com/wfunc/smart-kiosk/internal/storage"
	"go.uber.org/zap"
)

// stubPort 测试用事件端口
type stubPort struct {
	mu     sync.Mutex
	events chan *event.Event
	sent   []string
}

func (p *stubPort) Events() <-chan *event.Event { return p.events }

func (p *stubPort) Send(cmd string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, cmd)
	return true
}

func (p *stubPort) IsConnected() bool { return true }

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := repository.SetupTestDB()
	t.Cleanup(func() { repository.CleanupTestDB(db) })

	cfg := &config.Config{
		Kiosk: config.KioskConfig{
			Mode: models.ModeCharge,
			Slots: map[string]config.SlotPin{
				"slot1": {PowerRelay: 17, LockRelay: 27, ACSChannel: 0, DisplayID: -1},
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
		Water: config.WaterConfig{MLPerCoin: 500, MaxDispenseTime: time.Minute},
		Coin:  config.CoinConfig{Denominations: []int{1, 5, 10}},
	}
	sensorCfg := &config.SensorConfig{
		VRef: 3.3, ADCMax: 1023, Sensitivity: 0.185, WindowSize: 1, EMAAlpha: 0.2,
	}

	port := &stubPort{events: make(chan *event.Event, 8)}
	mock := hardware.NewMockManager()
	sensor := hardware.NewCurrentSensor(mock, sensorCfg)
	store := storage.NewMemoryStore()
	queue := service.NewPersistQueue(store, 64, zap.NewNop())
	userRepo := repository.NewUserRepository(db)
	billing := service.NewBillingService(&cfg.Charging, &cfg.Water, userRepo, queue, zap.NewNop())
	charging := service.NewChargingService(&cfg.Charging, &cfg.Kiosk, mock, sensor, queue, billing, zap.NewNop())
	water := service.NewWaterService(&cfg.Water, port, queue, zap.NewNop())
	manager := service.NewSessionManager(cfg, port, billing, charging, water, queue, zap.NewNop())

	deps := &Deps{
		DB:         db,
		Manager:    manager,
		Charging:   charging,
		Water:      water,
		Billing:    billing,
		Ledger:     repository.NewLedgerRepository(db),
		SerialLogs: repository.NewSerialLogRepository(db),
		Queue:      queue,
	}
	return NewRouter(&config.ServerConfig{Mode: gin.TestMode}, deps, zap.NewNop())
}

func doRequest(r *Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/sessions", gin.H{
		"uid": "card-001", "mode": "charge", "slot": 1,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	// 同一充电位重复开会话冲突
	w = doRequest(r, http.MethodPost, "/api/v1/sessions", gin.H{
		"uid": "card-002", "mode": "charge", "slot": 1,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/stop", gin.H{
		"reason": "user_cancel",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartSessionValidation(t *testing.T) {
	r := newTestRouter(t)

	// 缺少必填字段
	w := doRequest(r, http.MethodPost, "/api/v1/sessions", gin.H{"uid": "card-001"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 未知模式
	w = doRequest(r, http.MethodPost, "/api/v1/sessions", gin.H{
		"uid": "card-001", "mode": "game",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSlotEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/api/v1/slots", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listed struct {
		Slots []service.SlotSnapshot `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Slots, 1)
	assert.Equal(t, service.SlotIdle, listed.Slots[0].State)

	w = doRequest(r, http.MethodGet, "/api/v1/slots/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/slots/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/slots/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCalibrateSlot(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/slots/1/calibrate", gin.H{"samples": 10})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Slot          int     `json:"slot"`
		BaselineVolts float64 `json:"baseline_volts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Slot)
}

func TestModeEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/api/v1/mode", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "charge")

	w = doRequest(r, http.MethodPost, "/api/v1/mode", gin.H{"mode": "water"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/mode", nil)
	assert.Contains(t, w.Body.String(), "water")

	w = doRequest(r, http.MethodPost, "/api/v1/mode", gin.H{"mode": "game"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBalanceEndpoint(t *testing.T) {
	r := newTestRouter(t)

	// 未知用户返回零余额而不是404
	w := doRequest(r, http.MethodGet, "/api/v1/users/card-777/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		UID     string `json:"uid"`
		Balance int64  `json:"charge_balance_seconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "card-777", resp.UID)
	assert.EqualValues(t, 0, resp.Balance)
}

func TestStatsEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "queue_pending")
}

func TestNotFoundRoute(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
