package hardware

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/smart-kiosk/internal/config"
	"github.com/wfunc/smart-kiosk/internal/logger"
	"go.uber.org/zap"
)

// Reading 一次电流采样的完整结果
// AmpsRMS是判定用的主信号, EMA和中位数仅用于诊断对比
type Reading struct {
	Channel     int       `json:"channel"`
	Raw         int       `json:"raw"`
	Volts       float64   `json:"volts"`
	AmpsInstant float64   `json:"amps_instant"`
	AmpsRMS     float64   `json:"amps_rms"`
	AmpsEMA     float64   `json:"amps_ema"`
	AmpsMedian  float64   `json:"amps_median"`
	Calibrated  bool      `json:"calibrated"`
	Timestamp   time.Time `json:"timestamp"`
}

// channelState 单个ADC通道的平滑状态
type channelState struct {
	baseline   float64
	calibrated bool
	window     []float64
	ema        float64
	emaInit    bool
}

// CurrentSensor ACS712电流采样管线
// 原始ADC值换算为电压和瞬时电流, 再经滑动窗口RMS、EMA和中位数平滑
type CurrentSensor struct {
	mu       sync.Mutex
	mgr      Manager
	cfg      *config.SensorConfig
	channels map[int]*channelState
	logger   *zap.Logger
}

// NewCurrentSensor 创建电流采样管线
func NewCurrentSensor(mgr Manager, cfg *config.SensorConfig) *CurrentSensor {
	return &CurrentSensor{
		mgr:      mgr,
		cfg:      cfg,
		channels: make(map[int]*channelState),
		logger:   logger.GetModuleLogger("sensor"),
	}
}

// state 获取或初始化通道状态, 未标定时基线取Vref/2
func (s *CurrentSensor) state(channel int) *channelState {
	st, ok := s.channels[channel]
	if !ok {
		st = &channelState{
			baseline:   s.cfg.VRef / 2,
			calibrated: false,
		}
		s.channels[channel] = st
		s.logger.Warn("通道未标定, 使用默认基线",
			zap.Int("channel", channel),
			zap.Float64("baseline", st.baseline))
	}
	return st
}

// Read 读取一次采样并更新平滑状态
func (s *CurrentSensor) Read(channel int) (*Reading, error) {
	raw, err := s.mgr.ReadADC(channel)
	if err != nil {
		return nil, err
	}
	if raw < 0 || raw > s.cfg.ADCMax {
		return nil, fmt.Errorf("ADC原始值越界: channel=%d raw=%d", channel, raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(channel)

	volts := float64(raw) / float64(s.cfg.ADCMax) * s.cfg.VRef
	instant := (volts - st.baseline) / s.cfg.Sensitivity

	// 滑动窗口
	st.window = append(st.window, instant)
	if len(st.window) > s.cfg.WindowSize {
		st.window = st.window[len(st.window)-s.cfg.WindowSize:]
	}

	// RMS主信号
	var sumSq float64
	for _, a := range st.window {
		sumSq += a * a
	}
	rms := math.Sqrt(sumSq / float64(len(st.window)))

	// EMA
	if !st.emaInit {
		st.ema = math.Abs(instant)
		st.emaInit = true
	} else {
		st.ema = s.cfg.EMAAlpha*math.Abs(instant) + (1-s.cfg.EMAAlpha)*st.ema
	}

	return &Reading{
		Channel:     channel,
		Raw:         raw,
		Volts:       volts,
		AmpsInstant: instant,
		AmpsRMS:     rms,
		AmpsEMA:     st.ema,
		AmpsMedian:  median(st.window),
		Calibrated:  st.calibrated,
		Timestamp:   time.Now(),
	}, nil
}

// Calibrate 空载标定通道基线
// 连续采样取平均电压作为基线, 返回标定结果
func (s *CurrentSensor) Calibrate(channel int, samples int) (float64, error) {
	if samples <= 0 {
		samples = s.cfg.CalibrateSamples
	}

	var sum float64
	for i := 0; i < samples; i++ {
		raw, err := s.mgr.ReadADC(channel)
		if err != nil {
			return 0, fmt.Errorf("标定采样失败: channel=%d: %w", channel, err)
		}
		sum += float64(raw) / float64(s.cfg.ADCMax) * s.cfg.VRef
		if s.cfg.CalibrateInterval > 0 && i < samples-1 {
			time.Sleep(s.cfg.CalibrateInterval)
		}
	}
	baseline := sum / float64(samples)

	s.mu.Lock()
	st, ok := s.channels[channel]
	if !ok {
		st = &channelState{}
		s.channels[channel] = st
	}
	st.baseline = baseline
	st.calibrated = true
	// 标定后平滑状态作废
	st.window = nil
	st.emaInit = false
	s.mu.Unlock()

	s.logger.Info("通道标定完成",
		zap.Int("channel", channel),
		zap.Int("samples", samples),
		zap.Float64("baseline", baseline))

	return baseline, nil
}

// Baseline 返回通道基线和是否已标定
func (s *CurrentSensor) Baseline(channel int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[channel]
	if !ok {
		return s.cfg.VRef / 2, false
	}
	return st.baseline, st.calibrated
}

// median 窗口中位数, 偶数长度取中间两值均值
func median(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}
	sorted := make([]float64, len(window))
	copy(sorted, window)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
