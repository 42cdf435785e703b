package hardware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/smart-kiosk/internal/config"
)

func sensorTestConfig() *config.SensorConfig {
	return &config.SensorConfig{
		VRef:             3.3,
		ADCMax:           1023,
		Sensitivity:      0.185,
		WindowSize:       10,
		EMAAlpha:         0.2,
		CalibrateSamples: 30,
	}
}

func TestReadConversion(t *testing.T) {
	mgr := NewMockManager()
	sensor := NewCurrentSensor(mgr, sensorTestConfig())

	// 未标定基线为Vref/2
	mgr.SetADCValue(0, 512)
	r, err := sensor.Read(0)
	require.NoError(t, err)

	expectedVolts := 512.0 / 1023.0 * 3.3
	assert.InDelta(t, expectedVolts, r.Volts, 1e-9)
	assert.InDelta(t, (expectedVolts-1.65)/0.185, r.AmpsInstant, 1e-9)
	assert.False(t, r.Calibrated)
	assert.Equal(t, 512, r.Raw)
}

func TestReadRejectsOutOfRangeRaw(t *testing.T) {
	mgr := NewMockManager()
	sensor := NewCurrentSensor(mgr, sensorTestConfig())

	mgr.SetADCValue(0, 2048)
	_, err := sensor.Read(0)
	assert.Error(t, err)
}

func TestReadPropagatesADCError(t *testing.T) {
	mgr := NewMockManager()
	sensor := NewCurrentSensor(mgr, sensorTestConfig())

	mgr.SetADCError(errors.New("spi超时"))
	_, err := sensor.Read(0)
	assert.Error(t, err)
}

func TestRMSOverConstantSignal(t *testing.T) {
	mgr := NewMockManager()
	sensor := NewCurrentSensor(mgr, sensorTestConfig())

	// 恒定信号时RMS等于瞬时电流绝对值
	mgr.SetADCValue(1, 700)
	var last *Reading
	for i := 0; i < 12; i++ {
		r, err := sensor.Read(1)
		require.NoError(t, err)
		last = r
	}

	assert.InDelta(t, last.AmpsInstant, last.AmpsRMS, 1e-9)
	assert.InDelta(t, last.AmpsInstant, last.AmpsMedian, 1e-9)
}

func TestEMAConverges(t *testing.T) {
	mgr := NewMockManager()
	sensor := NewCurrentSensor(mgr, sensorTestConfig())

	mgr.SetADCValue(2, 800)
	first, err := sensor.Read(2)
	require.NoError(t, err)
	// 首个采样直接作为EMA初值
	assert.InDelta(t, first.AmpsInstant, first.AmpsEMA, 1e-9)

	var last *Reading
	for i := 0; i < 50; i++ {
		last, err = sensor.Read(2)
		require.NoError(t, err)
	}
	assert.InDelta(t, last.AmpsInstant, last.AmpsEMA, 1e-3)
}

func TestCalibrate(t *testing.T) {
	mgr := NewMockManager()
	sensor := NewCurrentSensor(mgr, sensorTestConfig())

	mgr.SetADCValue(3, 500)
	baseline, err := sensor.Calibrate(3, 10)
	require.NoError(t, err)

	expected := 500.0 / 1023.0 * 3.3
	assert.InDelta(t, expected, baseline, 1e-9)

	got, calibrated := sensor.Baseline(3)
	assert.True(t, calibrated)
	assert.InDelta(t, expected, got, 1e-9)

	// 标定后瞬时电流以新基线为参照
	r, err := sensor.Read(3)
	require.NoError(t, err)
	assert.True(t, r.Calibrated)
	assert.InDelta(t, 0, r.AmpsInstant, 1e-9)
}

func TestCalibrateUsesConfigDefaultSamples(t *testing.T) {
	mgr := NewMockManager()
	cfg := sensorTestConfig()
	cfg.CalibrateSamples = 5
	sensor := NewCurrentSensor(mgr, cfg)

	mgr.SetADCValue(0, 512)
	_, err := sensor.Calibrate(0, 0)
	require.NoError(t, err)

	_, calibrated := sensor.Baseline(0)
	assert.True(t, calibrated)
}

func TestFormatMMSS(t *testing.T) {
	assert.Equal(t, "0000", FormatMMSS(0))
	assert.Equal(t, "0130", FormatMMSS(90))
	assert.Equal(t, "6000", FormatMMSS(3600))
	assert.Equal(t, "9959", FormatMMSS(1000000))
	assert.Equal(t, "0000", FormatMMSS(-5))
}
