package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Sensor   SensorConfig   `mapstructure:"sensor"`
	Kiosk    KioskConfig    `mapstructure:"kiosk"`
	Charging ChargingConfig `mapstructure:"charging"`
	Water    WaterConfig    `mapstructure:"water"`
	Coin     CoinConfig     `mapstructure:"coin"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig 本机API服务配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SerialConfig 固件串口配置
type SerialConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MockMode      bool          `mapstructure:"mock_mode"` // 调试模式（使用模拟硬件）
	Ports         []string      `mapstructure:"ports"`     // 候选端口, 按顺序探测
	BaudRate      int           `mapstructure:"baud_rate"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ProbeCommand  string        `mapstructure:"probe_command"`  // 探测指令
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`  // 探测应答等待
	RetryInterval time.Duration `mapstructure:"retry_interval"` // 重连基础间隔
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	// 原始行留档的保留天数, 0表示不清理
	LogRetentionDays int `mapstructure:"log_retention_days"`
}

// SensorConfig 电流采样配置
type SensorConfig struct {
	VRef              float64       `mapstructure:"vref"`               // ADC参考电压
	ADCMax            int           `mapstructure:"adc_max"`            // 10位ADC满量程
	Sensitivity       float64       `mapstructure:"sensitivity"`        // ACS712灵敏度 V/A
	WindowSize        int           `mapstructure:"window_size"`        // RMS滑动窗口
	EMAAlpha          float64       `mapstructure:"ema_alpha"`          // EMA平滑系数
	CalibrateSamples  int           `mapstructure:"calibrate_samples"`  // 标定采样次数
	CalibrateInterval time.Duration `mapstructure:"calibrate_interval"` // 标定采样间隔
}

// KioskConfig 机台配置
type KioskConfig struct {
	DeviceID string               `mapstructure:"device_id"`
	Mode     string               `mapstructure:"mode"` // charge / water
	Slots    map[string]SlotPin   `mapstructure:"slots"`
	Display  DisplayConfig        `mapstructure:"display"`
}

// SlotPin 单个充电位的引脚映射
type SlotPin struct {
	PowerRelay int `mapstructure:"power_relay"` // 供电继电器引脚
	LockRelay  int `mapstructure:"lock_relay"`  // 锁柜继电器引脚
	ACSChannel int `mapstructure:"acs_channel"` // ADC采样通道
	DisplayID  int `mapstructure:"display_id"`  // TM1637显示编号, -1表示无
}

// DisplayConfig 数码管显示配置
type DisplayConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Brightness int  `mapstructure:"brightness"`
}

// ChargingConfig 充电业务配置
type ChargingConfig struct {
	PlugThreshold    float64       `mapstructure:"plug_threshold"`    // 判定插入的电流阈值 A
	UnplugThreshold  float64       `mapstructure:"unplug_threshold"`  // 判定拔出的电流阈值 A
	ChargeThreshold  float64       `mapstructure:"charge_threshold"`  // 判定充电中的电流阈值 A
	ConfirmSamples   int           `mapstructure:"confirm_samples"`   // 状态切换需连续确认的采样数
	PollInterval     time.Duration `mapstructure:"poll_interval"`     // 轮询间隔
	MaxChargeSeconds int           `mapstructure:"max_charge_seconds"` // 单次充电上限
	SecondsPerPeso   int           `mapstructure:"seconds_per_peso"`  // 投币金额到充电秒数的换算
	ReserveTimeout   time.Duration `mapstructure:"reserve_timeout"`   // 预约后未插入的超时
}

// WaterConfig 售水业务配置
type WaterConfig struct {
	MLPerCoin       int           `mapstructure:"ml_per_coin"`       // 每单位币值兑换的毫升数
	MaxDispenseTime time.Duration `mapstructure:"max_dispense_time"` // 单次出水看门狗上限
	CupWaitTimeout  time.Duration `mapstructure:"cup_wait_timeout"`  // 等待放杯超时
}

// CoinConfig 投币机配置
type CoinConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`       // 去抖窗口
	MaxPerSecond  int           `mapstructure:"max_per_second"` // 每秒最大计币数
	Denominations []int         `mapstructure:"denominations"`  // 合法面额
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("SMART_KIOSK")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		err = v.Unmarshal(cfg)
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/kiosk.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "info")
	v.SetDefault("database.auto_migrate", true)

	// 串口默认配置
	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.ports", []string{
		"/dev/ttyUSB0", "/dev/ttyUSB1",
		"/dev/ttyACM0", "/dev/ttyACM1",
		"/dev/ttyS0",
	})
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.read_timeout", "1s")
	v.SetDefault("serial.write_timeout", "1s")
	v.SetDefault("serial.probe_command", "STATUS")
	v.SetDefault("serial.probe_timeout", "2s")
	v.SetDefault("serial.retry_interval", "5s")
	v.SetDefault("serial.max_retry_delay", "30s")
	v.SetDefault("serial.log_retention_days", 30)

	// 电流采样默认配置
	v.SetDefault("sensor.vref", 3.3)
	v.SetDefault("sensor.adc_max", 1023)
	v.SetDefault("sensor.sensitivity", 0.185)
	v.SetDefault("sensor.window_size", 10)
	v.SetDefault("sensor.ema_alpha", 0.2)
	v.SetDefault("sensor.calibrate_samples", 30)
	v.SetDefault("sensor.calibrate_interval", "50ms")

	// 机台默认配置
	v.SetDefault("kiosk.device_id", "kiosk-001")
	v.SetDefault("kiosk.mode", "charge")
	v.SetDefault("kiosk.display.enabled", true)
	v.SetDefault("kiosk.display.brightness", 4)

	// 充电业务默认配置
	v.SetDefault("charging.plug_threshold", 0.8)
	v.SetDefault("charging.unplug_threshold", 0.5)
	v.SetDefault("charging.charge_threshold", 0.8)
	v.SetDefault("charging.confirm_samples", 3)
	v.SetDefault("charging.poll_interval", "1s")
	v.SetDefault("charging.max_charge_seconds", 3600)
	v.SetDefault("charging.seconds_per_peso", 300)
	v.SetDefault("charging.reserve_timeout", "2m")

	// 售水业务默认配置
	v.SetDefault("water.ml_per_coin", 500)
	v.SetDefault("water.max_dispense_time", "60s")
	v.SetDefault("water.cup_wait_timeout", "30s")

	// 投币机默认配置
	v.SetDefault("coin.debounce", "300ms")
	v.SetDefault("coin.max_per_second", 2)
	v.SetDefault("coin.denominations", []int{1, 5, 10})

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "kiosk.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetFloat64 获取浮点数配置
func GetFloat64(key string) float64 {
	return v.GetFloat64(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}

// Set 动态设置配置值
func Set(key string, value interface{}) {
	v.Set(key, value)
}
