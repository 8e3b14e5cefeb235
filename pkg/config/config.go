package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// 配置优先级：环境变量 > 配置文件 > 默认值。
// .env 文件（如果存在）在读取环境变量之前加载，不覆盖已有的环境变量。

var configFilePath = "yml/hedge.yaml"

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// VenueConfig 交易场所接入
type VenueConfig struct {
	BaseURL      string        `yaml:"base_url"`
	WSURL        string        `yaml:"ws_url"`
	SignerURL    string        `yaml:"signer_url"`     // 签名服务地址（签名不在本进程内完成）
	SignerToken  string        `yaml:"-"`              // 只从环境变量读取
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // REST 请求限速
	RateBurst    int           `yaml:"rate_burst"`
	Timeout      time.Duration `yaml:"timeout"`
}

// AccountConfig 一条腿的账户
type AccountConfig struct {
	Name        string `yaml:"name"`
	Index       int64  `yaml:"index"`
	APIKeyIndex int    `yaml:"api_key_index"`
}

type AccountsConfig struct {
	A AccountConfig `yaml:"a"`
	B AccountConfig `yaml:"b"`
}

// BusConfig 消息总线
type BusConfig struct {
	Driver   string `yaml:"driver"` // redis | memory
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HedgeConfig 对冲执行
type HedgeConfig struct {
	RetryTimes      int           `yaml:"retry_times"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	ConfirmAttempts int           `yaml:"confirm_attempts"`
	ConfirmInterval time.Duration `yaml:"confirm_interval"`
	Slippage        float64       `yaml:"slippage"`
}

// OrdersConfig 订单生命周期
type OrdersConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	FillTimeout      time.Duration `yaml:"fill_timeout"`
	MaxOrderAge      time.Duration `yaml:"max_order_age"`
	StepBackoff      time.Duration `yaml:"step_backoff"`
	CycleRest        time.Duration `yaml:"cycle_rest"`
	HedgeWaitTimeout time.Duration `yaml:"hedge_wait_timeout"`
	NonceRetries     int           `yaml:"nonce_retries"`
	NonceBackoff     time.Duration `yaml:"nonce_backoff"`
	AuthRetries      int           `yaml:"auth_retries"`
	AuthBackoff      time.Duration `yaml:"auth_backoff"`
	UseFeed          bool          `yaml:"use_feed"`
}

// ReconcileConfig 仓位对账
type ReconcileConfig struct {
	Interval          time.Duration `yaml:"interval"`
	ForceCloseTimeout time.Duration `yaml:"force_close_timeout"`
	Epsilon           float64       `yaml:"epsilon"`
}

// FeedConfig 推送连接
type FeedConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	StableAfter       time.Duration `yaml:"stable_after"`
}

// StateConfig 本地状态
type StateConfig struct {
	BadgerPath  string `yaml:"badger_path"`
	JournalPath string `yaml:"journal_path"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"` // 为空则不启动控制接口
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	ByDay      bool   `yaml:"by_day"`
}

// Config 完整配置
type Config struct {
	Venue     VenueConfig     `yaml:"venue"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Bus       BusConfig       `yaml:"bus"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Orders    OrdersConfig    `yaml:"orders"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Feed      FeedConfig      `yaml:"feed"`
	State     StateConfig     `yaml:"state"`
	Control   ControlConfig   `yaml:"control"`
	Log       LogConfig       `yaml:"log"`
}

// SlippageDecimal 滑点的定点表示
func (c *Config) SlippageDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Hedge.Slippage)
}

// EpsilonDecimal 对账误差的定点表示
func (c *Config) EpsilonDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Reconcile.Epsilon)
}

// Load 从默认路径加载
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 读取 YAML（路径为空或文件不存在时只用环境变量和默认值）
func LoadFromFile(filePath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			ext := strings.ToLower(filepath.Ext(filePath))
			if ext != ".yaml" && ext != ".yml" {
				return nil, fmt.Errorf("不支持的配置文件格式: %s", ext)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("解析 YAML 配置文件失败 %s: %w", filePath, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
		}
	}

	applyEnv(cfg)
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Venue.BaseURL = getEnv("HEDGE_VENUE_BASE_URL", cfg.Venue.BaseURL)
	cfg.Venue.WSURL = getEnv("HEDGE_VENUE_WS_URL", cfg.Venue.WSURL)
	cfg.Venue.SignerURL = getEnv("HEDGE_SIGNER_URL", cfg.Venue.SignerURL)
	cfg.Venue.SignerToken = getEnv("HEDGE_SIGNER_TOKEN", cfg.Venue.SignerToken)

	cfg.Accounts.A.Name = getEnv("HEDGE_ACCOUNT_A_NAME", cfg.Accounts.A.Name)
	cfg.Accounts.A.Index = parseInt64Env("HEDGE_ACCOUNT_A_INDEX", cfg.Accounts.A.Index)
	cfg.Accounts.A.APIKeyIndex = parseIntEnv("HEDGE_ACCOUNT_A_API_KEY_INDEX", cfg.Accounts.A.APIKeyIndex)
	cfg.Accounts.B.Name = getEnv("HEDGE_ACCOUNT_B_NAME", cfg.Accounts.B.Name)
	cfg.Accounts.B.Index = parseInt64Env("HEDGE_ACCOUNT_B_INDEX", cfg.Accounts.B.Index)
	cfg.Accounts.B.APIKeyIndex = parseIntEnv("HEDGE_ACCOUNT_B_API_KEY_INDEX", cfg.Accounts.B.APIKeyIndex)

	cfg.Bus.Driver = getEnv("HEDGE_BUS_DRIVER", cfg.Bus.Driver)
	cfg.Bus.Addr = getEnv("HEDGE_REDIS_ADDR", cfg.Bus.Addr)
	cfg.Bus.Password = getEnv("HEDGE_REDIS_PASSWORD", cfg.Bus.Password)
	cfg.Bus.DB = parseIntEnv("HEDGE_REDIS_DB", cfg.Bus.DB)

	cfg.Hedge.RetryTimes = parseIntEnv("HEDGE_RETRY_TIMES", cfg.Hedge.RetryTimes)
	cfg.Hedge.Slippage = parseFloatEnv("HEDGE_SLIPPAGE", cfg.Hedge.Slippage)
	cfg.Reconcile.ForceCloseTimeout = parseDurationEnv("HEDGE_FORCE_CLOSE_TIMEOUT", cfg.Reconcile.ForceCloseTimeout)
	cfg.Orders.UseFeed = parseBoolEnv("HEDGE_USE_FEED", cfg.Orders.UseFeed)

	cfg.Control.Listen = getEnv("HEDGE_CONTROL_LISTEN", cfg.Control.Listen)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

func setDefaults(cfg *Config) {
	if cfg.Venue.RateLimitRPS <= 0 {
		cfg.Venue.RateLimitRPS = 10
	}
	if cfg.Venue.RateBurst <= 0 {
		cfg.Venue.RateBurst = 5
	}
	if cfg.Venue.Timeout <= 0 {
		cfg.Venue.Timeout = 15 * time.Second
	}
	if cfg.Accounts.A.Name == "" {
		cfg.Accounts.A.Name = "account_a"
	}
	if cfg.Accounts.B.Name == "" {
		cfg.Accounts.B.Name = "account_b"
	}
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = "redis"
	}
	if cfg.Bus.Addr == "" {
		cfg.Bus.Addr = "127.0.0.1:6379"
	}

	setDefaultInt(&cfg.Hedge.RetryTimes, 3)
	setDefaultDuration(&cfg.Hedge.RetryInterval, time.Second)
	setDefaultInt(&cfg.Hedge.ConfirmAttempts, 5)
	setDefaultDuration(&cfg.Hedge.ConfirmInterval, 3*time.Second)
	if cfg.Hedge.Slippage <= 0 {
		cfg.Hedge.Slippage = 0.05
	}

	setDefaultDuration(&cfg.Orders.PollInterval, 2*time.Second)
	setDefaultDuration(&cfg.Orders.FillTimeout, 300*time.Second)
	setDefaultDuration(&cfg.Orders.MaxOrderAge, 120*time.Second)
	setDefaultDuration(&cfg.Orders.StepBackoff, 5*time.Second)
	setDefaultDuration(&cfg.Orders.CycleRest, 2*time.Second)
	setDefaultDuration(&cfg.Orders.HedgeWaitTimeout, 60*time.Second)
	setDefaultInt(&cfg.Orders.NonceRetries, 3)
	setDefaultDuration(&cfg.Orders.NonceBackoff, time.Second)
	setDefaultInt(&cfg.Orders.AuthRetries, 3)
	setDefaultDuration(&cfg.Orders.AuthBackoff, 500*time.Millisecond)

	setDefaultDuration(&cfg.Reconcile.Interval, 5*time.Second)
	setDefaultDuration(&cfg.Reconcile.ForceCloseTimeout, 30*time.Second)
	if cfg.Reconcile.Epsilon <= 0 {
		cfg.Reconcile.Epsilon = 1e-5
	}

	setDefaultDuration(&cfg.Feed.HeartbeatInterval, 30*time.Second)
	setDefaultDuration(&cfg.Feed.StaleAfter, 90*time.Second)
	setDefaultDuration(&cfg.Feed.BackoffBase, 2*time.Second)
	setDefaultDuration(&cfg.Feed.BackoffMax, 60*time.Second)
	setDefaultDuration(&cfg.Feed.StableAfter, 60*time.Second)

	if cfg.State.BadgerPath == "" {
		cfg.State.BadgerPath = "data/state"
	}
	if cfg.State.JournalPath == "" {
		cfg.State.JournalPath = "data/journal.db"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File == "" {
		cfg.Log.File = "logs/hedge.log"
	}
	setDefaultInt(&cfg.Log.MaxSizeMB, 100)
	setDefaultInt(&cfg.Log.MaxBackups, 3)
	setDefaultInt(&cfg.Log.MaxAgeDays, 7)
}

// Validate 检查配置一致性
func (c *Config) Validate() error {
	if c.Accounts.A.Name == c.Accounts.B.Name {
		return fmt.Errorf("两腿账户名不能相同: %s", c.Accounts.A.Name)
	}
	switch c.Bus.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("不支持的总线类型: %s", c.Bus.Driver)
	}
	if c.Hedge.Slippage >= 1 {
		return fmt.Errorf("滑点必须小于 1: %v", c.Hedge.Slippage)
	}
	if c.Feed.StaleAfter <= c.Feed.HeartbeatInterval {
		return fmt.Errorf("feed.stale_after(%v) 必须大于 heartbeat_interval(%v)", c.Feed.StaleAfter, c.Feed.HeartbeatInterval)
	}
	return nil
}

func setDefaultInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDefaultDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseInt64Env(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
