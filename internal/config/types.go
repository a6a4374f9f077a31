package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了守护进程运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述经纪商连接信息。
type BrokerConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制经纪商调用的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ReconcilerConfig 控制账本与经纪商对账的节奏。
type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	History  int           `mapstructure:"history"`
}

// MonitorConfig 控制僵死仓位扫描与分类阈值。
type MonitorConfig struct {
	Interval       time.Duration            `mapstructure:"interval"`
	MaxPositionAge time.Duration            `mapstructure:"max_position_age"`
	StrategyMaxAge map[string]time.Duration `mapstructure:"strategy_max_age"`
	RunawayLossUSD float64                  `mapstructure:"runaway_loss_usd"`
	StuckExitAge   time.Duration            `mapstructure:"stuck_exit_age"`
	RetryQuiet     time.Duration            `mapstructure:"retry_quiet"`
	KnownStuckCap  int                      `mapstructure:"known_stuck_cap"`
}

// MaxAgeFor 返回指定策略允许的最长持仓时间。
func (c MonitorConfig) MaxAgeFor(strategy string) time.Duration {
	if age, ok := c.StrategyMaxAge[strategy]; ok && age > 0 {
		return age
	}
	return c.MaxPositionAge
}

// RecoveryConfig 控制五级升级状态机的时限与下单细节。
type RecoveryConfig struct {
	SmartRetryTimeout      time.Duration      `mapstructure:"smart_retry_timeout"`
	FreshStartTimeout      time.Duration      `mapstructure:"fresh_start_timeout"`
	MarketOrderTimeout     time.Duration      `mapstructure:"market_order_timeout"`
	HumanEscalationTimeout time.Duration      `mapstructure:"human_escalation_timeout"`
	ShutdownAfter          time.Duration      `mapstructure:"shutdown_after"`
	PollInterval           time.Duration      `mapstructure:"poll_interval"`
	CancelWait             time.Duration      `mapstructure:"cancel_wait"`
	RetryInterval          time.Duration      `mapstructure:"retry_interval"`
	DefaultTickSize        float64            `mapstructure:"default_tick_size"`
	TickSizes              map[string]float64 `mapstructure:"tick_sizes"`
	StopLimitGapTicks      int                `mapstructure:"stop_limit_gap_ticks"`
}

// TickSize 返回指定合约的最小报价单位。viper 读入的键统一为
// 小写，这里做大小写不敏感的回退匹配。
func (c RecoveryConfig) TickSize(symbol string) float64 {
	if tick, ok := c.TickSizes[symbol]; ok && tick > 0 {
		return tick
	}
	for key, tick := range c.TickSizes {
		if strings.EqualFold(key, symbol) && tick > 0 {
			return tick
		}
	}
	return c.DefaultTickSize
}

// AlertsConfig 描述告警通道。
type AlertsConfig struct {
	Telegram   TelegramConfig `mapstructure:"telegram"`
	Webhook    WebhookConfig  `mapstructure:"webhook"`
	LogChannel bool           `mapstructure:"log_channel"`
}

// TelegramConfig 描述 Telegram 告警通道。
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

// WebhookConfig 描述通用 Webhook 告警通道。
type WebhookConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ServerConfig 控制只读状态接口。
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.Name == "" {
		err = multierr.Append(err, errors.New("broker.name 不能为空"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Reconciler.Interval <= 0 {
		err = multierr.Append(err, errors.New("reconciler.interval 必须大于0"))
	}
	if c.Reconciler.History <= 0 {
		err = multierr.Append(err, errors.New("reconciler.history 必须大于0"))
	}
	if c.Monitor.Interval <= 0 {
		err = multierr.Append(err, errors.New("monitor.interval 必须大于0"))
	}
	if c.Monitor.MaxPositionAge <= 0 {
		err = multierr.Append(err, errors.New("monitor.max_position_age 必须大于0"))
	}
	for strategy, age := range c.Monitor.StrategyMaxAge {
		if age <= 0 {
			err = multierr.Append(err, fmt.Errorf("monitor.strategy_max_age[%s] 必须大于0", strategy))
		}
	}
	if c.Monitor.RunawayLossUSD >= 0 {
		err = multierr.Append(err, errors.New("monitor.runaway_loss_usd 必须为负数"))
	}
	if c.Monitor.StuckExitAge <= 0 {
		err = multierr.Append(err, errors.New("monitor.stuck_exit_age 必须大于0"))
	}
	if c.Monitor.RetryQuiet <= 0 {
		err = multierr.Append(err, errors.New("monitor.retry_quiet 必须大于0"))
	}
	if c.Monitor.KnownStuckCap <= 0 {
		err = multierr.Append(err, errors.New("monitor.known_stuck_cap 必须大于0"))
	}
	if c.Recovery.SmartRetryTimeout <= 0 {
		err = multierr.Append(err, errors.New("recovery.smart_retry_timeout 必须大于0"))
	}
	if c.Recovery.FreshStartTimeout <= 0 {
		err = multierr.Append(err, errors.New("recovery.fresh_start_timeout 必须大于0"))
	}
	if c.Recovery.MarketOrderTimeout <= 0 {
		err = multierr.Append(err, errors.New("recovery.market_order_timeout 必须大于0"))
	}
	if c.Recovery.HumanEscalationTimeout <= 0 {
		err = multierr.Append(err, errors.New("recovery.human_escalation_timeout 必须大于0"))
	}
	if c.Recovery.ShutdownAfter <= 0 {
		err = multierr.Append(err, errors.New("recovery.shutdown_after 必须大于0"))
	}
	if c.Recovery.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("recovery.poll_interval 必须大于0"))
	}
	if c.Recovery.CancelWait <= 0 {
		err = multierr.Append(err, errors.New("recovery.cancel_wait 必须大于0"))
	}
	if c.Recovery.RetryInterval <= 0 {
		err = multierr.Append(err, errors.New("recovery.retry_interval 必须大于0"))
	}
	if c.Recovery.DefaultTickSize <= 0 {
		err = multierr.Append(err, errors.New("recovery.default_tick_size 必须大于0"))
	}
	for symbol, tick := range c.Recovery.TickSizes {
		if tick <= 0 {
			err = multierr.Append(err, fmt.Errorf("recovery.tick_sizes[%s] 必须大于0", symbol))
		}
	}
	if c.Recovery.StopLimitGapTicks <= 0 {
		err = multierr.Append(err, errors.New("recovery.stop_limit_gap_ticks 必须大于0"))
	}
	if (c.Alerts.Telegram.Token == "") != (c.Alerts.Telegram.ChatID == "") {
		err = multierr.Append(err, errors.New("alerts.telegram 需要同时配置 token 与 chat_id"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于[1,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
