package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "guard"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.name", "binanceusdm")
	v.SetDefault("broker.use_sandbox", false)
	v.SetDefault("broker.retry.max_attempts", 5)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("reconciler.interval", "60s")
	v.SetDefault("reconciler.history", 100)

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.max_position_age", "4h")
	v.SetDefault("monitor.runaway_loss_usd", -500.0)
	v.SetDefault("monitor.stuck_exit_age", "5m")
	v.SetDefault("monitor.retry_quiet", "2m")
	v.SetDefault("monitor.known_stuck_cap", 256)

	v.SetDefault("recovery.smart_retry_timeout", "30s")
	v.SetDefault("recovery.fresh_start_timeout", "30s")
	v.SetDefault("recovery.market_order_timeout", "60s")
	v.SetDefault("recovery.human_escalation_timeout", "180s")
	v.SetDefault("recovery.shutdown_after", "300s")
	v.SetDefault("recovery.poll_interval", "2s")
	v.SetDefault("recovery.cancel_wait", "2s")
	v.SetDefault("recovery.retry_interval", "10s")
	v.SetDefault("recovery.default_tick_size", 0.5)
	v.SetDefault("recovery.stop_limit_gap_ticks", 4)

	v.SetDefault("alerts.log_channel", true)

	v.SetDefault("database.path", "data/position_guard.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("server.port", 8090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
