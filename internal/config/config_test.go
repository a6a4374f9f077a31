package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 出错: %v", err)
	}

	if cfg.Recovery.SmartRetryTimeout != 30*time.Second {
		t.Fatalf("smart_retry_timeout = %s, 期望 30s", cfg.Recovery.SmartRetryTimeout)
	}
	if cfg.Recovery.ShutdownAfter != 300*time.Second {
		t.Fatalf("shutdown_after = %s, 期望 300s", cfg.Recovery.ShutdownAfter)
	}
	if cfg.Monitor.RunawayLossUSD != -500.0 {
		t.Fatalf("runaway_loss_usd = %.1f, 期望 -500", cfg.Monitor.RunawayLossUSD)
	}
	if cfg.Reconciler.Interval != time.Minute {
		t.Fatalf("reconciler.interval = %s, 期望 60s", cfg.Reconciler.Interval)
	}
	if cfg.Broker.Name != "binanceusdm" {
		t.Fatalf("broker.name = %s, 期望 binanceusdm", cfg.Broker.Name)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
app:
  environment: production
recovery:
  shutdown_after: 10m
  tick_sizes:
    BTC/USDT:USDT: 0.1
monitor:
  strategy_max_age:
    scalp: 15m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 出错: %v", err)
	}

	if cfg.Recovery.ShutdownAfter != 10*time.Minute {
		t.Fatalf("shutdown_after = %s, 期望 10m", cfg.Recovery.ShutdownAfter)
	}
	if cfg.Recovery.TickSize("BTC/USDT:USDT") != 0.1 {
		t.Fatalf("TickSize(BTC) = %f, 期望 0.1", cfg.Recovery.TickSize("BTC/USDT:USDT"))
	}
	if cfg.Recovery.TickSize("XRP/USDT:USDT") != 0.5 {
		t.Fatalf("未配置合约应回退默认 tick: %f", cfg.Recovery.TickSize("XRP/USDT:USDT"))
	}
	if cfg.Monitor.MaxAgeFor("scalp") != 15*time.Minute {
		t.Fatalf("MaxAgeFor(scalp) = %s, 期望 15m", cfg.Monitor.MaxAgeFor("scalp"))
	}
	if cfg.Monitor.MaxAgeFor("swing") != 4*time.Hour {
		t.Fatalf("MaxAgeFor(swing) = %s, 期望回退全局 4h", cfg.Monitor.MaxAgeFor("swing"))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("缺失配置文件应报错")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
monitor:
  runaway_loss_usd: 100
recovery:
  poll_interval: 0s
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("非法配置应校验失败")
	}
	if !strings.Contains(err.Error(), "runaway_loss_usd") {
		t.Fatalf("错误信息应包含 runaway_loss_usd: %v", err)
	}
	if !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("错误信息应包含 poll_interval: %v", err)
	}
}
