package recovery

import (
	"testing"
	"time"

	"position-guard/internal/config"
)

func levelTestConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		SmartRetryTimeout:      30 * time.Second,
		FreshStartTimeout:      30 * time.Second,
		MarketOrderTimeout:     60 * time.Second,
		HumanEscalationTimeout: 180 * time.Second,
		ShutdownAfter:          300 * time.Second,
	}
}

func TestCumulativeEnd(t *testing.T) {
	cfg := levelTestConfig()

	cases := []struct {
		level Level
		want  time.Duration
	}{
		{LevelSmartRetry, 30 * time.Second},
		{LevelFreshStart, 60 * time.Second},
		{LevelMarketOrder, 120 * time.Second},
		{LevelHumanEscalation, 300 * time.Second},
	}
	for _, tc := range cases {
		if got := cumulativeEnd(cfg, tc.level); got != tc.want {
			t.Errorf("cumulativeEnd(%s) = %s, 期望 %s", tc.level, got, tc.want)
		}
	}
}

func TestLevelFromElapsed(t *testing.T) {
	cfg := levelTestConfig()

	cases := []struct {
		elapsed time.Duration
		want    Level
	}{
		{0, LevelSmartRetry},
		{29 * time.Second, LevelSmartRetry},
		{30 * time.Second, LevelFreshStart},
		{59 * time.Second, LevelFreshStart},
		{60 * time.Second, LevelMarketOrder},
		{90 * time.Second, LevelMarketOrder},
		{119 * time.Second, LevelMarketOrder},
		{120 * time.Second, LevelHumanEscalation},
		{299 * time.Second, LevelHumanEscalation},
		{300 * time.Second, LevelSystemShutdown},
		{10 * time.Hour, LevelSystemShutdown},
	}
	for _, tc := range cases {
		if got := LevelFromElapsed(cfg, tc.elapsed); got != tc.want {
			t.Errorf("LevelFromElapsed(%s) = %s, 期望 %s", tc.elapsed, got, tc.want)
		}
	}
}

func TestLevelFromElapsedShortShutdown(t *testing.T) {
	cfg := levelTestConfig()
	cfg.ShutdownAfter = 45 * time.Second

	// 绝对停机时限先于级别时间表时直接给五级
	if got := LevelFromElapsed(cfg, 50*time.Second); got != LevelSystemShutdown {
		t.Fatalf("LevelFromElapsed(50s) = %s, 期望 %s", got, LevelSystemShutdown)
	}
	if got := LevelFromElapsed(cfg, 40*time.Second); got != LevelFreshStart {
		t.Fatalf("LevelFromElapsed(40s) = %s, 期望 %s", got, LevelFreshStart)
	}
}

func TestLevelString(t *testing.T) {
	want := map[Level]string{
		LevelSmartRetry:      "L1_smart_retry",
		LevelFreshStart:      "L2_fresh_start",
		LevelMarketOrder:     "L3_market_order",
		LevelHumanEscalation: "L4_human_escalation",
		LevelSystemShutdown:  "L5_system_shutdown",
		Level(0):             "unknown",
	}
	for level, name := range want {
		if got := level.String(); got != name {
			t.Errorf("Level(%d).String() = %q, 期望 %q", level, got, name)
		}
	}
}
