package recovery

import (
	"time"

	"position-guard/internal/config"
)

// cumulativeEnd 返回指定级别在绝对时间表上的结束时刻（相对运行起点）。
// 默认配置下各级别依次在 30s/60s/120s/300s 结束，五级没有结束时刻。
func cumulativeEnd(cfg config.RecoveryConfig, level Level) time.Duration {
	var end time.Duration
	for l := LevelSmartRetry; l <= level; l++ {
		switch l {
		case LevelSmartRetry:
			end += cfg.SmartRetryTimeout
		case LevelFreshStart:
			end += cfg.FreshStartTimeout
		case LevelMarketOrder:
			end += cfg.MarketOrderTimeout
		case LevelHumanEscalation:
			end += cfg.HumanEscalationTimeout
		}
	}
	return end
}

// LevelFromElapsed 按经过时间推算当前应处的级别。崩溃恢复时
// 永远依据该函数取级别，从不采信持久化数值：重启既不会把运行
// 打回一级，也不会丢失在途恢复。
func LevelFromElapsed(cfg config.RecoveryConfig, elapsed time.Duration) Level {
	if elapsed >= cfg.ShutdownAfter {
		return LevelSystemShutdown
	}
	for l := LevelSmartRetry; l < LevelSystemShutdown; l++ {
		if elapsed < cumulativeEnd(cfg, l) {
			return l
		}
	}
	return LevelSystemShutdown
}
