package recovery

import (
	"time"

	"position-guard/internal/ledger"
)

// Classification 表示仓位被标记进入恢复的原因。
type Classification string

const (
	// ClassStuckExit 离场委托失败且长时间无新尝试。
	ClassStuckExit Classification = "stuck_exit"
	// ClassAgedOut 持仓超过允许的最长存续时间。
	ClassAgedOut Classification = "aged_out"
	// ClassRunawayLoss 浮亏突破阈值。
	ClassRunawayLoss Classification = "runaway_loss"
	// ClassGhost 经纪商有持仓而账本没有。
	ClassGhost Classification = "ghost"
)

// Alert 为一次性恢复请求：由监控器或对账器创建，不可变，
// 被执行器恰好消费一次。
type Alert struct {
	Position       ledger.Position `json:"position"`
	Classification Classification  `json:"classification"`
	DetectedAt     time.Time       `json:"detected_at"`
	Reason         string          `json:"reason"`
}

// Level 表示升级级别，严格递增，从不跳级、从不回退。
type Level int

const (
	LevelSmartRetry Level = iota + 1
	LevelFreshStart
	LevelMarketOrder
	LevelHumanEscalation
	LevelSystemShutdown
)

// String 返回级别名称。
func (l Level) String() string {
	switch l {
	case LevelSmartRetry:
		return "L1_smart_retry"
	case LevelFreshStart:
		return "L2_fresh_start"
	case LevelMarketOrder:
		return "L3_market_order"
	case LevelHumanEscalation:
		return "L4_human_escalation"
	case LevelSystemShutdown:
		return "L5_system_shutdown"
	default:
		return "unknown"
	}
}

// Outcome 表示恢复运行的结果。
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeResolved   Outcome = "resolved"
	OutcomeUnresolved Outcome = "unresolved"
)

// ActionRecord 为动作日志中的一项，按时间有序追加。
type ActionRecord struct {
	Level     Level     `json:"level"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// RunSnapshot 为运行状态的只读快照，供状态接口与归档使用。
type RunSnapshot struct {
	PositionID     string         `json:"position_id"`
	Symbol         string         `json:"symbol"`
	Classification Classification `json:"classification"`
	Level          Level          `json:"level"`
	LevelName      string         `json:"level_name"`
	StartedAt      time.Time      `json:"started_at"`
	Outcome        Outcome        `json:"outcome"`
	Slippage       float64        `json:"slippage"`
	Actions        []ActionRecord `json:"actions"`
}

// RunRecord 为跨重启持久化的最小运行状态。重启后级别永远按
// 经过时间重新推算，持久化的 LastLevel 仅用于审计。
type RunRecord struct {
	PositionID     string
	Symbol         string
	Classification Classification
	Reason         string
	Quantity       float64
	StartedAt      time.Time
	LastLevel      Level
	UpdatedAt      time.Time
}

// Incident 为单次已终结恢复的不可变归档快照。
type Incident struct {
	ID             string         `json:"id"`
	PositionID     string         `json:"position_id"`
	Symbol         string         `json:"symbol"`
	Classification Classification `json:"classification"`
	Outcome        Outcome        `json:"outcome"`
	FinalLevel     Level          `json:"final_level"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Duration       time.Duration  `json:"duration"`
	Slippage       float64        `json:"slippage"`
	Actions        []ActionRecord `json:"actions"`
}
