// Package incident 负责恢复事件的持久化：已终结恢复的不可变
// 归档，以及在途运行的跨重启快照。
package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"position-guard/internal/recovery"
)

// Service 基于 SQLite 提供事件归档与运行快照的读写。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 创建事件服务并初始化表结构。
func NewService(db *sql.DB, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS recovery_incidents (
	id             TEXT PRIMARY KEY,
	position_id    TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	classification TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	final_level    INTEGER NOT NULL,
	started_at     TEXT NOT NULL,
	finished_at    TEXT NOT NULL,
	duration_ms    INTEGER NOT NULL,
	slippage       REAL NOT NULL,
	actions        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_finished_at ON recovery_incidents(finished_at);

CREATE TABLE IF NOT EXISTS recovery_runs (
	position_id    TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	classification TEXT NOT NULL,
	reason         TEXT NOT NULL,
	quantity       REAL NOT NULL,
	started_at     TEXT NOT NULL,
	last_level     INTEGER NOT NULL,
	updated_at     TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化恢复事件表失败: %w", err)
	}
	return nil
}

// RecordIncident 写入一条已终结恢复的归档记录。
func (s *Service) RecordIncident(ctx context.Context, inc recovery.Incident) error {
	actions, err := json.Marshal(inc.Actions)
	if err != nil {
		return fmt.Errorf("序列化动作日志失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO recovery_incidents
	(id, position_id, symbol, classification, outcome, final_level, started_at, finished_at, duration_ms, slippage, actions)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID,
		inc.PositionID,
		inc.Symbol,
		string(inc.Classification),
		string(inc.Outcome),
		int(inc.FinalLevel),
		inc.StartedAt.UTC().Format(time.RFC3339Nano),
		inc.FinishedAt.UTC().Format(time.RFC3339Nano),
		inc.Duration.Milliseconds(),
		inc.Slippage,
		string(actions),
	)
	if err != nil {
		return fmt.Errorf("写入恢复事件失败: %w", err)
	}

	s.logger.Info("恢复事件已归档",
		zap.String("incident_id", inc.ID),
		zap.String("position", inc.PositionID),
		zap.Stringer("final_level", inc.FinalLevel),
	)
	return nil
}

// ListIncidents 按结束时间倒序返回最近的归档记录。
func (s *Service) ListIncidents(ctx context.Context, limit int) ([]recovery.Incident, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, position_id, symbol, classification, outcome, final_level, started_at, finished_at, duration_ms, slippage, actions
FROM recovery_incidents
ORDER BY finished_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询恢复事件失败: %w", err)
	}
	defer rows.Close()

	var out []recovery.Incident
	for rows.Next() {
		var (
			inc            recovery.Incident
			classification string
			outcome        string
			finalLevel     int
			startedAt      string
			finishedAt     string
			durationMs     int64
			actions        string
		)
		if err := rows.Scan(&inc.ID, &inc.PositionID, &inc.Symbol, &classification, &outcome, &finalLevel, &startedAt, &finishedAt, &durationMs, &inc.Slippage, &actions); err != nil {
			return nil, fmt.Errorf("读取恢复事件失败: %w", err)
		}

		inc.Classification = recovery.Classification(classification)
		inc.Outcome = recovery.Outcome(outcome)
		inc.FinalLevel = recovery.Level(finalLevel)
		inc.Duration = time.Duration(durationMs) * time.Millisecond
		if inc.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("解析事件起始时间失败: %w", err)
		}
		if inc.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("解析事件结束时间失败: %w", err)
		}
		if err := json.Unmarshal([]byte(actions), &inc.Actions); err != nil {
			return nil, fmt.Errorf("解析动作日志失败: %w", err)
		}

		out = append(out, inc)
	}
	return out, rows.Err()
}

// SaveRun 写入或覆盖一条在途运行快照。
func (s *Service) SaveRun(ctx context.Context, rec recovery.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recovery_runs (position_id, symbol, classification, reason, quantity, started_at, last_level, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(position_id) DO UPDATE SET
	quantity = excluded.quantity,
	last_level = excluded.last_level,
	updated_at = excluded.updated_at`,
		rec.PositionID,
		rec.Symbol,
		string(rec.Classification),
		rec.Reason,
		rec.Quantity,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		int(rec.LastLevel),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("保存运行快照失败: %w", err)
	}
	return nil
}

// DeleteRun 删除指定仓位的运行快照。
func (s *Service) DeleteRun(ctx context.Context, positionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_runs WHERE position_id = ?`, positionID); err != nil {
		return fmt.Errorf("删除运行快照失败: %w", err)
	}
	return nil
}

// ActiveRuns 返回全部持久化的在途运行，供重启续跑。
func (s *Service) ActiveRuns(ctx context.Context) ([]recovery.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT position_id, symbol, classification, reason, quantity, started_at, last_level, updated_at
FROM recovery_runs
ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询在途运行失败: %w", err)
	}
	defer rows.Close()

	var out []recovery.RunRecord
	for rows.Next() {
		var (
			rec            recovery.RunRecord
			classification string
			lastLevel      int
			startedAt      string
			updatedAt      string
		)
		if err := rows.Scan(&rec.PositionID, &rec.Symbol, &classification, &rec.Reason, &rec.Quantity, &startedAt, &lastLevel, &updatedAt); err != nil {
			return nil, fmt.Errorf("读取在途运行失败: %w", err)
		}

		rec.Classification = recovery.Classification(classification)
		rec.LastLevel = recovery.Level(lastLevel)
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("解析运行起始时间失败: %w", err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("解析运行更新时间失败: %w", err)
		}

		out = append(out, rec)
	}
	return out, rows.Err()
}
