// Package safety 实现全局安全开关：只平仓模式与总停机标志。
// 两个动作均幂等，首次触发生效并记录，重复调用为空操作。
package safety

import (
	"sync"

	"go.uber.org/zap"
)

// Switch 为进程级安全开关。
type Switch struct {
	mu         sync.Mutex
	closeOnly  bool
	killRaised bool
	logger     *zap.Logger
}

// NewSwitch 创建安全开关。
func NewSwitch(logger *zap.Logger) *Switch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Switch{logger: logger}
}

// EnterCloseOnlyMode 进入只平仓模式：阻止新开仓，放行离场。
func (s *Switch) EnterCloseOnlyMode() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeOnly {
		return
	}
	s.closeOnly = true
	s.logger.Error("系统进入只平仓模式")
}

// RaiseKillFlag 拉起全局停机标志。
func (s *Switch) RaiseKillFlag() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killRaised {
		return
	}
	s.killRaised = true
	s.logger.Error("全局停机标志已拉起")
}

// CloseOnly 返回是否处于只平仓模式。
func (s *Switch) CloseOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeOnly
}

// KillRaised 返回停机标志状态。
func (s *Switch) KillRaised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killRaised
}
