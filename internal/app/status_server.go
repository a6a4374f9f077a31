package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"position-guard/internal/config"
	"position-guard/internal/incident"
	"position-guard/internal/reconcile"
	"position-guard/internal/recovery"
	"position-guard/internal/safety"
)

// statusServer 暴露只读状态接口，供值守与排障使用。
type statusServer struct {
	srv        *http.Server
	incidents  *incident.Service
	reconciler *reconcile.Reconciler
	executor   *recovery.Executor
	safety     *safety.Switch
	logger     *zap.Logger
}

func newStatusServer(cfg config.ServerConfig, incidents *incident.Service, reconciler *reconcile.Reconciler, executor *recovery.Executor, safetySwitch *safety.Switch, logger *zap.Logger) *statusServer {
	s := &statusServer{
		incidents:  incidents,
		reconciler: reconciler,
		executor:   executor,
		safety:     safetySwitch,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/incidents", s.handleIncidents)
	mux.HandleFunc("/reconcile", s.handleReconcile)
	mux.HandleFunc("/recoveries", s.handleRecoveries)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run 启动 HTTP 服务并在上下文取消时优雅退出。
func (s *statusServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("状态接口启动", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("状态接口关闭失败", zap.Error(err))
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("状态接口异常退出: %w", err)
		}
		return nil
	}
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":     "ok",
		"close_only": s.safety.CloseOnly(),
		"kill_flag":  s.safety.KillRaised(),
		"time":       time.Now().UTC(),
	})
}

func (s *statusServer) handleIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 必须为正整数", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	incidents, err := s.incidents.ListIncidents(r.Context(), limit)
	if err != nil {
		s.logger.Warn("查询事件归档失败", zap.Error(err))
		http.Error(w, "查询事件归档失败", http.StatusInternalServerError)
		return
	}
	if incidents == nil {
		incidents = []recovery.Incident{}
	}
	s.writeJSON(w, incidents)
}

func (s *statusServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summaries := s.reconciler.Summaries()
	if summaries == nil {
		summaries = []reconcile.Summary{}
	}
	s.writeJSON(w, summaries)
}

func (s *statusServer) handleRecoveries(w http.ResponseWriter, r *http.Request) {
	active := s.executor.Active()
	if active == nil {
		active = []recovery.RunSnapshot{}
	}
	s.writeJSON(w, active)
}

func (s *statusServer) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("序列化响应失败", zap.Error(err))
	}
}
