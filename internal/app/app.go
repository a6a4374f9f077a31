// Package app 负责组件装配与生命周期：经纪商客户端、账本、
// 对账器、僵死监控、恢复执行器与状态接口在此接线并受同一
// 上下文管理。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"position-guard/internal/broker"
	"position-guard/internal/config"
	"position-guard/internal/incident"
	"position-guard/internal/ledger"
	"position-guard/internal/notify"
	"position-guard/internal/reconcile"
	"position-guard/internal/recovery"
	"position-guard/internal/safety"
	"position-guard/internal/store"
	"position-guard/internal/stuck"
)

// App 聚合守护进程的全部组件。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	book       ledger.Ledger
	incidents  *incident.Service
	safety     *safety.Switch
	executor   *recovery.Executor
	reconciler *reconcile.Reconciler
	monitor    *stuck.Monitor
	server     *statusServer
}

// New 按配置装配全部组件。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gateway, err := broker.NewClient(cfg.Broker, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化经纪商客户端失败: %w", err)
	}

	incidents, err := incident.NewService(st.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化事件服务失败: %w", err)
	}

	book := ledger.NewMemory()
	notifier := notify.NewNotifier(buildSenders(cfg.Alerts, logger), logger)
	safetySwitch := safety.NewSwitch(logger)

	executor := recovery.NewExecutor(gateway, book, incidents, notifier, safetySwitch, cfg.Recovery, logger)
	reconciler := reconcile.NewReconciler(gateway, book, executor, cfg.Reconciler, logger)
	monitor := stuck.NewMonitor(book, executor, cfg.Monitor, logger)
	server := newStatusServer(cfg.Server, incidents, reconciler, executor, safetySwitch, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		book:       book,
		incidents:  incidents,
		safety:     safetySwitch,
		executor:   executor,
		reconciler: reconciler,
		monitor:    monitor,
		server:     server,
	}, nil
}

// Run 启动全部循环并阻塞至上下文取消。启动时先续跑崩溃前
// 持久化的在途恢复，再开启对账与监控。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("守护进程启动", zap.String("environment", a.cfg.App.Environment))

	if runs, err := a.incidents.ActiveRuns(ctx); err != nil {
		a.logger.Warn("读取在途恢复失败，跳过续跑", zap.Error(err))
	} else {
		for _, rec := range runs {
			a.executor.Resume(ctx, rec)
		}
		if len(runs) > 0 {
			a.logger.Info("已续跑在途恢复", zap.Int("count", len(runs)))
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.reconciler.Run(gctx) })
	group.Go(func() error { return a.monitor.Run(gctx) })
	group.Go(func() error { return a.server.Run(gctx) })

	err := group.Wait()

	// 给在途恢复留出持久化窗口
	a.executor.Shutdown(10 * time.Second)

	a.logger.Info("守护进程已停止")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ledger 返回持仓账本，供外部喂入成交回报。
func (a *App) Ledger() ledger.Ledger {
	return a.book
}

func buildSenders(cfg config.AlertsConfig, logger *zap.Logger) []notify.Sender {
	var senders []notify.Sender

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Telegram.Token, cfg.Telegram.ChatID))
	}
	if cfg.Webhook.URL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Webhook.URL))
	}
	if cfg.LogChannel || len(senders) == 0 {
		// 至少保留日志通道，保证告警永远有去处
		senders = append(senders, notify.NewLogSender(logger))
	}
	return senders
}
