package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalcopier/bridge"
	"signalcopier/config"
	"signalcopier/database"
	"signalcopier/delivery"
	"signalcopier/engine"
	"signalcopier/event"
	"signalcopier/i18n"
	"signalcopier/ingest"
	"signalcopier/ledger"
	"signalcopier/lock"
	"signalcopier/logger"
	"signalcopier/metrics"
	"signalcopier/notify"
	"signalcopier/registry"
	"signalcopier/safety"
	"signalcopier/scheduler"
	"signalcopier/storage"
	"signalcopier/utils"
	"signalcopier/web"
)

// Version 版本号
var Version = "1.0.0"

// 全局日志存储实例（用于清理任务）
var globalLogStorage *storage.LogStorage

func main() {
	// 检查版本参数
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("Signal Copier\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 解析调试参数（-debug / --debug）
	debugMode := false
	filteredArgs := []string{os.Args[0]}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		default:
			filteredArgs = append(filteredArgs, arg)
		}
	}
	if debugMode {
		log.Printf("[INFO] Debug 模式已启用")
	}
	os.Args = filteredArgs

	// 1. 最早初始化日志存储（在配置加载之前，使用默认路径）
	logStoragePath := "./logs.db"
	if len(os.Args) > 2 && os.Args[1] == "--log-db" {
		logStoragePath = os.Args[2]
		os.Args = append(os.Args[:1], os.Args[3:]...)
	}

	logStorage, err := storage.NewLogStorage(logStoragePath)
	if err != nil {
		log.Printf("[WARN] 初始化日志存储失败: %v，将继续运行但不保存日志到数据库", err)
		logStorage = nil
	} else {
		globalLogStorage = logStorage
		logger.InitLogStorage(func(level, message string) {
			logStorage.WriteLog(level, message)
		})
		log.Printf("[INFO] 日志存储已初始化: %s", logStoragePath)
	}

	logger.Info("🚀 信号复制系统启动...")
	logger.Info("📦 版本号: %s", Version)

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("❌ 加载配置失败: %v", err)
	}

	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用 UTC", cfg.System.Timezone, err)
	} else if cfg.System.Timezone != "" {
		logger.Info("✅ 系统时区设置为: %s", cfg.System.Timezone)
	}
	logger.SetLocation(utils.GlobalLocation)
	utils.SetTradingDayStartHour(cfg.System.TradingDayStartHour)

	if debugMode {
		cfg.System.LogLevel = "debug"
	}
	logLevel := logger.ParseLogLevel(cfg.System.LogLevel)
	logger.SetLevel(logLevel)
	logger.Info("日志级别设置为: %s", logLevel.String())

	if cfg.System.LogDir != "" {
		if err := logger.SetLogDir(cfg.System.LogDir); err != nil {
			logger.Warn("⚠️ 设置日志目录失败: %v，仅输出到控制台", err)
		}
	}

	// 初始化 i18n 系统
	logLang := cfg.System.LogLanguage
	if logLang == "" {
		logLang = "zh-CN"
	}
	if err := i18n.Init(logLang); err != nil {
		logger.Warn("⚠️ 初始化 i18n 失败: %v，将使用默认语言", err)
	} else {
		logger.Info("✅ i18n 系统已初始化，日志语言: %s", logLang)
	}

	logger.Info("✅ 配置加载成功: 账户数量=%d, 频道数量=%d, 执行端=%s",
		len(cfg.Accounts), len(cfg.Channels), cfg.Bridge.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hotReloader := config.NewHotReloader(cfg)
	rulesFor := func(account string) config.RuleSet {
		return hotReloader.GetCurrentConfig().RulesFor(account)
	}

	// 数据库
	logger.Info("🔧 正在初始化数据库...")
	db, err := database.NewDatabase(database.ConfigFrom(cfg))
	if err != nil {
		logger.Fatalf("❌ 初始化数据库失败: %v", err)
	}
	if err := database.SyncConfig(ctx, db, cfg); err != nil {
		logger.Warn("⚠️ 同步频道与规则到数据库失败: %v", err)
	}

	// 实体锁
	distributedLock, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    cfg.DistributedLock.Enabled,
		Type:       cfg.DistributedLock.Type,
		Prefix:     cfg.DistributedLock.Prefix,
		DefaultTTL: time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     cfg.DistributedLock.Redis.Addr,
			Password: cfg.DistributedLock.Redis.Password,
			DB:       cfg.DistributedLock.Redis.DB,
			PoolSize: cfg.DistributedLock.Redis.PoolSize,
		},
	})
	if err != nil {
		logger.Fatalf("❌ 初始化实体锁失败: %v", err)
	}
	lockTTL := time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second

	// 信号注册表与交易账本
	signals := registry.New(database.NewSignalStore(db), distributedLock, lockTTL)
	if err := signals.Load(ctx); err != nil {
		logger.Fatalf("❌ 恢复信号失败: %v", err)
	}
	book := ledger.New(database.NewTradeStore(db), distributedLock, lockTTL)
	if err := book.Load(ctx); err != nil {
		logger.Fatalf("❌ 恢复交易失败: %v", err)
	}

	// 事件总线 & 通知 & 实时推送
	logger.Info("🔧 正在初始化事件中心...")
	eventBus := event.NewEventBus(1000)
	notifier := notify.NewNotificationService(cfg)
	eventHub := web.NewEventHub()
	go eventHub.Run(ctx)

	centerCfg := event.DefaultEventCenterConfig()
	centerCfg.MinNotifySeverity = event.ParseSeverity(cfg.Notifications.MinSeverity)
	eventCenter := event.NewEventCenter(db, eventBus, event.ProcessorFunc(func(evt *event.Event) {
		notifier.ProcessEvent(evt)
		eventHub.ProcessEvent(evt)
	}), centerCfg)
	if err := eventCenter.Start(); err != nil {
		logger.Warn("⚠️ 启动事件中心失败: %v", err)
	}

	// 执行端
	execBridge := newBridge(ctx, cfg, eventCenter)

	// 熔断与交易时段
	breaker := safety.NewCircuitBreaker(rulesFor)
	breaker.OnTrip(func(s safety.BreakerState) {
		eventCenter.PublishEvent(event.EventTypeCircuitBreakerTripped, map[string]interface{}{
			"account":      s.Account,
			"realized_pnl": s.RealizedPnL,
			"reason":       s.Reason,
			"resume_at":    s.ResumeAt,
		})
	})
	breaker.OnReset(func(s safety.BreakerState) {
		eventCenter.PublishEvent(event.EventTypeCircuitBreakerReset, map[string]interface{}{
			"account": s.Account,
		})
	})
	breaker.SetStore(database.NewBreakerStore(db))
	if err := breaker.Restore(ctx); err != nil {
		logger.Warn("⚠️ 恢复熔断状态失败: %v", err)
	}
	window := safety.NewTradingWindow(rulesFor)

	// 投递队列
	journal, err := storage.NewJournal(cfg.Journal.Path)
	if err != nil {
		logger.Fatalf("❌ 打开投递日志失败: %v", err)
	}
	queue := delivery.NewQueue(delivery.Config{
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		AckTimeout:    time.Duration(cfg.Delivery.AckTimeoutMs) * time.Millisecond,
		BackoffMin:    time.Duration(cfg.Delivery.BackoffMinMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Delivery.BackoffMaxMs) * time.Millisecond,
		RateLimit:     cfg.Delivery.RateLimit,
		Burst:         cfg.Delivery.Burst,
		SweepInterval: time.Duration(cfg.Delivery.SweepIntervalMs) * time.Millisecond,
	}, journal)

	// 引擎
	eng, err := engine.New(cfg, engine.Deps{
		Registry:      signals,
		Ledger:        book,
		Queue:         queue,
		Breaker:       breaker,
		Window:        window,
		Events:        eventCenter,
		Confirmations: db,
		Messages:      db,
	})
	if err != nil {
		logger.Fatalf("❌ 初始化引擎失败: %v", err)
	}
	if err := queue.Recover(ctx); err != nil {
		logger.Fatalf("❌ 恢复投递队列失败: %v", err)
	}
	if err := eng.LoadConfirmations(ctx); err != nil {
		logger.Warn("⚠️ 恢复待确认修改失败: %v", err)
	}

	consumer := delivery.NewConsumer(queue, execBridge, eng.HandleAck)
	go consumer.Run(ctx)

	// 配置热更新
	hotReloader.RegisterCallback(func(oldConfig, newConfig *config.Config, changes []config.ConfigChange) error {
		if err := eng.UpdateConfig(newConfig); err != nil {
			return err
		}
		syncCtx, syncCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer syncCancel()
		if err := database.SyncConfig(syncCtx, db, newConfig); err != nil {
			logger.Warn("⚠️ 热更新后同步配置到数据库失败: %v", err)
		}
		logger.Info("🔄 配置已热更新，变更 %d 项", len(changes))
		return nil
	})
	configWatcher, err := config.NewConfigWatcher(configPath, hotReloader)
	if err != nil {
		logger.Warn("⚠️ 创建配置监控器失败: %v，配置热更新不可用", err)
	} else if err := configWatcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监控器失败: %v", err)
	}

	// 自动管理规则调度
	sched := scheduler.New(book, signals, execBridge, eng, rulesFor,
		time.Duration(cfg.Scheduler.Interval)*time.Second)
	sched.SetRollover(breaker)
	sched.Start(ctx)

	// 持仓对账
	reconciler := safety.NewReconciler(book, execBridge, distributedLock,
		time.Duration(cfg.Scheduler.ReconcileInterval)*time.Second)
	reconciler.OnRepair(func(r safety.RepairRecord) {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer saveCancel()
		if err := db.SaveReconciliation(saveCtx, &database.Reconciliation{
			Account:     r.Account,
			TradeID:     r.TradeID,
			SignalID:    r.SignalID,
			Type:        string(r.Type),
			LocalValue:  r.From,
			RemoteValue: r.To,
			CreatedAt:   utils.NowUTC(),
		}); err != nil {
			logger.Error("❌ 保存对账记录失败: %v", err)
		}
		eng.HandleRepair(saveCtx, r)
		eventCenter.PublishEvent(event.EventTypeTradeReconciled, map[string]interface{}{
			"account":   r.Account,
			"signal_id": r.SignalID,
			"trade_id":  r.TradeID,
			"type":      string(r.Type),
			"from":      r.From,
			"to":        r.To,
			"profit":    r.Profit,
		})
	})
	reconciler.Start(ctx)

	// 系统指标
	systemMetrics := metrics.NewSystemMetricsCollector(15 * time.Second)
	systemMetrics.Start(ctx)

	// 频道消息接入
	messages := make(chan engine.Message, 256)
	go eng.Run(ctx, messages)
	if cfg.Ingest.Telegram.Enabled {
		source, err := ingest.NewTelegramSource(cfg.Ingest.Telegram.BotToken, "", cfg.Ingest.Telegram.Timeout)
		if err != nil {
			logger.Error("❌ 初始化 Telegram 消息接入失败: %v", err)
		} else {
			go func() {
				if err := source.Run(ctx, messages); err != nil {
					logger.Error("❌ Telegram 消息接入异常退出: %v", err)
				}
			}()
		}
	} else {
		logger.Info("ℹ️ 未启用 Telegram 消息接入")
	}

	// Web 服务
	var webServer *web.WebServer
	if cfg.Web.Enabled {
		providers := web.Providers{
			Operator:   eng,
			Signals:    signals,
			Trades:     book,
			Deliveries: queue,
			Breakers:   breaker,
			Events:     db,
			System:     systemMetrics,
			History:    journal,
			Hub:        eventHub,
			Config:     hotReloader.GetCurrentConfig,
			Health:     db.Ping,
		}
		if logStorage != nil {
			providers.Logs = logStorage
			providers.LogStream = logStorage
		}
		web.SetProviders(providers)

		webServer = web.NewWebServer(cfg)
		if err := webServer.Start(ctx); err != nil {
			logger.Error("❌ 启动 Web 服务失败: %v", err)
		}
	}

	// 定期清理历史日志与投递条目
	go housekeeping(ctx, logStorage, journal, db)

	eventCenter.PublishEvent(event.EventTypeSystemStart, map[string]interface{}{
		"version":     Version,
		"instance_id": cfg.System.InstanceID,
		"bridge":      cfg.Bridge.Type,
	})

	// 所有初始化完成，程序进入运行状态
	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	// 等待退出信号（SIGINT 或 SIGTERM）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")

	eventCenter.PublishEvent(event.EventTypeSystemStop, map[string]interface{}{
		"reason": "收到退出信号",
	})

	// 先停止接收新消息与 Web 操作
	if webServer != nil {
		webServer.Stop()
	}
	if configWatcher != nil {
		if err := configWatcher.Stop(); err != nil {
			logger.Warn("⚠️ 停止配置监控器失败: %v", err)
		}
	}

	// 停止所有协程（消费者、调度器、对账器、消息接入）
	cancel()

	// 等待一小段时间，让在途投递写完日志
	time.Sleep(500 * time.Millisecond)

	if err := execBridge.Close(); err != nil {
		logger.Warn("⚠️ 关闭执行端失败: %v", err)
	}

	// 事件中心排空后再关闭数据库
	eventCenter.Stop()
	notifier.Wait()

	if err := journal.Close(); err != nil {
		logger.Error("❌ 关闭投递日志失败: %v", err)
	}
	if err := db.Close(); err != nil {
		logger.Error("❌ 关闭数据库失败: %v", err)
	}

	logger.Info("✅ 系统已安全退出")

	// 关闭文件日志
	logger.Close()

	// 关闭日志存储
	if globalLogStorage != nil {
		if err := globalLogStorage.Close(); err != nil {
			log.Printf("[ERROR] 关闭日志存储失败: %v", err)
		}
	}
}

// newBridge 根据配置创建执行端；websocket 执行端的连接状态以事件发布
func newBridge(ctx context.Context, cfg *config.Config, events *event.EventCenter) bridge.Bridge {
	switch cfg.Bridge.Type {
	case "websocket":
		ws := bridge.NewWebsocketBridge(bridge.WebsocketConfig{
			URL:            cfg.Bridge.URL,
			Token:          cfg.Bridge.Token,
			ReconnectDelay: time.Duration(cfg.Bridge.ReconnectDelay) * time.Second,
		})
		connectedOnce := false
		ws.OnStatus(func(connected bool) {
			data := map[string]interface{}{"url": cfg.Bridge.URL}
			switch {
			case !connected:
				events.PublishEvent(event.EventTypeBridgeDisconnected, data)
			case connectedOnce:
				events.PublishEvent(event.EventTypeBridgeReconnected, data)
			}
			if connected {
				connectedOnce = true
			}
		})
		ws.Start(ctx)
		logger.Info("🔌 执行端: websocket (%s)", cfg.Bridge.URL)
		return ws
	default:
		logger.Warn("⚠️ 执行端: paper（模拟成交，不会连接真实账户）")
		return bridge.NewPaperBridge()
	}
}

// housekeeping 每天凌晨2点清理 7 天前的日志与已结束的投递条目
func housekeeping(ctx context.Context, logStorage *storage.LogStorage, journal *storage.Journal, db database.Database) {
	now := utils.ToConfiguredTimezone(utils.NowUTC())
	next := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
	if next.Before(now) {
		next = next.Add(24 * time.Hour)
	}
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		logger.Info("🧹 开始定期清理...")
		if logStorage != nil {
			if n, err := logStorage.CleanOldLogs(7); err != nil {
				logger.Warn("⚠️ 清理日志失败: %v", err)
			} else {
				logger.Info("✅ 已清理 %d 条日志（7天前）", n)
			}
		}
		if _, err := journal.Compact(ctx, utils.NowUTC().AddDate(0, 0, -7)); err != nil {
			logger.Warn("⚠️ 清理投递日志失败: %v", err)
		}
		if n, err := db.CleanupProcessedMessages(ctx, utils.NowUTC().AddDate(0, 0, -30)); err != nil {
			logger.Warn("⚠️ 清理消息去重记录失败: %v", err)
		} else if n > 0 {
			logger.Info("✅ 已清理 %d 条消息去重记录（30天前）", n)
		}
		timer.Reset(24 * time.Hour)
	}
}
