package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-relay/internal/admission"
	"chat-relay/internal/api"
	"chat-relay/internal/backend"
	"chat-relay/internal/cache"
	"chat-relay/internal/chat"
	"chat-relay/internal/config"
	"chat-relay/internal/conversation"
	"chat-relay/internal/database"
	"chat-relay/internal/ledger"
	"chat-relay/internal/logger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/moderation"
	"chat-relay/internal/prompt"
	"chat-relay/internal/proxy"
	"chat-relay/internal/publish"
	"chat-relay/internal/session"

	_ "time/tzdata" // 嵌入时区数据库，解决 Windows 下时区加载失败问题
)

// Version 版本号，通过 ldflags 注入
var Version = "dev"

// 缓存刷新周期
const (
	settingsTTL   = 30 * time.Second
	moderationTTL = time.Minute
)

func main() {
	portFlag := flag.Int("port", 0, "服务器监听端口（优先级最高，0 表示使用配置文件或默认值 62311）")
	flag.IntVar(portFlag, "p", 0, "服务器监听端口（-port 的简写）")
	dataDirFlag := flag.String("data-dir", "", "数据目录路径（存放数据库和日志，不指定则使用当前工作目录）")
	flag.Parse()

	if dir := *dataDirFlag; dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建数据目录失败: %v", err)
		}
		if err := os.Chdir(dir); err != nil {
			log.Fatalf("切换到数据目录失败: %v", err)
		}
	}

	// 加载配置（config.yaml > config.yml > 默认值）
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("加载配置文件失败，使用默认配置: %v", err)
		cfg = config.Load()
	}
	if *portFlag > 0 && *portFlag <= 65535 {
		cfg.Server.Port = *portFlag
	}

	if err := logger.Init(logger.Options{
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}
	logger.SetDebugEnabled(cfg.Debug)
	logger.Info("=== chat-relay %s 服务器启动中 ===", Version)

	// 提示词中的当前时间按配置时区输出
	loc, err := time.LoadLocation(cfg.Prompt.Timezone)
	if err != nil {
		logger.Warn("加载时区 %s 失败，使用 UTC+8: %v", cfg.Prompt.Timezone, err)
		loc = time.FixedZone("CST", 8*3600)
	}
	time.Local = loc
	logger.Info("系统时区: %s", time.Local.String())

	db, err := database.New(cfg)
	if err != nil {
		logger.Error("初始化数据库失败: %v", err)
		log.Fatalf("数据库初始化失败: %v", err)
	}
	defer db.Close()
	logger.Info("数据库初始化成功")

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	settings := cache.NewSettingsCache(db, settingsTTL)
	settings.Start(rootCtx)
	if s := settings.Get(rootCtx); s.DebugLog {
		logger.SetDebugEnabled(true)
	}

	filter := moderation.NewFilter(db, moderationTTL)
	pool := proxy.NewPool(settings.Get(rootCtx).ProxyPoolStrategy)

	client := backend.NewClient(cfg.Backend)
	client.SetProxyPool(pool, func() bool {
		return settings.Get(context.Background()).ProxyPoolEnabled
	})
	if !client.Configured() {
		logger.Warn("后端 API Key 未配置，对话请求将返回 %s", chat.CodeBackendNotConfigured)
	}

	// 后台会话：配置了 Redis 时多实例共享
	var sessions session.Store
	var memorySessions *session.MemoryStore
	if cfg.Redis.Addr != "" {
		rdb := session.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis 连接检查失败: %v", err)
		}
		cancel()
		sessions = session.NewRedisStore(rdb)
	} else {
		memorySessions = session.NewMemoryStore()
		sessions = memorySessions
	}

	// 对话完成事件投递
	var publisher publish.Publisher = publish.Nop{}
	if cfg.RabbitMQ.URL != "" {
		rp, err := publish.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			logger.Error("连接 RabbitMQ 失败，事件投递已禁用: %v", err)
		} else {
			publisher = rp
			logger.Info("对话完成事件将投递到队列: %s", cfg.RabbitMQ.Queue)
		}
	}
	defer publisher.Close()

	prom := metrics.NewProm()
	pipeline := chat.NewPipeline(chat.Deps{
		Store:         db,
		Settings:      settings,
		Admission:     admission.NewController(db, settings),
		Moderation:    filter,
		Ledger:        ledger.New(db),
		Prompt:        prompt.New(db, loc),
		Backend:       client,
		Recorder:      metrics.NewRecorder(db, prom),
		Writer:        conversation.NewWriter(db),
		Publisher:     publisher,
		Prom:          prom,
		DefaultModels: cfg.Backend.Models,
	})

	server := api.NewServer(api.Deps{
		Config:   cfg,
		DB:       db,
		Pipeline: pipeline,
		Settings: settings,
		Filter:   filter,
		Pool:     pool,
		Sessions: sessions,
		Prom:     prom,
		Version:  Version,
	})
	server.ReloadProxyPool(rootCtx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Backend.Timeout + 30*time.Second, // 流式响应需要较长超时
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器监听中 - 地址: http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP 服务器启动失败: %v", err)
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 每小时清理过期审计日志与内存会话
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				days := settings.Get(rootCtx).AuditRetentionDays
				if days > 0 {
					deleted, err := db.CleanupOldAuditLogs(rootCtx, days)
					if err != nil {
						logger.Error("清理过期审计日志失败: %v", err)
					} else if deleted > 0 {
						logger.Info("自动清理过期审计日志完成，删除 %d 条记录（保留 %d 天）", deleted, days)
					}
				}
				if memorySessions != nil {
					if n := memorySessions.Sweep(); n > 0 {
						logger.Debug("清理过期会话 %d 个", n)
					}
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到关闭信号,正在优雅关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先关闭 SSE 订阅者，让日志流连接能够正常结束
	logger.CloseSubscribers()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("服务器强制关闭: %v", err)
	}
	server.Stop()
	stopBackground()

	logger.Info("=== chat-relay %s 服务器已停止 ===", Version)
	logger.Close()
	log.Println("服务器已退出")
}
