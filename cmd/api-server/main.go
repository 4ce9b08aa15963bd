// Package main API Server 入口
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-fleet/internal/apiserver/agentclient"
	"agent-fleet/internal/apiserver/api"
	"agent-fleet/internal/apiserver/orchestrator"
	"agent-fleet/internal/apiserver/provider"
	"agent-fleet/internal/apiserver/selector"
	"agent-fleet/internal/apiserver/token"
	"agent-fleet/internal/apiserver/warmpool"
	"agent-fleet/internal/config"
	"agent-fleet/internal/shared/cache"
	redisstore "agent-fleet/internal/shared/cache/redis"
	"agent-fleet/internal/shared/storage/dbutil"
	"agent-fleet/internal/shared/storage/driver/postgres"
	"agent-fleet/internal/shared/storage/driver/sqlite"
	"agent-fleet/internal/shared/storage/repository"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库和 Redis）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化持久化存储（sqlite 单机部署，postgres 生产部署）
	store := openStore(cfg)
	defer store.Close()
	log.Printf("Connected to database [driver=%s]", cfg.DatabaseDriver)

	// 初始化心跳缓存（Redis 未启用时退化为进程内存实现）
	var heartbeats cache.HeartbeatCache
	if cfg.RedisEnabled {
		rc, err := redisstore.NewStoreFromURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rc.Close()
		heartbeats = rc
		log.Println("Connected to Redis")
	} else {
		heartbeats = cache.NewMemoryCache()
		log.Println("Redis disabled, using in-memory heartbeat cache")
	}

	tokens := token.NewService(cfg.TokenIssuer)
	cloud := provider.NewHTTPProvider(cfg.ProvisionerURL, cfg.ProvisionerToken)

	sel := selector.New(store, store, heartbeats, selector.Config{
		MaxWorkspacesPerNode: cfg.Selector.MaxWorkspacesPerNode,
		CPULoadThreshold:     cfg.Selector.CPULoadThreshold,
		MemoryThreshold:      cfg.Selector.MemoryThreshold,
	})

	pool := warmpool.New(store, store, heartbeats, cloud, cfg.WarmPool.IdleTTL)
	defer pool.Stop()

	driver := orchestrator.NewDriver(store, sel, pool, cloud, tokens,
		orchestrator.NewAgentFactory(tokens, cfg.Driver.AgentPort, agentclient.DefaultTimeout),
		orchestrator.NewPrometheusMetrics("fleet"),
		orchestrator.Config{
			CallbackBaseURL:             cfg.CallbackBaseURL,
			AgentPort:                   cfg.Driver.AgentPort,
			MaxNodesPerUser:             cfg.Driver.MaxNodesPerUser,
			MaxActiveWorkspacesPerUser:  cfg.Driver.MaxActiveWorkspacesPerUser,
			MaxSessionsPerWorkspace:     cfg.Driver.MaxSessionsPerWorkspace,
			DefaultVMSize:               cfg.Driver.DefaultVMSize,
			DefaultVMLocation:           cfg.Driver.DefaultVMLocation,
			WorkspaceIdleTimeoutSeconds: cfg.Driver.WorkspaceIdleTimeoutSeconds,
			NodeReadyTimeout:            cfg.Driver.NodeReadyTimeout,
			WorkspaceReadyTimeout:       cfg.Driver.WorkspaceReadyTimeout,
			PollBaseInterval:            cfg.Driver.PollBaseInterval,
			PollMaxInterval:             cfg.Driver.PollMaxInterval,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 进程重启后恢复温池回收计时
	if err := pool.Resync(ctx); err != nil {
		log.Printf("Warm pool resync error: %v", err)
	}

	// 卡死任务恢复扫描
	if cfg.Recovery.Enabled {
		go runRecovery(ctx, driver, cfg.Recovery.Interval, cfg.Recovery.StaleThreshold)
	}

	h := api.NewHandler(store, heartbeats, driver, tokens)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// openStore 打开数据库并执行建表迁移
func openStore(cfg *config.Config) *repository.Store {
	var (
		db      *sql.DB
		dialect dbutil.Dialect
		err     error
	)
	if cfg.DatabaseDriver == "postgres" {
		db, err = postgres.Open(cfg.DatabaseURL)
		dialect = postgres.NewDialect()
	} else {
		db, err = sqlite.Open(cfg.DatabaseURL)
		dialect = sqlite.NewDialect()
	}
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := dialect.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	return repository.NewStore(db, dialect)
}

// runRecovery 周期性清理超过阈值无进展的执行中任务
func runRecovery(ctx context.Context, driver *orchestrator.Driver, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := driver.RecoverStuckTasks(ctx, threshold)
			if err != nil {
				log.Printf("[recovery.sweep_error] err=%v", err)
				continue
			}
			if n > 0 {
				log.Printf("[recovery.sweep] recovered=%d threshold=%v", n, threshold)
			}
		}
	}
}
