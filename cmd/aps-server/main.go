package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"food-aps/internal/api"
	"food-aps/internal/changeover"
	"food-aps/internal/config"
	"food-aps/internal/engine"
	"food-aps/internal/event"
	"food-aps/internal/feature"
	"food-aps/internal/handlers"
	"food-aps/internal/persistence"
	"food-aps/internal/store"
	"food-aps/internal/strategy"
	"food-aps/internal/urgent"
	"food-aps/internal/web"
)

// main 是排产服务的主入口
func main() {
	configPath := flag.String("config", "", "config file (default ./config.yaml)")
	flag.Parse()

	// 1. 加载配置并初始化日志
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 初始化核心组件
	matrix, err := newMatrix(cfg)
	if err != nil {
		logger.Error("换线矩阵无效", "error", err)
		os.Exit(1)
	}
	weights, err := strategy.NewWeightSet(cfg.Weights())
	if err != nil {
		logger.Error("策略权重无效", "error", err)
		os.Exit(1)
	}

	var features feature.Provider = feature.ZeroProvider{}
	if cfg.FeatureProvider.Endpoint != "" {
		features = feature.NewHTTPProvider(cfg.FeatureProvider, logger)
		logger.Info("使用远程特征服务", "endpoint", cfg.FeatureProvider.Endpoint)
	}

	var locks urgent.LockStore
	if cfg.Redis.URL != "" {
		rdb, err := urgent.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			logger.Error("无法连接 Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		locks = urgent.NewRedisLockStore(rdb, cfg.Redis.KeyPrefix, time.Now)
		logger.Info("时间窗锁使用 Redis", "key_prefix", cfg.Redis.KeyPrefix)
	}

	source, closeSource, err := newSource(ctx, cfg)
	if err != nil {
		logger.Error("无法初始化主数据源", "error", err)
		os.Exit(1)
	}
	defer closeSource()

	var wal *persistence.WAL
	if cfg.WALPath != "" {
		wal, err = persistence.NewWAL(cfg.WALPath)
		if err != nil {
			logger.Error("无法初始化 WAL", "error", err)
			os.Exit(1)
		}
		defer wal.Close()
	}

	hub := web.NewHub(logger)
	go hub.Run(ctx)
	board := web.NewBoardTracker(hub)

	eventBus := event.NewBus()

	// 3. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, board, logger)

	// 4. 初始化调度器
	scheduler, err := engine.NewScheduler(engine.Deps{
		Matrix:   matrix,
		Weights:  weights,
		Features: features,
		Locks:    locks,
		WAL:      wal,
		Bus:      eventBus,
	}, engine.Options{
		Horizon:            cfg.Horizon(),
		CapacityWindow:     cfg.Scoring.CapacityWindow,
		MaterialThreshold:  cfg.Material.ReadyThreshold,
		Parallelism:        cfg.Parallelism,
		MaxResolveAttempts: cfg.MaxResolveAttempts,
		SweepInterval:      cfg.SweepInterval,
		Rules:              cfg.FeasibilityRules,
		Scoring:            cfg.Scoring,
		MixBatch:           cfg.MixBatch,
		Workers:            cfg.Workers,
		Urgent:             cfg.UrgentOptions(),
		AutoCommitOwner:    cfg.Urgent.AutoCommitOwner,
	}, logger)
	if err != nil {
		logger.Error("无法初始化调度器", "error", err)
		os.Exit(1)
	}

	// 5. 载入主数据并恢复排程
	ds, err := source.Load(ctx)
	if err != nil {
		logger.Error("载入主数据失败", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Load(ds); err != nil {
		logger.Error("主数据校验失败", "error", err)
		os.Exit(1)
	}
	if err := scheduler.RecoverTasks(); err != nil {
		logger.Warn("从 WAL 恢复排程失败", "error", err)
	}
	board.Reset(scheduler.Tasks())

	logger.Info("=== 食品工厂排产服务启动 ===", "addr", cfg.HTTPAddr, "horizon", cfg.Horizon())

	go scheduler.Start(ctx)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(scheduler, api.Options{
			Board:     func() interface{} { return board.Snapshot() },
			WebSocket: hub.ServeWs(func() interface{} { return board.Snapshot() }),
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			cancel()
		}
	}()

	// 6. 优雅停机
	waitForShutdown(ctx, logger, cancel, srv)
}

// newMatrix 从配置项和可选的矩阵文件构建换线矩阵
func newMatrix(cfg *config.Config) (*changeover.Matrix, error) {
	if cfg.Changeover.MatrixFile != "" {
		return changeover.LoadFile(cfg.Changeover.MatrixFile, cfg.Changeover.Options, cfg.Changeover.Entries)
	}
	return changeover.NewMatrix(cfg.Changeover.Entries, cfg.Changeover.Options)
}

// newSource 配置了 Postgres 时从数据库读取主数据，否则读取 YAML 文件
func newSource(ctx context.Context, cfg *config.Config) (store.Source, func(), error) {
	if cfg.Postgres.DSN == "" {
		return store.NewFile(cfg.DataFile), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(ctx context.Context, logger *slog.Logger, cancel context.CancelFunc, srv *http.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info("接收到停机信号，正在优雅关闭...")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP 服务关闭超时", "error", err)
	}
	cancel()
	logger.Info("排产服务已安全退出")
}
