package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethaccount/userop/src/handler"
	"github.com/ethaccount/userop/src/repository"
	"github.com/ethaccount/userop/src/service"
	"github.com/ethaccount/userop/src/service/gasfee"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Application struct {
	config       AppConfig
	database     *gorm.DB
	redis        *redis.Client
	blockchain   *service.BlockchainService
	registry     *prometheus.Registry
	healthChecks map[string]handler.HealthCheck

	UserOperationService *service.UserOperationService
	Scheduler            *service.UserOperationScheduler
	PollingService       *service.PollingService
}

// NewApplication connects every dependency named in config and wires the
// pipeline. Without DB_URL or REDIS_URL the in-memory store and queue are used.
func NewApplication(ctx context.Context, config AppConfig) (*Application, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", "NewApplication").Logger()

	app := &Application{
		config:       config,
		registry:     prometheus.NewRegistry(),
		healthChecks: make(map[string]handler.HealthCheck),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	blockchain, err := service.NewBlockchainService(ctx, service.BlockchainConfig{
		RPCURL:     *config.RPCURL,
		BundlerURL: *config.BundlerURL,
		ChainID:    *config.ChainID,
		EntryPoint: *config.EntryPoint,
		SendMethod: *config.SendMethod,
	})
	if err != nil {
		return nil, err
	}
	app.blockchain = blockchain

	chainID := blockchain.ChainID()
	if err := blockchain.Verify(ctx); err != nil {
		app.Shutdown(ctx)
		return nil, err
	}
	app.healthChecks["node"] = func(ctx context.Context) error {
		_, err := blockchain.Client.BlockNumber(ctx)
		return err
	}

	store, err := app.openStore(ctx)
	if err != nil {
		app.Shutdown(ctx)
		return nil, err
	}

	queue, status, err := app.openQueue(ctx)
	if err != nil {
		app.Shutdown(ctx)
		return nil, err
	}

	privateKey, err := service.ParsePrivateKey(*config.PrivateKey)
	if err != nil {
		app.Shutdown(ctx)
		return nil, err
	}
	account, err := service.NewECDSAAccount(blockchain.Client, service.ECDSAAccountConfig{
		PrivateKey:       privateKey,
		EntryPoint:       *config.EntryPoint,
		Factory:          *config.AccountFactory,
		Salt:             big.NewInt(*config.AccountSalt),
		PaymasterAndData: *config.PaymasterAndData,
	})
	if err != nil {
		app.Shutdown(ctx)
		return nil, err
	}
	logger.Info().Str("owner", account.Owner().Hex()).Msg("Account owner loaded")

	var estimators []gasfee.Estimator
	if *config.GasFeeAPIURL != "" {
		estimators = append(estimators, gasfee.NewAPIEstimator(*config.GasFeeAPIURL))
	}
	estimators = append(estimators, gasfee.NewNodeEstimator(blockchain.Client))

	listener := erc4337.NewUserOperationEventListener(
		blockchain.Client,
		*config.EntryPoint,
		erc4337.WithConfirmationTimeout(*config.ConfirmationTimeout),
	)

	app.UserOperationService = service.NewUserOperationService(service.UserOperationServiceParams{
		Config: service.UserOperationServiceConfig{
			ChainID:    chainID,
			EntryPoint: *config.EntryPoint,
			BundlerURL: *config.BundlerURL,
		},
		Store:       store,
		Account:     account,
		FeeResolver: service.NewFeeResolver(gasfee.NewChainEstimator(estimators...), blockchain.Client),
		Gas:         service.NewGasEstimator(*config.GasEstimateMultiplier),
		Bundler:     blockchain.Bundler,
		Watcher:     listener,
		Queue:       queue,
		Status:      status,
		Metrics:     service.NewMetrics(app.registry),
	})

	app.Scheduler = service.NewUserOperationScheduler(ctx, queue, *config.Workers, app.UserOperationService)
	app.PollingService = service.NewPollingService(app.UserOperationService, service.PollingConfig{
		PollingInterval: *config.ReconcileInterval,
		MaxPendingAge:   *config.MaxPendingAge,
		MinPendingAge:   *config.ConfirmationTimeout,
	})

	logger.Info().
		Int64("chain_id", chainID).
		Str("entry_point", config.EntryPoint.Hex()).
		Msg("Application initialized")

	return app, nil
}

// openStore returns the postgres repository when DB_URL is set, running the
// migrations first, and the in-memory store otherwise.
func (app *Application) openStore(ctx context.Context) (service.UserOperationStore, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", "openStore").Logger()

	if *app.config.DSN == "" {
		logger.Warn().Msg("DB_URL not set, user operations are kept in memory")
		return repository.NewMemoryStore(), nil
	}

	database, err := gorm.Open(postgresDriver.Open(*app.config.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connection to database failed: %w", err)
	}
	app.database = database

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connection to database failed: %w", err)
	}
	logger.Info().Msg("Database connection established")

	if err := MigrationUp(*app.config.DSN, *app.config.MigrationPath); err != nil {
		return nil, err
	}

	app.healthChecks["database"] = db.PingContext
	return repository.NewUserOperationRepository(database), nil
}

type approvalQueue interface {
	service.ApprovalQueue
	service.UserOperationQueue
}

// openQueue returns the Redis queue and status cache when REDIS_URL is set.
// The in-memory queue has no status mirror.
func (app *Application) openQueue(ctx context.Context) (approvalQueue, service.StatusPublisher, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", "openQueue").Logger()

	if *app.config.RedisAddr == "" {
		logger.Warn().Msg("REDIS_URL not set, approved user operations are queued in memory")
		return repository.NewMemoryQueue(0), nil, nil
	}

	redisOpts, err := redis.ParseURL(*app.config.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	app.redis = rdb

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connection to redis failed: %w", err)
	}
	logger.Info().Msg("Redis connection established")

	app.healthChecks["redis"] = func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
	cache := repository.NewUserOperationCache(rdb, *app.config.QueueName)
	return cache, cache, nil
}

func (app *Application) Shutdown(ctx context.Context) {
	logger := zerolog.Ctx(ctx).With().Str("function", "Shutdown").Logger()

	if app.blockchain != nil {
		app.blockchain.Close()
		logger.Info().Msg("Node and bundler connections closed")
	}

	// Close database connection
	if app.database != nil {
		db, err := app.database.DB()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to get underlying database connection")
		} else if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close database connection")
		} else {
			logger.Info().Msg("Database connection closed")
		}
	}

	// Close Redis connection
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close redis connection")
		} else {
			logger.Info().Msg("Redis connection closed")
		}
	}
}

// Run serves HTTP and runs the workers until ctx is cancelled or one of them
// fails.
func (app *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.RunHTTPServer(ctx) })
	g.Go(func() error { return app.RunScheduler(ctx) })
	g.Go(func() error { return app.RunPollingWorker(ctx) })
	return g.Wait()
}

func (app *Application) RunHTTPServer(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("function", "RunHTTPServer").Logger()

	// Set to release mode to disable Gin logger
	gin.SetMode(gin.ReleaseMode)

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())

	handler.RegisterRoutes(ctx, ginRouter, handler.RouterConfig{
		UserOperationService: app.UserOperationService,
		HealthChecks:         app.healthChecks,
		Gatherer:             app.registry,
		AllowOrigins:         *app.config.AllowOrigins,
		APISecret:            *app.config.APISecret,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *app.config.Port),
		Handler:           ginRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("HTTP server is on http://localhost:%s/api/v1/health", *app.config.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Gracefully shutting down HTTP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server gracefully: %w", err)
	}
	logger.Info().Msg("HTTP server shutdown complete")
	return nil
}

func (app *Application) RunScheduler(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("function", "RunScheduler").Logger()
	logger.Info().Msg("Starting user operation scheduler")

	app.Scheduler.Start()

	<-ctx.Done()
	logger.Info().Msg("Stopping user operation scheduler...")

	app.Scheduler.Stop()

	logger.Info().Msg("User operation scheduler stopped")
	return nil
}

func (app *Application) RunPollingWorker(ctx context.Context) error {
	if err := app.PollingService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
