package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"restosync/internal/changelog"
	"restosync/internal/config"
	"restosync/internal/constants"
	"restosync/internal/detector"
	"restosync/internal/directory"
	"restosync/internal/enrichment"
	"restosync/internal/logger"
	"restosync/internal/lookup"
	"restosync/internal/orchestrator"
	"restosync/internal/reporting"
	"restosync/internal/webhook"
	"restosync/pkg/bootstrap"
	"restosync/pkg/health"
	"restosync/pkg/metrics"
	"restosync/pkg/middleware"
	"restosync/pkg/ratelimit"
	"restosync/pkg/tracing"
)

const serviceName = "restosync"

type mode int

const (
	modeServe mode = iota
	// modeJob skips the HTTP surface, Mongo and the automation consumer.
	modeJob
)

type App struct {
	*bootstrap.Base

	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redis          *redis.Client
	mongoClient    *mongo.Client
	mongoDB        *mongo.Database
	tracerProvider *tracing.TracerProvider

	store        *directory.PostgresStore
	ledger       *changelog.PostgresLedger
	scorer       *enrichment.Scorer
	detector     *detector.Detector
	runs         *orchestrator.PostgresRunStore
	orchestrator *orchestrator.Orchestrator
	ingestions   *webhook.PostgresIngestionStore
	archive      webhook.Archive
	ingestor     *webhook.Ingestor
	reports      *reporting.Service
	limiter      *ratelimit.KeyedLimiter

	router *gin.Engine
	server *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context, m mode) error {
	tp, err := tracing.Init(a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	if err := a.initDatabases(ctx, m); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker(ctx, m == modeServe); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initDomain(); err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	if m == modeJob {
		return nil
	}

	a.initRouter()
	a.initServer()
	return nil
}

// initDatabases requires Postgres. Redis and Mongo are optional and a
// failed connection only disables the features built on them.
func (a *App) initDatabases(ctx context.Context, m mode) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Redis connection failed, continuing without lookup cache and distributed lock", "error", err)
	}
	a.redis = rdb

	if m != modeServe || !a.Config.Webhook.ArchivePayloads {
		return nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	client, mdb, err := a.dbConnector.InitMongoDB(initCtx)
	if err != nil {
		a.Logger.WarnwCtx(initCtx, "MongoDB connection failed, continuing without payload archive", "error", err)
		return nil
	}
	a.mongoClient, a.mongoDB = client, mdb
	return nil
}

func (a *App) initDomain() error {
	cfg := a.Config

	a.store = directory.NewPostgresStore(a.db)
	a.ledger = changelog.NewPostgresLedger(a.db)
	a.scorer = enrichment.NewScorer(a.store, a.Logger.Named("enrichment"))

	detLog := a.Logger.Named("detector")
	detOpts := []detector.Option{
		detector.WithOnApplied(func(ctx context.Context, entityID string) {
			if _, err := a.scorer.Recompute(ctx, entityID); err != nil {
				detLog.WarnwCtx(ctx, "Enrichment recompute after apply failed", "entity_id", entityID, "error", err)
			}
		}),
	}
	if a.Producer != nil && cfg.Broker.Kafka.ChangeEventsTopic != "" {
		detOpts = append(detOpts, detector.WithPublisher(
			changelog.NewPublisher(a.Producer, cfg.Broker.Kafka.ChangeEventsTopic, a.Logger.Named("changelog"))))
	}
	if a.redis != nil && cfg.Detector.DistributedLock {
		detOpts = append(detOpts, detector.WithLocker(
			detector.NewRedisLocker(redislock.New(a.redis), cfg.Detector.LockTTL, detLog)))
	}
	a.detector = detector.New(a.store, detector.NewSQLUnitOfWork(a.db), detLog, detOpts...)

	provider, err := a.lookupProvider()
	if err != nil {
		return err
	}

	a.runs = orchestrator.NewPostgresRunStore(a.db)
	a.orchestrator = orchestrator.New(a.store, provider, a.detector, a.runs, a.scorer, cfg.Sync, a.Logger.Named("orchestrator"))

	a.ingestions = webhook.NewPostgresIngestionStore(a.db)
	hookOpts := []webhook.Option{webhook.WithRefresher(a.orchestrator)}
	if a.mongoDB != nil {
		a.archive = webhook.NewMongoArchive(a.mongoDB)
		hookOpts = append(hookOpts, webhook.WithArchive(a.archive))
	}
	if a.Producer != nil && cfg.Broker.Kafka.AutomationEventsTopic != "" {
		hookOpts = append(hookOpts, webhook.WithQueue(a.Producer, cfg.Broker.Kafka.AutomationEventsTopic))
	}
	hookLog := a.Logger.Named("webhook")
	a.ingestor = webhook.NewIngestor(a.store, a.detector, a.ingestions,
		webhook.NewVerifier(cfg.Webhook, hookLog), hookLog, hookOpts...)

	a.reports = reporting.NewService(reporting.NewPostgresFreshnessStore(a.db), a.ledger, a.runs, a.ingestions,
		cfg.Sync, a.Logger.Named("reporting"))
	return nil
}

// lookupProvider chains HTTP, then retry and breaker, then the Redis cache
// so cache hits never count against the breaker.
func (a *App) lookupProvider() (lookup.Provider, error) {
	cfg := a.Config
	httpProvider, err := lookup.NewHTTPProvider(cfg.Lookup, &http.Client{Timeout: cfg.Lookup.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup provider: %w", err)
	}

	var provider lookup.Provider = lookup.NewResilient(httpProvider, "lookup", cfg.Lookup, cfg.CircuitBreaker, a.Logger.Named("lookup"))
	if a.redis != nil {
		provider = lookup.NewCachingProvider(provider, a.redis, cfg.Lookup.CacheTTL, a.Logger.Named("lookup"))
	}
	return provider, nil
}

func (a *App) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	// Only the public webhook endpoint is rate limited.
	var limit gin.HandlerFunc
	if rl := a.Config.RateLimit; rl.Enabled {
		a.limiter = ratelimit.NewKeyedLimiter(ratelimit.RateLimitConfig{
			RPS:             rl.RPS,
			Burst:           rl.Burst,
			CleanupInterval: time.Duration(rl.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(rl.MaxAge) * time.Second,
		})
		limit = a.limiter.Middleware()
		a.Logger.Infow("Webhook rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	orchestrator.NewHandler(a.orchestrator, a.runs, a.Logger).RegisterRoutes(router)
	webhook.NewHandler(a.ingestor, a.ingestions, a.archive, limit, a.Logger).RegisterRoutes(router)
	reporting.NewHandler(a.reports, a.Logger).RegisterRoutes(router)
	enrichment.NewHandler(a.scorer, a.Logger).RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redis != nil {
		healthRegistry.RegisterOptional(health.NewRedisChecker(a.redis))
	}
	if a.mongoClient != nil {
		healthRegistry.RegisterOptional(health.NewMongoDBChecker(a.mongoClient))
	}
	if kc := a.Config.Broker.Kafka; kc.Enabled() {
		healthRegistry.RegisterOptional(health.NewFuncChecker("kafka", func(ctx context.Context) error {
			conn, err := kafka.DialContext(ctx, "tcp", kc.Brokers[0])
			if err != nil {
				return err
			}
			return conn.Close()
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
}

func (a *App) initServer() {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  time.Duration(a.Config.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(a.Config.Server.WriteTimeoutSeconds) * time.Second,
	}
}

// Run serves HTTP and, when Kafka is configured, consumes automation events
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(gctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if a.Consumer != nil {
		topic := a.Config.Broker.Kafka.AutomationEventsTopic
		g.Go(func() error {
			err := a.Consumer.Consume(gctx, topic, a.ingestor.AutomationHandler())
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("automation consumer: %w", err)
			}
			return nil
		})
	}

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(ctx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	errs = append(errs, a.ShutdownBroker()...)
	errs = append(errs, a.dbConnector.ShutdownDatabases(shutdownCtx, a.redis, a.db, a.mongoClient)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.Logger.InfowCtx(ctx, "Shutdown complete")
	return nil
}
