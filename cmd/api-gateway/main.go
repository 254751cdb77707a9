package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-query-api/api/swagger"
	"github.com/noah-isme/sma-query-api/internal/handler"
	"github.com/noah-isme/sma-query-api/internal/middleware"
	"github.com/noah-isme/sma-query-api/internal/models"
	"github.com/noah-isme/sma-query-api/internal/repository"
	"github.com/noah-isme/sma-query-api/internal/service"
	"github.com/noah-isme/sma-query-api/pkg/cache"
	"github.com/noah-isme/sma-query-api/pkg/config"
	"github.com/noah-isme/sma-query-api/pkg/database"
	"github.com/noah-isme/sma-query-api/pkg/jobs"
	"github.com/noah-isme/sma-query-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-query-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-query-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-query-api/pkg/telemetry"
)

// @title SMA Query API
// @version 0.1.0
// @description Student and staff query escalation service
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type handlers struct {
	auth    *handler.AuthHandler
	queries *handler.QueryHandler
	metrics *handler.MetricsHandler
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logr.Fatal("failed to init telemetry", zap.Error(err))
	}

	db, err := database.NewPostgres(ctx, cfg.Database, 30*time.Second, logr)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	store, err := newQueryStore(ctx, cfg, db, logr)
	if err != nil {
		logr.Fatal("failed to init query store", zap.Error(err))
	}

	checks := map[string]handler.Pinger{
		"database": pingFunc(db.PingContext),
		"store":    store,
	}

	metricsSvc := service.NewMetricsService()
	validate := validator.New()
	userRepo := repository.NewUserRepository(db)

	directory := service.NewUserDirectoryService(userRepo, cfg.Directory.CacheTTL, cfg.Queries.SensitiveRoles, logr)
	directory.Start()
	defer directory.Stop()

	opts := []service.QueryServiceOption{
		service.WithQueryAudit(userRepo),
		service.WithQueryMetrics(metricsSvc),
		service.WithQueryValidator(validate),
	}

	if cfg.Queries.StatsCacheEnabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, statistics cache disabled", zap.Error(err))
		} else {
			cacheRepo := repository.NewCacheRepository(client, logr)
			defer cacheRepo.Close() //nolint:errcheck
			checks["redis"] = cacheRepo
			cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Queries.StatsCacheTTL, logr, true)
			opts = append(opts, service.WithQueryStatsCache(cacheSvc))
		}
	}

	if cfg.Notifications.Enabled {
		notifier, err := newNotifier(cfg.Notifications, logr)
		if err != nil {
			logr.Fatal("failed to init notifier", zap.Error(err))
		}
		notifSvc := service.NewNotificationService(notifier, metricsSvc, logr)
		queue := jobs.NewQueue("notifications", notifSvc.Handle, jobs.QueueConfig{
			Workers:       cfg.Notifications.Workers,
			BufferSize:    256,
			MaxRetries:    cfg.Notifications.Retries,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
			Logger:        logr,
		})
		queue.Start(ctx)
		defer queue.Stop()
		notifSvc.UseQueue(queue)
		opts = append(opts, service.WithQueryNotifier(notifSvc))
	}

	querySvc := service.NewQueryService(store, directory, service.QueryServiceConfig{
		MaxCASRetries:        cfg.Queries.MaxCASRetries,
		RetryInitialInterval: cfg.Queries.RetryInitialInterval,
		DepartmentScoping:    cfg.Queries.DepartmentScoping,
		StatsCacheTTL:        cfg.Queries.StatsCacheTTL,
	}, logr, opts...)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	router := setupRouter(cfg, logr, authSvc, metricsSvc, handlers{
		auth:    handler.NewAuthHandler(authSvc),
		queries: handler.NewQueryHandler(querySvc),
		metrics: handler.NewMetricsHandler(metricsSvc, checks),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", server.Addr), zap.String("env", cfg.Env), zap.String("store", cfg.Queries.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error("server shutdown failed", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logr.Error("telemetry shutdown failed", zap.Error(err))
	}
}

func newQueryStore(ctx context.Context, cfg *config.Config, db *sqlx.DB, logr *zap.Logger) (repository.QueryStore, error) {
	switch cfg.Queries.StoreDriver {
	case config.StoreDriverPostgres, "":
		return repository.NewQueryRepository(db), nil
	case config.StoreDriverDynamoDB:
		client, err := repository.NewDynamoClient(ctx, cfg.Dynamo)
		if err != nil {
			return nil, err
		}
		if cfg.Dynamo.Endpoint != "" {
			if err := repository.EnsureQueryTable(ctx, client, cfg.Dynamo.TableName); err != nil {
				return nil, err
			}
		}
		return repository.NewQueryDynamoRepository(client, cfg.Dynamo.TableName), nil
	case config.StoreDriverMemory:
		logr.Warn("using in-memory query store, data is lost on restart")
		return repository.NewQueryMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown query store driver %q", cfg.Queries.StoreDriver)
	}
}

func newNotifier(cfg config.NotificationsConfig, logr *zap.Logger) (service.Notifier, error) {
	if cfg.SlackToken == "" {
		return service.NewLogNotifier(logr), nil
	}
	return service.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel)
}

func setupRouter(cfg *config.Config, logr *zap.Logger, authSvc *service.AuthService, metricsSvc *service.MetricsService, h handlers) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Telemetry.Enabled() {
		r.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	}
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/ready"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc, "/health", "/ready", "/metrics"))

	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Ready)
	r.GET("/metrics", h.metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", h.auth.Login)

	secured := api.Group("")
	secured.Use(middleware.JWT(authSvc))
	secured.GET("/auth/me", h.auth.Me)
	secured.GET("/admin/metrics", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin), h.metrics.Snapshot)

	queries := secured.Group("/queries")
	queries.GET("", h.queries.List)
	queries.POST("", h.queries.Create)
	queries.GET("/statistics", h.queries.Statistics)
	queries.GET("/escalation-targets", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin, models.RoleSuperAdmin), h.queries.EscalationTargets)
	queries.GET("/:id", h.queries.Get)
	queries.GET("/:id/transcript", h.queries.Transcript)
	queries.POST("/:id/responses", h.queries.AddResponse)
	queries.PATCH("/:id/status", h.queries.UpdateStatus)
	queries.PATCH("/:id/priority", h.queries.UpdatePriority)
	queries.PUT("/:id/tags", h.queries.UpdateTags)
	queries.POST("/:id/escalate", h.queries.Escalate)
	queries.POST("/:id/rating", h.queries.Rate)
	queries.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin), h.queries.Delete)

	return r
}
