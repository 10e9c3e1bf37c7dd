package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dataport/internal/common/cache"
	"dataport/internal/common/db"
	commonmw "dataport/internal/common/http/middleware"
	"dataport/internal/common/mq"
	"dataport/internal/common/storage"
	"dataport/internal/export/controller"
	"dataport/internal/export/metrics"
	"dataport/internal/export/quota"
	"dataport/internal/export/repository"
	"dataport/internal/export/service"
	"dataport/internal/export/uploader"
	"dataport/pkg/utils/logger"
	"dataport/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeromicro/go-zero/core/mr"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/export_api.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}
	if err := objStorage.EnsureBucket(context.Background(), appCfg.Export.Bucket); err != nil {
		logger.Error(context.Background(), "prepare export bucket failed", zap.Error(err))
		return
	}

	exportRepo := repository.NewExportRequestRepository(mysqlDB)
	guard, err := quota.NewGuard(mysqlDB, exportRepo, quota.Config{
		Ceiling: appCfg.Export.Quota.Ceiling,
		Window:  appCfg.Export.Quota.Window,
	})
	if err != nil {
		logger.Error(context.Background(), "init quota guard failed", zap.Error(err))
		return
	}
	artifacts, err := uploader.NewUploader(uploader.Config{
		Storage:   objStorage,
		Bucket:    appCfg.Export.Bucket,
		KeyPrefix: appCfg.Export.KeyPrefix,
		Timeout:   appCfg.Export.Timeouts.Storage,
	})
	if err != nil {
		logger.Error(context.Background(), "init uploader failed", zap.Error(err))
		return
	}

	exportService, err := service.NewExportService(service.Config{
		Store:               exportRepo,
		Audit:               repository.NewAuditRepository(mysqlDB),
		Tx:                  mysqlDB,
		Quota:               guard,
		Progress:            repository.NewProgressRepository(redisCache, appCfg.Export.ProgressTTL),
		Artifacts:           artifacts,
		Queue:               mqClient,
		Cache:               redisCache,
		Metrics:             metrics.New(prometheus.DefaultRegisterer),
		Topic:               appCfg.Export.Topic,
		TTL:                 appCfg.Export.TTL,
		MaxDownloads:        appCfg.Export.MaxDownloads,
		MaxDownloadsCeiling: appCfg.Export.MaxDownloadsCeiling,
		MaxRetries:          appCfg.Export.MaxRetries,
		IdempotencyTTL:      appCfg.Export.IdempotencyTTL,
		Timeouts:            appCfg.Export.Timeouts,
	})
	if err != nil {
		logger.Error(context.Background(), "init export service failed", zap.Error(err))
		return
	}

	health := func(ctx context.Context) error {
		return mr.Finish(
			func() error { return mysqlDB.Ping(ctx) },
			func() error { return redisCache.Ping(ctx) },
			func() error { return mqClient.Ping(ctx) },
			func() error {
				_, err := objStorage.BucketExists(ctx, appCfg.Export.Bucket)
				return err
			},
		)
	}
	limiter := commonmw.NewRateLimiter(redisCache, appCfg.Export.Timeouts.Cache)
	httpServer := buildHTTPServer(appCfg, exportService, limiter, health)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "export http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}

func buildHTTPServer(appCfg *AppConfig, exportService *service.ExportService, limiter *commonmw.RateLimiter, health func(context.Context) error) *http.Server {
	cfg := appCfg.Server
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := health(ctx); err != nil {
			logger.Warn(c.Request.Context(), "health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		response.Success(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1/exports",
		commonmw.SubjectAuth(commonmw.SubjectAuthConfig{
			JWTSecret:         appCfg.Auth.JWTSecret,
			TrustUserIDHeader: appCfg.Auth.JWTSecret == "",
		}),
		commonmw.RateLimit(limiter, appCfg.RateLimit),
	)
	controller.NewExportController(exportService).Register(api)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
