package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"dataport/internal/common/cache"
	"dataport/internal/common/db"
	"dataport/internal/common/mq"
	"dataport/internal/common/storage"
	"dataport/internal/export/collector"
	"dataport/internal/export/generator"
	"dataport/internal/export/metrics"
	"dataport/internal/export/packager"
	"dataport/internal/export/repository"
	"dataport/internal/export/uploader"
	"dataport/internal/export/worker"
	"dataport/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeromicro/go-zero/core/mr"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/export_worker.yaml"

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
	if err := objStorage.EnsureBucket(context.Background(), appCfg.Worker.Bucket); err != nil {
		logger.Error(context.Background(), "prepare export bucket failed", zap.Error(err))
		return
	}

	w, err := buildWorker(appCfg, mysqlDB, redisCache, mqClient, objStorage)
	if err != nil {
		logger.Error(context.Background(), "init export worker failed", zap.Error(err))
		return
	}

	health := func(ctx context.Context) error {
		return mr.Finish(
			func() error { return mysqlDB.Ping(ctx) },
			func() error { return redisCache.Ping(ctx) },
			func() error { return mqClient.Ping(ctx) },
			func() error {
				_, err := objStorage.BucketExists(ctx, appCfg.Worker.Bucket)
				return err
			},
		)
	}
	metricsServer := buildHTTPServer(appCfg.Metrics.Addr, health)
	go func() {
		logger.Info(context.Background(), "metrics server started", zap.String("addr", appCfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil {
		logger.Error(context.Background(), "export worker stopped", zap.Error(err))
	}
	logger.Info(context.Background(), "export worker shut down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func buildWorker(appCfg *AppConfig, database db.Database, cacheClient cache.Cache, queue mq.MessageQueue, objStorage storage.ObjectStorage) (*worker.Worker, error) {
	wc := appCfg.Worker
	coll, err := collector.NewCollector(collector.NewMySQLReadModel(database), collector.Config{
		CategoryLimit:      wc.CategoryLimit,
		GenericIDThreshold: wc.GenericIDThreshold,
		Compliance:         wc.Compliance.toModel(),
	})
	if err != nil {
		return nil, err
	}
	formatter, err := generator.NewFormatter(wc.Locale, wc.Timezone)
	if err != nil {
		return nil, err
	}
	gen, err := generator.NewGenerator(formatter)
	if err != nil {
		return nil, err
	}
	artifacts, err := uploader.NewUploader(uploader.Config{
		Storage:   objStorage,
		Bucket:    wc.Bucket,
		KeyPrefix: wc.KeyPrefix,
		Timeout:   wc.StorageTimeout,
	})
	if err != nil {
		return nil, err
	}
	return worker.NewWorker(worker.Config{
		Store:     repository.NewExportRequestRepository(database),
		Audit:     repository.NewAuditRepository(database),
		Tx:        database,
		Progress:  repository.NewProgressRepository(cacheClient, wc.ProgressTTL),
		Collector: coll,
		Generator: gen,
		Packager: packager.NewPackager(packager.Config{
			ArchiveThreshold: wc.ArchiveThresholdBytes,
			MaxBytes:         wc.MaxArtifactBytes,
			Level:            wc.CompressionLevel,
		}),
		Artifacts: artifacts,
		Queue:     queue,
		Topics: worker.Topics{
			Requests:   wc.Topics.Requests,
			Retry:      wc.Topics.Retry,
			DeadLetter: wc.Topics.DeadLetter,
			Completed:  wc.Topics.Completed,
		},
		Subscribe:     wc.Consumer,
		Metrics:       metrics.New(prometheus.DefaultRegisterer),
		AutoRetryMax:  wc.AutoRetry.Max,
		BaseDelay:     wc.AutoRetry.BaseDelay,
		MaxDelay:      wc.AutoRetry.MaxDelay,
		StuckAfter:    wc.StuckAfter,
		SweepInterval: wc.SweepInterval,
		SweepBatch:    wc.SweepBatch,
		DBTimeout:     wc.DBTimeout,
		JobTimeout:    wc.JobTimeout,
	})
}

func buildHTTPServer(addr string, health func(context.Context) error) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := health(ctx); err != nil {
			logger.Warn(c.Request.Context(), "health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
