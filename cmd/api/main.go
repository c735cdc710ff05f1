package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sor-automation-api/api/swagger"
	"github.com/noah-isme/sor-automation-api/internal/handler"
	internalmiddleware "github.com/noah-isme/sor-automation-api/internal/middleware"
	"github.com/noah-isme/sor-automation-api/internal/repository"
	"github.com/noah-isme/sor-automation-api/internal/service"
	"github.com/noah-isme/sor-automation-api/pkg/cache"
	"github.com/noah-isme/sor-automation-api/pkg/config"
	"github.com/noah-isme/sor-automation-api/pkg/database"
	"github.com/noah-isme/sor-automation-api/pkg/dropboxsign"
	"github.com/noah-isme/sor-automation-api/pkg/export"
	"github.com/noah-isme/sor-automation-api/pkg/jobs"
	"github.com/noah-isme/sor-automation-api/pkg/lock"
	"github.com/noah-isme/sor-automation-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sor-automation-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sor-automation-api/pkg/middleware/requestid"
	"github.com/noah-isme/sor-automation-api/pkg/migrate"
	"github.com/noah-isme/sor-automation-api/pkg/moodle"
	"github.com/noah-isme/sor-automation-api/pkg/storage"
)

// @title SOR Automation API
// @version 1.0.0
// @description Statement of Results workflow: Moodle grades, PDF generation, e-signature and upload.
// @BasePath /
// @schemes http https

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database unavailable", "error", err)
	}
	defer db.Close()

	if err := migrate.MaybeAutoRun(ctx, cfg.Database.AutoMigrate, db.DB, logr); err != nil {
		logr.Sugar().Fatalw("auto migration failed", "error", err)
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("redis unavailable", "error", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics := service.NewMetricsService()
	metrics.Registry().MustRegister(collectors.NewDBStatsCollector(db.DB, "sor"))
	cacheSvc, locker := buildCoordination(redisClient, metrics, cfg, logr)

	store, err := buildArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		logr.Sugar().Fatalw("artifact storage unavailable", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Artifacts.SignedURLSecret, cfg.Artifacts.SignedURLTTL)

	moodleClient := moodle.NewClient(moodle.Config{
		BaseURL:        cfg.Moodle.URL,
		Token:          cfg.Moodle.Token,
		CourseID:       cfg.Moodle.CourseID,
		AssignmentCMID: cfg.Moodle.AssignmentCMID,
		Timeout:        cfg.Moodle.Timeout,
	})
	signClient := dropboxsign.NewClient(dropboxsign.Config{
		APIKey:   cfg.Signature.APIKey,
		BaseURL:  cfg.Signature.BaseURL,
		TestMode: cfg.Signature.TestMode,
		Timeout:  cfg.Signature.Timeout,
	})

	documents := service.NewDocumentService(store, export.NewStatementRenderer(), signer, service.DocumentConfig{
		APIPrefix: cfg.APIPrefix,
		Qualification: export.Qualification{
			Title:    cfg.Statement.QualificationTitle,
			SAQAID:   cfg.Statement.SAQAID,
			NQFLevel: cfg.Statement.NQFLevel,
			Credits:  cfg.Statement.Credits,
		},
		ProviderName:       cfg.Statement.ProviderName,
		Accreditation:      cfg.Statement.ProviderAccreditation,
		CompetentThreshold: cfg.Statement.CompetentThreshold,
	}, logr)

	sorRepo := repository.NewSORRequestRepository(db)
	workflow := service.NewWorkflowService(service.WorkflowDeps{
		Repo:       sorRepo,
		Snapshots:  service.NewGradeSnapshotService(moodleClient, logr),
		Documents:  documents,
		Links:      documents,
		Signatures: signClient,
		LMS:        moodleClient,
		Locker:     locker,
		Cache:      cacheSvc,
		Metrics:    metrics,
		Validator:  validator.New(),
		Logger:     logr,
	}, service.WorkflowConfig{
		SkipSignature:   cfg.Workflow.SkipSignature,
		BatchLimit:      cfg.Workflow.BatchLimit,
		BulkConcurrency: cfg.Workflow.BulkConcurrency,
		Signature: service.SignatureTemplate{
			Title:   cfg.Signature.Title,
			Subject: cfg.Signature.Subject,
			Message: cfg.Signature.Message,
		},
	})
	reconciliation := service.NewReconciliationService(sorRepo, workflow, locker, metrics, logr, cfg.Workflow.BatchLimit)
	stats := service.NewStatsService(sorRepo, cacheSvc, cfg.Workflow.OverdueAfter, cfg.Workflow.StatsCacheTTL, logr)

	checks := map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics, "/metrics"))
	r.Use(internalmiddleware.WithResponseMeta())

	handler.RegisterRoutes(r, cfg.APIPrefix, handler.Handlers{
		Requests:   handler.NewSORRequestHandler(workflow),
		Operations: handler.NewOperationsHandler(workflow, reconciliation, stats),
		Artifacts:  handler.NewArtifactHandler(documents),
		Metrics:    handler.NewMetricsHandler(metrics, checks),
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	var sweeper *jobs.Runner
	if cfg.Workflow.SweepInterval > 0 {
		sweeper = jobs.NewRunner("signature-sweep", reconciliation.Task, jobs.RunnerConfig{
			Interval:   cfg.Workflow.SweepInterval,
			RunOnStart: true,
			Logger:     logr,
		})
		sweeper.Start(ctx)

		// SIGHUP forces an immediate sweep.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					sweeper.Trigger()
				}
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env, "skipSignature", cfg.Workflow.SkipSignature)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	if sweeper != nil {
		sweeper.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}

// buildCoordination picks Redis-backed caching and locking when Redis is enabled and
// falls back to a disabled cache and an in-process locker otherwise.
func buildCoordination(client *redis.Client, metrics *service.MetricsService, cfg *config.Config, logr *zap.Logger) (*service.CacheService, lock.Locker) {
	if client == nil {
		logr.Sugar().Warnw("redis disabled, using in-process locks; run a single replica")
		return service.NewCacheService(nil, metrics, cfg.Workflow.StatsCacheTTL, logr, false), lock.NewMemoryLocker()
	}
	cacheSvc := service.NewCacheService(repository.NewCacheRepository(client, "sor:cache:"), metrics, cfg.Workflow.StatsCacheTTL, logr, true)
	locker, err := lock.NewRedisLocker(client, "sor:lock:", cfg.Workflow.LockTTL)
	if err != nil {
		logr.Sugar().Fatalw("lock setup failed", "error", err)
	}
	return cacheSvc, locker
}

func buildArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (storage.ArtifactStore, error) {
	if cfg.S3Bucket != "" {
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
	}
	return storage.NewLocalStorage(cfg.StorageDir)
}
