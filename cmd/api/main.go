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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/nextstep-learning/tutoring-api/api/swagger"
	"github.com/nextstep-learning/tutoring-api/internal/handler"
	"github.com/nextstep-learning/tutoring-api/internal/middleware"
	"github.com/nextstep-learning/tutoring-api/internal/models"
	"github.com/nextstep-learning/tutoring-api/internal/repository"
	"github.com/nextstep-learning/tutoring-api/internal/service"
	"github.com/nextstep-learning/tutoring-api/pkg/cache"
	"github.com/nextstep-learning/tutoring-api/pkg/config"
	"github.com/nextstep-learning/tutoring-api/pkg/database"
	"github.com/nextstep-learning/tutoring-api/pkg/export"
	"github.com/nextstep-learning/tutoring-api/pkg/jobs"
	"github.com/nextstep-learning/tutoring-api/pkg/logger"
	corsmiddleware "github.com/nextstep-learning/tutoring-api/pkg/middleware/cors"
	reqidmiddleware "github.com/nextstep-learning/tutoring-api/pkg/middleware/requestid"
	"github.com/nextstep-learning/tutoring-api/pkg/payments"
	"github.com/nextstep-learning/tutoring-api/pkg/storage"
)

// @title NextStep Learning API
// @version 1.0.0
// @description Tutoring service API: accounts, class catalog, enrollments and payments.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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
	sugar := logr.Sugar()

	if err := cfg.ValidatePayment(); err != nil {
		sugar.Fatalw("payment configuration invalid", "error", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		sugar.Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		sugar.Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	stripeClient, err := payments.NewStripeClient(cfg.Payment)
	if err != nil {
		sugar.Fatalw("failed to init stripe client", "error", err)
	}

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	profileRepo := repository.NewProfileRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	classRepo := repository.NewClassRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	statsRepo := repository.NewStatsRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, profileRepo, studentRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "nextstep-learning",
		GoogleClientID:     cfg.OAuth.GoogleClientID,
	})
	profileSvc := service.NewProfileService(profileRepo, validate, logr)
	studentSvc := service.NewStudentService(studentRepo, validate, logr)
	classSvc := service.NewClassService(classRepo, cacheRepo, validate, logr, cfg.Classes.CacheTTL)
	dashboardSvc := service.NewDashboardService(statsRepo, cacheRepo, logr, cfg.Dashboard.CacheTTL)

	pdfExporter := export.NewPDFExporter()
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, studentRepo, classRepo, profileRepo, pdfExporter, validate, logr)
	paymentSvc := service.NewPaymentService(stripeClient, enrollmentRepo, studentRepo, enrollmentSvc, validate, logr, service.PaymentConfig{
		AmountTolerance: cfg.Billing.AmountTolerance,
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	authHandler := handler.NewAuthHandler(authSvc, cfg.Frontend.DashboardURL, cfg.Frontend.LoginURL)
	profileHandler := handler.NewProfileHandler(profileSvc)
	classHandler := handler.NewClassHandler(classSvc)
	studentHandler := handler.NewStudentHandler(studentSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, paymentSvc)
	paymentHandler := handler.NewPaymentHandler(paymentSvc, metricsSvc)
	dashboardHandler := handler.NewDashboardHandler(dashboardSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	api.POST("/auth/signup", authHandler.Signup)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/google", authHandler.GoogleLogin)
	api.GET("/auth/google/callback", authHandler.GoogleCallback)
	api.POST("/auth/refresh", authHandler.RefreshToken)
	api.GET("/classes", classHandler.List)
	api.GET("/classes/:id", classHandler.Get)
	api.POST("/payments/webhook", paymentHandler.Webhook)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))
	authed.POST("/auth/logout", authHandler.Logout)
	authed.PUT("/auth/password", authHandler.ChangePassword)
	authed.GET("/auth/me", authHandler.Me)
	authed.GET("/profiles/me", profileHandler.Get)
	authed.PUT("/profiles/me", profileHandler.Update)
	authed.POST("/enrollments", enrollmentHandler.Initiate)
	authed.GET("/enrollments", enrollmentHandler.ListMine)
	authed.POST("/enrollments/:id/confirm", enrollmentHandler.Confirm)
	authed.GET("/enrollments/:id/pass", enrollmentHandler.EntrancePass)
	authed.GET("/enrollments/:id/receipt", enrollmentHandler.Receipt)
	authed.POST("/payments/intent", paymentHandler.CreateIntent)

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireRoles(models.RoleAdmin))
	admin.GET("/students", studentHandler.List)
	admin.GET("/students/:id", studentHandler.Get)
	admin.PUT("/students/:id", studentHandler.Update)
	admin.POST("/classes", classHandler.Create)
	admin.PUT("/classes/:id", classHandler.Update)
	admin.DELETE("/classes/:id", classHandler.Archive)
	admin.GET("/enrollments", enrollmentHandler.List)
	admin.GET("/dashboard", dashboardHandler.Stats)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var exportQueue *jobs.Queue
	if cfg.Exports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			sugar.Fatalw("failed to init export storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportRepo := repository.NewExportRepository(db)
		exportSvc := service.NewExportService(studentRepo, enrollmentRepo, store, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Exports.SignedURLTTL,
		}, logr, export.NewCSVExporter(), pdfExporter)
		worker := service.NewExportWorker(exportRepo, exportSvc, cfg.Exports.WorkerRetries, logr)
		exportQueue = jobs.NewQueue("exports", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Exports.WorkerConcurrency,
			MaxRetries: cfg.Exports.WorkerRetries,
			Logger:     logr,
		})
		exportQueue.Start(rootCtx)

		exportJobSvc := service.NewExportJobService(exportRepo, exportQueue, exportSvc, logr, service.ExportJobServiceConfig{
			ResultTTL:       cfg.Exports.SignedURLTTL,
			CleanupInterval: cfg.Exports.CleanupInterval,
			MaxRetries:      cfg.Exports.WorkerRetries,
		})
		exportJobSvc.RecoverPendingJobs(rootCtx)
		exportJobSvc.StartCleanup(rootCtx)

		exportHandler := handler.NewExportHandler(exportJobSvc)
		admin.POST("/exports", exportHandler.Create)
		admin.GET("/exports/:id", exportHandler.Status)
		// the signed token authorizes the download on its own
		api.GET("/exports/download/:token", exportHandler.Download)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		sugar.Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	sugar.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("graceful shutdown failed", "error", err)
	}
	if exportQueue != nil {
		exportQueue.Stop()
	}
	if err := cacheRepo.Close(); err != nil {
		sugar.Warnw("failed to close redis", "error", err)
	}
}
