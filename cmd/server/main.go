package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"transferkit/internal/config"
	"transferkit/internal/executor"
	apphttp "transferkit/internal/http"
	"transferkit/internal/repository/sqlite"
	"transferkit/internal/service"
	"transferkit/internal/transfer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}
	if strings.TrimSpace(cfg.Auth.RegisterPassword) == "" {
		logger.Fatalf("auth registration password is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	userRepo := sqlite.NewUserRepository(db)
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}
	userService := service.NewUserService(userRepo, cfg.Auth.RegisterPassword)

	if err := os.MkdirAll(cfg.Download.DataDir, 0o755); err != nil {
		logger.Fatalf("create download dir: %v", err)
	}

	downloads := transfer.NewDownloadManager(transfer.Config{
		MaxConcurrent:   cfg.Download.MaxConcurrent,
		MediaLibraryDir: cfg.Download.MediaDir,
		Logger:          logger,
	}, executor.NewHTTPDownloader(nil, logger))

	uploadExec, err := buildUploadExecutor(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup upload executor: %v", err)
	}
	uploads := transfer.NewUploadManager(transfer.Config{
		MaxConcurrent: cfg.Upload.MaxConcurrent,
		Logger:        logger,
	}, uploadExec, decodeJSONResponse)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(
		downloads,
		uploads,
		userService,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
		cfg.Download.DataDir,
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	downloads.Close()
	uploads.Close()

	logger.Info("bye")
}

// buildUploadExecutor prefers S3 when a bucket is configured, falling back to
// plain multipart POST uploads.
func buildUploadExecutor(ctx context.Context, cfg config.Config, logger *logrus.Logger) (executor.Executor, error) {
	if cfg.Storage.Bucket == "" {
		return executor.NewMultipartUploader(nil, logger), nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return executor.NewS3Uploader(client, 4, logger), nil
}

func decodeJSONResponse(body []byte) (any, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
