package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"consult-sync/config"
	"consult-sync/constant"
	"consult-sync/handler"
	"consult-sync/pkg/chunkstore"
	"consult-sync/pkg/guard"
	"consult-sync/repository"
	"consult-sync/service"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := config.EnsureBucket(ctx, cfg.Storage, cfg.MinIOBucket); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("EnsureBucket")
	}

	registry, err := repository.NewRegistry(cfg.Data.DatabasePath)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("failed to open consultation registry")
	}

	store := chunkstore.New(cfg.Data.ChunksRoot)
	uploader := service.NewMinioUploader(cfg.Storage, cfg.MinIOBucket)
	network := guard.NewHTTPNetwork(fmt.Sprintf("%s/minio/health/live", cfg.Storage.EndpointURL()))
	tokens := guard.StaticToken(cfg.App.AuthToken)
	monitor := guard.NewMonitor(network, 10*time.Second)

	format := cfg.AudioFormat()
	queue := service.NewUploadQueue(store, registry, uploader, network, tokens, service.UploadQueueOptions{
		ContinuousRetryDelay:  cfg.Engine.ContinuousRetryDelay,
		ImmediateRetryBackoff: cfg.Engine.ImmediateRetryBackoff,
		Format:                format,
	})
	syncService := service.NewSyncService(registry, store, uploader, network, tokens, service.SyncServiceOptions{
		MaxParallelUploads: cfg.Engine.MaxParallelUploads,
		Format:             format,
	})

	recovery := service.NewRecovery(registry, syncService, monitor)
	recovered, err := recovery.Run(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("startup recovery failed")
	}
	if len(recovered) > 0 {
		zerolog.Ctx(ctx).Info().Strs("session_ids", recovered).Msg("crashed sessions recovered, manual sync available at POST /sync")
	}

	r := gin.Default()
	handler.Register(r, handler.ServiceDependencies{
		Registry: registry,
		Sync:     syncService,
		Queue:    queue,
	})

	srv := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	queue.ClearSession(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
