package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/radiology-api/internal/config"
	"github.com/example/radiology-api/internal/diagnosis"
	"github.com/example/radiology-api/internal/handlers"
	"github.com/example/radiology-api/internal/imagefile"
	"github.com/example/radiology-api/internal/inference"
	"github.com/example/radiology-api/internal/logging"
	"github.com/example/radiology-api/internal/preprocess"
	"github.com/example/radiology-api/internal/probe"
	"github.com/example/radiology-api/internal/retention"
	"github.com/example/radiology-api/internal/telemetry"
	"github.com/example/radiology-api/internal/usecase"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	initCtx, cancelInit := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelInit()

	tp, err := telemetry.Initialize(initCtx, cfg.Telemetry, version, logger)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	classifier, device, err := inference.LoadClassifier(cfg.Model, logger)
	if err != nil {
		logger.Fatal("failed to load classifier", zap.Error(err))
	}
	defer func() {
		if err := inference.DestroyRuntime(); err != nil {
			logger.Warn("onnx runtime teardown failed", zap.Error(err))
		}
	}()
	defer classifier.Close()

	opts := []usecase.Option{}
	sweeper, closeIndex, err := initRetention(initCtx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize upload retention", zap.Error(err))
	}
	defer closeIndex()
	if sweeper != nil {
		opts = append(opts, usecase.WithRetention(sweeper))
	}

	uc := usecase.NewAnalysisUseCase(
		imagefile.NewStore(cfg.Storage.UploadDir, imagefile.WithMaxPixels(cfg.Storage.MaxImagePixels)),
		preprocess.New(),
		classifier,
		diagnosis.NewFormatter(cfg.Model.PneumoniaIndex),
		logger,
		opts...,
	)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	group, groupCtx := errgroup.WithContext(bgCtx)

	if sweeper != nil {
		group.Go(func() error {
			return sweeper.Run(groupCtx)
		})
	}
	var healthServer *probe.HealthServer
	if cfg.Probe.GRPCAddr != "" {
		healthServer = probe.NewHealthServer(logger)
		healthServer.MarkServing()
		group.Go(func() error {
			return healthServer.ListenAndServe(groupCtx, cfg.Probe.GRPCAddr)
		})
	}

	router := newRouter(uc, logger, cfg.Server.MaxUploadBytes())
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("radiology API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("device", string(device)),
		zap.String("version", version),
	)
	serveErr := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger, func() {
		if healthServer != nil {
			healthServer.MarkNotServing()
		}
	})

	stopBackground()
	if err := group.Wait(); err != nil {
		logger.Error("background task failed", zap.Error(err))
	}
	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func newRouter(uc *usecase.AnalysisUseCase, logger *zap.Logger, maxUploadBytes int64) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = maxUploadBytes
	r.Use(gin.Recovery(), logging.RequestLogger(logger), telemetry.GinMiddleware())
	handlers.RegisterRoutes(r, uc, logger, maxUploadBytes)
	return r
}

// initRetention returns a nil sweeper when retention is disabled. The
// returned close func is always safe to call.
func initRetention(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*retention.Sweeper, func(), error) {
	noop := func() {}
	if cfg.Storage.Retention <= 0 {
		logger.Info("upload retention disabled")
		return nil, noop, nil
	}

	if cfg.Redis.Addr == "" {
		index := retention.NewDirectoryIndex(cfg.Storage.UploadDir, cfg.Storage.Retention)
		return retention.NewSweeper(index, cfg.Storage.Retention, cfg.Storage.SweepInterval, logger), noop, nil
	}

	client, err := initRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, noop, err
	}
	index := retention.NewRedisIndex(client, cfg.Redis.RetentionKey, logger)
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	return retention.NewSweeper(index, cfg.Storage.Retention, cfg.Storage.SweepInterval, logger), closeClient, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("redis.ping", "", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, onDrain func()) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil, onDrain)
}

// serveHTTPServerWithOptions runs server until it fails or a signal arrives.
// onDrain, when set, runs after the signal and before in-flight requests
// are drained.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, onDrain func()) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if onDrain != nil {
			onDrain()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
