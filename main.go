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

	"github.com/chaos-io/photobooth/config"
	"github.com/chaos-io/photobooth/overlay"
	"github.com/chaos-io/photobooth/removal"
	"github.com/chaos-io/photobooth/segment"
	"github.com/chaos-io/photobooth/segment/grabcut"
	"github.com/chaos-io/photobooth/segment/onnx"
	"github.com/chaos-io/photobooth/segment/rembg"
	"github.com/chaos-io/photobooth/server"
	"github.com/chaos-io/photobooth/store"
	"github.com/chaos-io/photobooth/util"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("load config failed, using defaults: %v\n", err)
		cfg = config.Default()
	}

	if err := util.InitLogger(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Logger.Info("starting photobooth server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	// worker: 独立 goroutine 托管，加载失败后会话只走 fallback
	var worker segment.Backend
	if kind := cfg.Segment.WorkerBackend; kind != "" && kind != "none" {
		opts := []segment.WorkerOption{segment.WithName(kind), segment.WithQueueSize(cfg.Segment.QueueSize)}
		if cfg.Segment.LazyLoad {
			opts = append(opts, segment.WithLazyLoad())
		}
		w := segment.NewWorker(func(ctx context.Context) (segment.Backend, error) {
			return newBackend(kind, &cfg.Segment)
		}, opts...)
		defer w.Close()
		worker = w
	}

	fallback, err := newBackend(cfg.Segment.FallbackBackend, &cfg.Segment)
	if err != nil {
		util.Logger.Warn("fallback backend unavailable", zap.String("backend", cfg.Segment.FallbackBackend), zap.Error(err))
		fallback = nil
	}
	if c, ok := fallback.(segment.Closer); ok {
		defer c.Close()
	}

	var cache store.Cache = store.NopCache{}
	if cfg.Redis.Enabled {
		redisCache := store.NewRedisCache(&cfg.Redis)
		if err := redisCache.Ping(context.Background()); err != nil {
			util.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
		} else {
			util.Logger.Info("redis connected successfully")
			cache = redisCache
		}
		defer redisCache.Close()
	}

	manager := server.NewManager(cfg, func(ind removal.Indicator) overlay.Remover {
		return removal.NewCoordinator(worker, fallback, ind,
			removal.WithTimeout(cfg.Segment.Timeout),
			removal.WithBudget(cfg.SegmentBudget()))
	}, cache)
	if err := manager.Start(); err != nil {
		util.Logger.Fatal("failed to start session sweeper", zap.Error(err))
	}
	defer manager.Stop()

	server.Version = Version
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      server.NewRouter(cfg, server.NewHandler(cfg, manager)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		util.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	util.Logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.Logger.Error("server shutdown failed", zap.Error(err))
	}
}

// newBackend 按名称创建分割后端，none 返回 nil
func newBackend(kind string, cfg *config.SegmentConfig) (segment.Backend, error) {
	switch kind {
	case "onnx":
		engine, err := onnx.NewEngine(onnx.Config{
			OnnxRuntimeLibPath: cfg.Onnx.LibraryPath,
			ModelPath:          cfg.Onnx.ModelPath,
			InputName:          cfg.Onnx.InputName,
			OutputName:         cfg.Onnx.OutputName,
			InputSize:          cfg.Onnx.InputSize,
			UseCuda:            cfg.Onnx.UseCuda,
			NumThreads:         cfg.Onnx.NumThreads,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	case "remote":
		return rembg.NewBiRefNetRemBG(rembg.Config{
			BaseURL:      cfg.Remote.BaseURL,
			PollInterval: cfg.Remote.PollInterval,
		}), nil
	case "grabcut":
		return grabcut.New(grabcut.Config{
			Iterations: cfg.GrabCut.Iterations,
			BorderSize: cfg.GrabCut.BorderSize,
			KernelSize: cfg.GrabCut.KernelSize,
			MaxSize:    cfg.GrabCut.MaxSize,
		}), nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown segment backend %q", kind)
	}
}
