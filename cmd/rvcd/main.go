package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/rvcd/internal/config"
	"github.com/xxxsen/rvcd/internal/device"
	"github.com/xxxsen/rvcd/internal/engine"
	"github.com/xxxsen/rvcd/internal/gate"
	"github.com/xxxsen/rvcd/internal/handler"
	"github.com/xxxsen/rvcd/internal/inference"
	"github.com/xxxsen/rvcd/internal/job"
	"github.com/xxxsen/rvcd/internal/middleware"
	"github.com/xxxsen/rvcd/internal/modelcache"
	"github.com/xxxsen/rvcd/internal/modelstore"
	"github.com/xxxsen/rvcd/internal/params"
	"github.com/xxxsen/rvcd/internal/pipeline"
	"github.com/xxxsen/rvcd/internal/pkg/jwt"
	"github.com/xxxsen/rvcd/internal/schedule"
	"github.com/xxxsen/rvcd/internal/separator"
)

const (
	serviceName = "rvcd"
	version     = "0.1.0"
)

func main() {
	var configPath string
	var subject string
	var ttlHours int

	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "voice conversion inference server",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run rvcd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			initLogger(cfg)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
			return runServer(cfg)
		},
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "list model identifiers in the model store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := modelstore.New(cfg.ModelStore)
			if err != nil {
				return fmt.Errorf("init model store: %w", err)
			}
			ids, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "mint an admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.AdminJWTSecret == "" {
				return fmt.Errorf("admin_jwt_secret is not configured")
			}
			token, err := jwt.GenerateAdminToken(subject, []byte(cfg.AdminJWTSecret), time.Duration(ttlHours)*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	tokenCmd.Flags().IntVar(&ttlHours, "ttl-hours", 24, "token lifetime in hours, 0 for none")

	rootCmd.AddCommand(runCmd, modelsCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return config.Load(path)
}

func initLogger(cfg *config.Config) {
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func runServer(cfg *config.Config) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("model_dir", cfg.ModelStore.Dir),
		zap.String("model_store", cfg.ModelStore.Type),
		zap.String("engine", cfg.Engine.Type),
		zap.String("device", cfg.Device.Default),
		zap.Int("cache_capacity", cfg.Cache.Capacity),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := modelstore.New(cfg.ModelStore)
	if err != nil {
		return fmt.Errorf("init model store: %w", err)
	}
	if err := os.MkdirAll(cfg.ModelStore.Dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	loader, err := engine.New(cfg.Engine.Type, cfg.Engine.Data)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	initial, err := device.ParseSpec(cfg.Device.Default)
	if err != nil {
		return fmt.Errorf("parse device: %w", err)
	}
	dev, err := device.NewContext(device.NewStaticProber(cfg.Device.VisibleDevices), initial)
	if err != nil {
		return fmt.Errorf("init device: %w", err)
	}
	cache, err := modelcache.New(cfg.Cache.Capacity, store, loader, dev)
	if err != nil {
		return fmt.Errorf("init model cache: %w", err)
	}
	rt := inference.New(dev, cache, gate.New(), store, inference.Options{
		LoadTimeout:      seconds(cfg.Timeouts.LoadSeconds),
		GateTimeout:      seconds(cfg.Timeouts.GateSeconds),
		InferenceTimeout: seconds(cfg.Timeouts.InferenceSeconds),
	})
	defer rt.Close(context.Background())

	sep := separator.New(separator.Options{
		Binary:       cfg.Separator.Binary,
		DefaultModel: cfg.Separator.DefaultModel,
		Timeout:      seconds(cfg.Separator.TimeoutSeconds),
	})
	defaults := params.NewDefaultsStore()
	pipe := pipeline.New(rt, defaults, sep, cfg.TempDir)

	scheduler := schedule.NewCronScheduler()
	if cfg.Cache.IdleTTLSeconds > 0 {
		if err := scheduler.AddJob(job.NewModelIdleSweepJob(rt, seconds(cfg.Cache.IdleTTLSeconds)), cfg.Cache.SweepSpec); err != nil {
			return fmt.Errorf("schedule idle sweep: %w", err)
		}
	}
	if err := scheduler.AddJob(job.NewTempSweepJob(pipe, time.Duration(cfg.TempMaxAgeMinutes)*time.Minute), cfg.TempSweepSpec); err != nil {
		return fmt.Errorf("schedule temp sweep: %w", err)
	}
	if syncer, ok := store.(modelstore.Syncer); ok {
		syncJob := job.NewModelSyncJob(syncer)
		if err := syncJob.Run(ctx); err != nil {
			logutil.GetLogger(ctx).Error("initial model sync failed", zap.Error(err))
		}
		if err := scheduler.AddJob(syncJob, cfg.ModelStore.SyncSpec); err != nil {
			return fmt.Errorf("schedule model sync: %w", err)
		}
	}
	scheduler.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()

	if cfg.WatchModels != nil && *cfg.WatchModels {
		watcher, err := modelstore.Watch(ctx, store, func(id string) {
			rt.Invalidate(ctx, id)
		})
		if err != nil {
			logutil.GetLogger(ctx).Warn("model watcher disabled", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	deps := handler.RouterDeps{
		Convert:         handler.NewConvertHandler(pipe, cfg.MaxAudioBytes),
		Models:          handler.NewModelHandler(rt),
		Params:          handler.NewParamsHandler(defaults),
		Device:          handler.NewDeviceHandler(rt),
		Health:          handler.NewHealthHandler(rt, scheduler, serviceName, version),
		AdminSecret:     []byte(cfg.AdminJWTSecret),
		AdminRateWindow: seconds(cfg.AdminRateWindowSec),
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
