package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/du-cki/Kana/internal/blobsink"
	"github.com/du-cki/Kana/internal/capture"
	"github.com/du-cki/Kana/internal/config"
	"github.com/du-cki/Kana/internal/database"
	"github.com/du-cki/Kana/internal/dispatch"
	"github.com/du-cki/Kana/internal/history"
	"github.com/du-cki/Kana/internal/identity"
	"github.com/du-cki/Kana/internal/interactive"
	"github.com/du-cki/Kana/internal/logging"
	"github.com/du-cki/Kana/internal/platform"
	"github.com/du-cki/Kana/internal/ratelimit"
	"github.com/du-cki/Kana/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kana-api",
		Short: "Avatar and name history capture engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the capture engine and the retrieval API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	})

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("public-url", defaults.GetString("http.public_url"), "Public base URL of the retrieval API")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	cmd.PersistentFlags().String("storage-mode", defaults.GetString("storage.mode"), "Avatar storage mode (sink, inline)")
	cmd.PersistentFlags().StringSlice("sink-webhook", nil, "Blob sink webhook URL (repeatable)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the platform bridge")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.public_url", "public-url")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "storage.mode", "storage-mode")
	bindFlag(cmd, "sink.webhooks", "sink-webhook")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runMigrations() error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	return closeDatabase(db)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db) //nolint:errcheck

	store, err := history.NewStore(history.StoreConfig{
		Database:   db,
		IDProvider: history.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	tracker, err := identity.NewTracker(identity.TrackerConfig{Store: store})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := platform.NewFetcher(platform.FetcherConfig{
		Timeout:  appConfig.Capture.FetchTimeout,
		MaxBytes: int64(appConfig.Sink.MaxUploadBytes),
	})
	pipelineConfig := capture.PipelineConfig{
		Mode:                appConfig.Storage.Mode,
		Fetcher:             fetcher,
		Store:               store,
		Names:               tracker,
		Logger:              logger,
		SnapshotConcurrency: appConfig.Capture.SnapshotConcurrency,
		MaxBytes:            appConfig.Sink.MaxUploadBytes,
	}
	if appConfig.Storage.Mode == config.StorageModeSink {
		pool, err := buildSinkPool(signalCtx, appConfig, logger)
		if err != nil {
			return err
		}
		limiter, err := ratelimit.New(ratelimit.Config{
			Capacity: appConfig.RateLimit.Capacity,
			Window:   appConfig.RateLimit.Window,
		})
		if err != nil {
			return err
		}
		pipelineConfig.Sink = pool
		pipelineConfig.Limiter = limiter
	}
	pipeline, err := capture.NewPipeline(pipelineConfig)
	if err != nil {
		return err
	}

	bus, closeBus, err := openBus(signalCtx, appConfig.Bus, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	var dispatcher *dispatch.Dispatcher
	registry, err := interactive.NewRegistry(interactive.RegistryConfig{
		Pager:        store,
		ChunkSize:    appConfig.Browse.ChunkSize,
		IdleTimeout:  appConfig.Browse.IdleTimeout,
		ImageBaseURL: appConfig.PublicURL,
		OnExpire: func(view interactive.View) {
			dispatcher.PublishExpired(view)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer registry.Shutdown()

	dispatcher, err = dispatch.New(dispatch.Config{
		Capturer:       pipeline,
		Browser:        registry,
		Publisher:      bus,
		RepliesChannel: appConfig.Bus.RepliesChannel,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	events, err := bus.Subscribe(signalCtx, appConfig.Bus.EventsChannel)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		History: store,
		Blobs:   fetcher,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("event dispatcher starting", zap.String("channel", appConfig.Bus.EventsChannel))
		err := dispatcher.Run(groupCtx, events)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Config{
		Driver:       appConfig.Database.Driver,
		DSN:          appConfig.Database.ConnectionString(),
		MaxOpenConns: appConfig.Database.MaxOpenConns,
		Logger:       logger,
	})
}

func closeDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func buildSinkPool(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*blobsink.Pool, error) {
	var endpoints []blobsink.Endpoint
	for index, webhookURL := range appConfig.Sink.Webhooks {
		endpoint, err := blobsink.NewWebhookEndpoint(blobsink.WebhookConfig{URL: webhookURL})
		if err != nil {
			return nil, fmt.Errorf("sink.webhooks[%d]: %w", index, err)
		}
		endpoints = append(endpoints, endpoint)
	}
	if s3Config := appConfig.Sink.S3; s3Config.Enabled() {
		endpoint, err := blobsink.NewS3Endpoint(ctx, blobsink.S3Config{
			Endpoint:        s3Config.Endpoint,
			Region:          s3Config.Region,
			Bucket:          s3Config.Bucket,
			AccessKeyID:     s3Config.AccessKeyID,
			SecretAccessKey: s3Config.SecretAccessKey,
			UsePathStyle:    s3Config.UsePathStyle,
			PublicURL:       s3Config.PublicURL,
			KeyPrefix:       s3Config.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	return blobsink.NewPool(blobsink.PoolConfig{
		Endpoints: endpoints,
		MaxBytes:  appConfig.Sink.MaxUploadBytes,
		Logger:    logger,
		Metrics:   capture.SinkMetrics{},
	})
}

func openBus(ctx context.Context, busConfig config.BusConfig, logger *zap.Logger) (platform.Bus, func(), error) {
	if busConfig.RedisAddress == "" {
		logger.Info("using in-process event bus")
		return platform.NewLocalBus(busConfig.Buffer), func() {}, nil
	}
	bridge, err := platform.NewRedisBridge(ctx, platform.RedisConfig{
		Address:    busConfig.RedisAddress,
		Password:   busConfig.RedisPassword,
		DB:         busConfig.RedisDB,
		BufferSize: busConfig.Buffer,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis event bridge", zap.String("address", busConfig.RedisAddress))
	return bridge, func() {
		if err := bridge.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}, nil
}
