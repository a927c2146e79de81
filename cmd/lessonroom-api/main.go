package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/practicehall/lessonroom/internal/auth"
	"github.com/practicehall/lessonroom/internal/broadcast"
	"github.com/practicehall/lessonroom/internal/classroom"
	"github.com/practicehall/lessonroom/internal/config"
	"github.com/practicehall/lessonroom/internal/database"
	"github.com/practicehall/lessonroom/internal/identity"
	"github.com/practicehall/lessonroom/internal/logging"
	"github.com/practicehall/lessonroom/internal/rooms"
	"github.com/practicehall/lessonroom/internal/server"
	"github.com/practicehall/lessonroom/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lessonroom-api",
		Short: "LessonRoom mentorship-session backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the ephemeral channel")
	cmd.PersistentFlags().String("rooms-base-url", defaults.GetString("rooms.base_url"), "Video room provider base URL")
	cmd.PersistentFlags().String("rooms-api-key", "", "Video room provider API key (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Identity token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Identity token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "rooms.base_url", "rooms-base-url")
	bindFlag(cmd, "rooms.api_key", "rooms-api-key")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	durable, err := store.New(store.Config{
		Database: db,
		Feed:     store.NewFeed(),
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	hub, err := broadcast.NewHub(appConfig.RedisURL, logger)
	if err != nil {
		return err
	}
	defer hub.Close()

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "lessonroom-auth",
		Audience:      "lessonroom-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	lifecycle, err := classroom.NewLifecycle(classroom.LifecycleConfig{
		Store:      durable,
		IDProvider: identity.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	archive, err := classroom.NewArchiveService(classroom.ArchiveConfig{
		Store:      durable,
		IDProvider: identity.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	roomProvider, err := rooms.NewProvider(rooms.ProviderConfig{
		BaseURL: appConfig.RoomsBaseURL,
		APIKey:  appConfig.RoomsAPIKey,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Store:        durable,
		Lifecycle:    lifecycle,
		Archive:      archive,
		Rooms:        roomProvider,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
