package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/changes"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docsync",
		Short: "Collaborative document sync server",
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
	cmd.PersistentFlags().String("auth-endpoint", "", "Identity endpoint URL")
	cmd.PersistentFlags().String("api-endpoint", "", "API endpoint URL used for capability checks")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for change notifications")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("override-secret", "", "Secret that authenticates system sessions (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "auth.endpoint", "auth-endpoint")
	bindFlag(cmd, "api.endpoint", "api-endpoint")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.override_secret", "override-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("docsync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := changes.NewBus(signalCtx, appConfig.RedisURL)
	if err != nil {
		return err
	}
	defer bus.Close()

	registry, err := tenant.NewRegistry(signalCtx, tenant.RegistryConfig{
		Tenants:   appConfig.Tenants,
		Publisher: bus,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	mailer := notify.NewSMTPMailer(appConfig.SMTP)
	var serviceMailer notify.Mailer
	if mailer.IsConfigured() {
		serviceMailer = mailer
	} else {
		logger.Info("smtp not configured; stage notifications disabled")
	}

	service, err := documents.NewService(documents.Config{
		Registry:      registry,
		Subscriber:    bus,
		Mailer:        serviceMailer,
		Clock:         time.Now,
		Logger:        logger,
		RetentionDays: appConfig.RetentionDays,
		AppURL:        appConfig.AppURL,
	})
	if err != nil {
		return err
	}
	defer service.Wait()

	authenticator, err := auth.NewAuthenticator(auth.Config{
		AuthEndpoint:   appConfig.AuthEndpoint,
		APIEndpoint:    appConfig.APIEndpoint,
		OverrideSecret: appConfig.OverrideSecret,
		CookieName:     appConfig.CookieName,
		SigningSecret:  []byte(appConfig.SigningSecret),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	hooks, err := documents.NewHooks(documents.HooksConfig{
		Service:         service,
		Authenticator:   authenticator,
		SessionLifetime: appConfig.SessionLifetime,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	host, err := collab.NewHost(collab.Config{
		Extension:          hooks,
		Logger:             logger,
		CheckpointInterval: appConfig.CheckpointInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Host:           host,
		AllowedOrigins: appConfig.AllowedOrigins,
		HealthChecks: map[string]server.HealthCheck{
			"redis":    bus.Ping,
			"database": registry.Ping,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.Strings("tenants", registry.Tenants()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := host.Close(shutdownCtx); err != nil {
			logger.Warn("sessions did not drain before shutdown", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
