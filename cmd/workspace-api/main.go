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

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/config"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/database"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "workspace-api",
		Short: "Workspace document reconciliation service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(auth.Principal{UserID: userID, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier to embed as the token subject")
	cmd.Flags().StringVar(&name, "name", "", "Display name shown to collaborators")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("max-push-bytes", defaults.GetInt("payload.max_push_bytes"), "Largest accepted push payload")
	cmd.PersistentFlags().Int("max-pull-bytes", defaults.GetInt("payload.max_pull_bytes"), "Largest served pull payload")
	cmd.PersistentFlags().String("presence-backend", defaults.GetString("presence.backend"), "Presence store (memory or redis)")
	cmd.PersistentFlags().String("presence-redis-url", "", "Redis URL for presence and change relay")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "payload.max_push_bytes", "max-push-bytes")
	bindFlag(cmd, "payload.max_pull_bytes", "max-pull-bytes")
	bindFlag(cmd, "presence.backend", "presence-backend")
	bindFlag(cmd, "presence.redis_url", "presence-redis-url")
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

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
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

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := server.NewChangeDispatcher()
	presenceStore, closePresence, err := openPresence(signalCtx, appConfig, dispatcher, logger)
	if err != nil {
		return err
	}
	defer closePresence()

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.UUIDv7,
		Logger:     logger,
		Payload: documents.PayloadPolicy{
			MaxPushBytes: appConfig.MaxPushBytes,
			MaxPullBytes: appConfig.MaxPullBytes,
		},
		MaxTags:  appConfig.MaxTags,
		Metrics:  logging.NewEventSink(logger),
		Notifier: dispatcher,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:     tokenIssuer,
		Documents:  documentsService,
		Presence:   presenceStore,
		Dispatcher: dispatcher,
		Logger:     logger,
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

// openPresence builds the configured presence store. With redis, change notifications are
// also relayed so watchers on other replicas hear about pushes handled here.
func openPresence(ctx context.Context, appConfig config.AppConfig, dispatcher *server.ChangeDispatcher, logger *zap.Logger) (presence.Store, func(), error) {
	if appConfig.PresenceBackend != config.PresenceBackendRedis {
		return presence.NewMemoryStore(appConfig.PresenceTTL, nil), func() {}, nil
	}

	store, err := presence.NewRedisStore(ctx, appConfig.PresenceRedis, appConfig.PresenceTTL)
	if err != nil {
		return nil, nil, err
	}
	relay, err := server.NewRedisRelay(store.Client(), dispatcher, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	go func() {
		if err := relay.Run(ctx, nil); err != nil {
			logger.Error("change relay stopped", zap.Error(err))
		}
	}()

	logger.Info("presence backed by redis")
	return store, func() { _ = store.Close() }, nil
}
