package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decentralchat/engine/internal/auth"
	"github.com/decentralchat/engine/internal/config"
	"github.com/decentralchat/engine/internal/contacts"
	"github.com/decentralchat/engine/internal/invites"
	"github.com/decentralchat/engine/internal/localdata"
	"github.com/decentralchat/engine/internal/logging"
	"github.com/decentralchat/engine/internal/messages"
	"github.com/decentralchat/engine/internal/presence"
	"github.com/decentralchat/engine/internal/rooms"
	"github.com/decentralchat/engine/internal/server"
	"github.com/decentralchat/engine/internal/session"
	"github.com/decentralchat/engine/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "decentchat",
		Short: "Decentralized chat engine daemon",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite cache path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("home-room", defaults.GetString("room.home"), "Room joined on startup")
	cmd.PersistentFlags().Int("room-max-members", defaults.GetInt("room.max_members"), "Member capacity for created rooms")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "room.home", "home-room")
	bindFlag(cmd, "room.max_members", "room-max-members")
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

	cache, err := localdata.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	graph := store.NewMemoryStore()

	registry, err := rooms.NewRegistry(rooms.RegistryConfig{
		Store:      graph,
		Cache:      cache,
		Logger:     logger,
		HomeRoom:   appConfig.HomeRoom,
		MaxMembers: appConfig.MaxRoomMembers,
	})
	if err != nil {
		return err
	}
	messageStore, err := messages.NewStore(messages.StoreConfig{
		Store:  graph,
		IDs:    messages.NewUUIDProvider(),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	moderation, err := rooms.NewModeration(rooms.ModerationConfig{
		Registry:  registry,
		Announcer: messageStore,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	inviteService, err := invites.NewService(invites.ServiceConfig{
		Store:    graph,
		Security: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Store:  graph,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	book, err := contacts.NewBook(contacts.BookConfig{
		Store:  graph,
		Cache:  cache,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	manager, err := session.NewManager(session.ManagerConfig{
		Store:      graph,
		Registry:   registry,
		Moderation: moderation,
		Invites:    inviteService,
		Messages:   messageStore,
		Presence:   tracker,
		Contacts:   book,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	challenges, err := auth.NewChallengeVerifier(auth.ChallengeVerifierConfig{Logger: logger})
	if err != nil {
		return err
	}
	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        "decentchat",
		Audience:      "decentchat-api",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Challenges: challenges,
		Tokens:     tokenManager,
		Session:    manager,
		Logger:     logger,
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
		manager.Close(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
