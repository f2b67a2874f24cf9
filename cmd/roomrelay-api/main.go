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

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/bus"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/config"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/database"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/decryptcache"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/push"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/retention"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/server"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/session"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roomrelay-api",
		Short: "Encrypted real-time chat relay",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("bus-driver", defaults.GetString("bus.driver"), "Broadcast bus (memory, redis)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the redis bus")
	cmd.PersistentFlags().String("push-proxy-url", defaults.GetString("push.proxy_url"), "Push delivery proxy URL")
	cmd.PersistentFlags().String("voice-app-id", defaults.GetString("voice.app_id"), "Voice application id")
	cmd.PersistentFlags().String("voice-signing-secret", "", "Voice token signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Allowed browser origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "bus.driver", "bus-driver")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "push.proxy_url", "push-proxy-url")
	bindFlag(cmd, "voice.app_id", "voice-app-id")
	bindFlag(cmd, "voice.signing_secret", "voice-signing-secret")
	bindFlag(cmd, "ws.allowed_origins", "allowed-origins")
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

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	cache := decryptcache.New(decryptcache.Config{
		MaxEntries: appConfig.Cache.MaxEntries,
		TTL:        appConfig.Cache.TTL,
		Observer:   recorder,
	})
	roomService, err := newRoomService(db, appConfig, cache, recorder, logger)
	if err != nil {
		return err
	}

	broadcast, closeBus, err := openBus(signalCtx, appConfig, recorder, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	pushService, err := push.NewService(push.Config{
		Database: db,
		ProxyURL: appConfig.Push.ProxyURL,
		Logger:   logger,
		Observer: recorder,
	})
	if err != nil {
		return err
	}

	var voiceIssuer *voice.TokenIssuer
	if appConfig.Voice.SigningSecret != "" {
		voiceIssuer, err = voice.NewTokenIssuer(voice.TokenIssuerConfig{
			AppID:         appConfig.Voice.AppID,
			SigningSecret: []byte(appConfig.Voice.SigningSecret),
			TokenTTL:      appConfig.Voice.TokenTTL,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Info("voice token issuance disabled")
	}

	engine, err := session.NewEngine(session.Config{
		Rooms:             roomService,
		Bus:               broadcast,
		Opener:            cache,
		Notifier:          pushService,
		Metrics:           recorder,
		IDs:               session.NewUUIDProvider(),
		Logger:            logger,
		HistoryLimit:      appConfig.Room.HistoryLimit,
		HeartbeatInterval: appConfig.Session.HeartbeatInterval,
		FrameRate:         appConfig.Session.FrameRate,
		FrameBurst:        appConfig.Session.FrameBurst,
	})
	if err != nil {
		return err
	}

	sweeper, err := retention.NewSweeper(retention.Config{
		Rooms:       roomService,
		InactiveTTL: appConfig.Room.InactiveTTL,
		MaxMessages: appConfig.Room.MaxMessages,
		Interval:    appConfig.Room.CleanupInterval,
		Logger:      logger,
		Observer:    recorder,
	})
	if err != nil {
		return err
	}
	sweeper.Run(signalCtx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:             engine,
		Rooms:              roomService,
		Sweeper:            sweeper,
		Push:               pushService,
		Voice:              voiceIssuer,
		Gatherer:           prometheus.DefaultGatherer,
		Logger:             logger,
		AllowedOrigins:     appConfig.WS.AllowedOrigins,
		InsecureSkipVerify: appConfig.WS.InsecureSkipVerify,
		MaxFrameBytes:      appConfig.Session.MaxFrameBytes,
		APIRateLimit:       appConfig.HTTPRateLimit,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context {
			return signalCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("bus_driver", appConfig.BusDriver),
		)
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
		serverErr := httpServer.Shutdown(shutdownCtx)
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sessions did not drain before shutdown", zap.Error(err))
		}
		return serverErr
	case err := <-errCh:
		return err
	}
}

func openBus(ctx context.Context, appConfig config.AppConfig, recorder *metrics.Recorder, logger *zap.Logger) (bus.Bus, func(), error) {
	if appConfig.BusDriver == config.BusRedis {
		redisBus, err := bus.NewRedisBus(ctx, bus.RedisConfig{URL: appConfig.RedisURL, Observer: recorder, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return redisBus, func() { _ = redisBus.Close() }, nil
	}
	localBus := bus.NewLocalBus(0, recorder)
	return localBus, func() { _ = localBus.Close() }, nil
}
