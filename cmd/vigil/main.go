package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vigil/internal/auth"
	"vigil/internal/config"
	"vigil/internal/database"
	"vigil/internal/events"
	"vigil/internal/logging"
	"vigil/internal/notify"
	"vigil/internal/supervisor"
	"vigil/internal/ws"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to the YAML config file (default configs/vigil.yaml if present)")
		hostF     = flag.String("host", "", "Bind host for the HTTP and RTSP servers (overrides config)")
		httpPortF = flag.Int("http-port", 0, "HTTP port (overrides config)")
		rtspPortF = flag.Int("rtsp-port", 0, "RTSP port (overrides config)")
		dbgF      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		os.Exit(2)
	}
	if *hostF != "" {
		cfg.Server.Host = *hostF
	}
	if *httpPortF > 0 {
		cfg.Server.HTTPPort = *httpPortF
	}
	if *rtspPortF > 0 {
		cfg.Server.RTSPPort = *rtspPortF
	}
	level := cfg.SlogLevel()
	if *dbgF {
		level = slog.LevelDebug
	}
	logging.Init(level, cfg.Log.AddSource)
	logger := slog.With("component", "Main")

	if code := run(cfg, logger); code != 0 {
		os.Exit(code)
	}
}

// run owns the process-wide resources around the supervisor loop and
// returns the exit code
func run(cfg *config.Config, logger *slog.Logger) int {
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Error("failed to migrate database", "error", err)
		return 1
	}

	authenticator, err := auth.NewAuthenticator(auth.Options{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		TokenTTL:  cfg.Auth.TokenTTL,
	})
	if err != nil {
		logger.Error("failed to set up authentication", "error", err)
		return 1
	}

	bus := events.NewBus()
	defer bus.Close()

	eventHub := ws.NewEventHub()
	eventHub.Attach(bus)
	defer eventHub.Close()

	// Create channel used by both the signal handler and the supervisor
	// goroutine to notify the main goroutine when to stop.
	errc := make(chan error, 2)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MQTT.Enabled {
		publisher, err := notify.Connect(ctx, notify.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		})
		if err != nil {
			logger.Warn("mqtt notifications disabled", "error", err)
		} else {
			unsubscribe := publisher.Attach(bus)
			defer publisher.Close()
			defer unsubscribe()
		}
	}

	var telegram *notify.Telegram
	if cfg.Telegram.Enabled {
		telegram, err = notify.NewTelegram(notify.TelegramOptions{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Cooldown: cfg.Telegram.Cooldown,
		})
		if err != nil {
			logger.Warn("telegram alerts disabled", "error", err)
		} else {
			unsubscribe := telegram.Attach(bus)
			defer telegram.Close()
			defer unsubscribe()
		}
	}

	a := &app{
		cfg:       cfg,
		telegram:  telegram,
		db:        db,
		bus:       bus,
		eventHub:  eventHub,
		auth:      authenticator,
		startedAt: time.Now(),
	}
	sup := supervisor.New(supervisor.Config{
		MaxRestarts:  cfg.Supervisor.MaxRestarts,
		RestartDelay: cfg.Supervisor.RestartDelay,
	}, a.runGeneration)

	var supErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		supErr = sup.Run(ctx)
		errc <- supErr
	}()

	logger.Info("vigil started",
		"http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		"rtsp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.RTSPPort),
		"camera", cfg.Camera.Source)

	if err := <-errc; err != nil {
		logger.Info("exiting", "reason", err)
	}

	// Send cancellation signal to the pipeline and wait for it to tear down.
	cancel()
	wg.Wait()

	if errors.Is(supErr, supervisor.ErrRestartBudgetExhausted) {
		logger.Error("critical: pipeline cannot be kept running, giving up", "restarts", sup.Restarts(), "error", supErr)
		return 1
	}
	logger.Info("exited")
	return 0
}
