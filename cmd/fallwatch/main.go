// cmd/fallwatch/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fall-detection-client/internal/alerting"
	"fall-detection-client/internal/api"
	"fall-detection-client/internal/auth"
	"fall-detection-client/internal/config"
	"fall-detection-client/internal/realtime"
	"fall-detection-client/internal/websocket"
)

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fallwatch stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	hub := websocket.NewHub(logger)

	sinks, cooldown, closeSinks := buildSinks(ctx, cfg.Notifications, hub, logger)
	defer closeSinks()

	dispatcher := alerting.NewDispatcher(alerting.Policy{
		Enabled:         cfg.Notifications.Enabled,
		MinimumSeverity: cfg.Notifications.MinimumSeverityLevel(),
		Cooldown:        cfg.Notifications.Cooldown,
	}, sinks, alerting.WithLogger(logger), alerting.WithCooldown(cooldown))

	dialer := websocket.NewDialer(cfg.Client.HandshakeTimeout)
	client := realtime.New(cfg.Realtime(),
		func(ctx context.Context, url string) (realtime.Conn, error) {
			conn, err := dialer.Dial(ctx, url)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		dispatcher,
		realtime.WithLogger(logger),
	)
	defer client.Close()

	handler := api.NewAPIHandler(client, dispatcher, auth.NewManager(cfg.API.Auth), hub, logger)

	go hub.Run(ctx)
	go dispatcher.Run(ctx)
	go handler.StreamSnapshots(ctx)

	if cfg.Server.AutoConnect {
		client.Connect(cfg.Server.Host, cfg.Server.Port)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           api.SetupRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting local API", "port", cfg.API.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			client.Disconnect()
			return fmt.Errorf("local API: %w", err)
		}
	}

	logger.Info("shutting down")
	client.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown local API: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// buildSinks creates the configured notification channels. Channels that
// cannot be reached at startup are logged and skipped.
func buildSinks(ctx context.Context, n config.Notifications, hub *websocket.Hub, logger *slog.Logger) ([]alerting.Sink, alerting.Cooldown, func()) {
	sinks := []alerting.Sink{alerting.LogSink{Logger: logger}, alerting.HubSink{Hub: hub}}
	var closers []func()

	if n.SlackWebhook != "" {
		slack, err := alerting.NewSlackSink(n.SlackWebhook)
		if err != nil {
			logger.Warn("slack notifications disabled", "error", err)
		} else {
			sinks = append(sinks, slack)
		}
	}

	if n.NATSURL != "" {
		natsSink, err := alerting.NewNATSSink(n.NATSURL, n.NATSSubject, logger)
		if err != nil {
			logger.Warn("nats notifications disabled", "error", err)
		} else {
			sinks = append(sinks, natsSink)
			closers = append(closers, natsSink.Close)
		}
	}

	var cooldown alerting.Cooldown = alerting.NewMemoryCooldown()
	if n.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		rc, err := alerting.NewRedisCooldown(pingCtx, n.RedisAddr)
		cancel()
		if err != nil {
			logger.Warn("redis cooldown unavailable, using in-memory cooldown", "error", err)
		} else {
			cooldown = rc
			closers = append(closers, func() { rc.Close() })
		}
	}

	return sinks, cooldown, func() {
		for _, c := range closers {
			c()
		}
	}
}
