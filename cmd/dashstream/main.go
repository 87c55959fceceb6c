// dashstream connects to a dashboard push channel and streams decoded
// events to the console. It exercises the full client stack: token
// auth, reconnect with backoff, outbound batching, and health metrics.
//
// Usage: go run ./cmd/dashstream --config configs/client.example.yaml
//
// Required environment variables:
//
//	DASHBOARD_PUSH_TOKEN - short-lived push-channel token
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gymdesk/realtime/internal/batch"
	"github.com/gymdesk/realtime/internal/config"
	"github.com/gymdesk/realtime/internal/connection"
	"github.com/gymdesk/realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/client.example.yaml", "path to config file")
	metricsEvery := flag.Duration("metrics-every", 30*time.Second, "metrics dump interval")
	flag.Parse()

	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"})

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting dashstream",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"server_url", cfg.Server.URL,
	)

	token := os.Getenv("DASHBOARD_PUSH_TOKEN")
	if token == "" {
		logger.Error("DASHBOARD_PUSH_TOKEN is not set")
		os.Exit(1)
	}

	mgr := connection.NewManager(cfg.Server.URL, managerConfig(cfg), logger)
	defer mgr.Close()

	for _, eventType := range []string{"check_in_update", "notification_update", "member_update"} {
		et := eventType
		mgr.Subscribe(et, func(payload json.RawMessage) {
			logger.Info("event", "type", et, "payload", string(payload))
		})
	}

	mgr.SetAuthToken(token)

	// Announce presence so the server can scope broadcasts to this
	// dashboard instance.
	mgr.Send("client_hello", map[string]string{
		"instance_id": cfg.Instance.ID,
		"version":     version.Version,
	}, batch.PriorityHigh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*metricsEvery)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			return

		case <-ticker.C:
			snap := mgr.Metrics()
			logger.Info("connection health",
				"state", mgr.Status().String(),
				"quality", snap.Quality.Score,
				"sent", snap.Messages.Sent,
				"received", snap.Messages.Received,
				"errors", snap.Messages.Errors,
				"avg_latency", snap.Messages.AvgLatency,
				"queue_size", snap.Batcher.QueueSize,
				"dropped", snap.Batcher.Dropped,
			)
			if err := mgr.LastError(); err != nil {
				logger.Warn("last connection error", "error", err)
			}
		}
	}
}

// managerConfig maps the loaded file config onto the connection
// manager's knobs.
func managerConfig(cfg *config.ClientConfig) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.HandshakeTimeout = cfg.Server.HandshakeTimeout
	mc.WriteTimeout = cfg.Server.WriteTimeout
	mc.PingInterval = cfg.Server.PingInterval
	mc.PongTimeout = cfg.Server.PongTimeout
	mc.BackoffBase = cfg.Reconnect.BaseDelay
	mc.BackoffCap = cfg.Reconnect.MaxDelay
	mc.MaxAttempts = cfg.Reconnect.MaxAttempts
	mc.JitterFrac = cfg.Reconnect.JitterFrac
	mc.FlushInterval = cfg.Batching.FlushInterval
	mc.MaxBatchSize = cfg.Batching.MaxBatchSize
	mc.FlushThreshold = cfg.Batching.FlushThreshold
	mc.MaxQueueDepth = cfg.Batching.MaxQueueDepth
	mc.HealthInterval = cfg.Health.SampleInterval
	mc.LatencyWindowSize = cfg.Health.LatencyWindow
	mc.StabilityWindowSize = cfg.Health.StabilityWindow
	return mc
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
