package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	bolt "go.etcd.io/bbolt"

	"smsblast/internal/api"
	"smsblast/internal/classify"
	"smsblast/internal/config"
	"smsblast/internal/engine"
	"smsblast/internal/health"
	"smsblast/internal/metrics"
	"smsblast/internal/monitor"
	"smsblast/internal/ratelimit"
	"smsblast/internal/rotation"
	"smsblast/internal/store"
	"smsblast/internal/transport"
)

// App is the main application
type App struct {
	config        *config.Config
	configPath    string
	db            *store.DB
	limiterDB     *bolt.DB
	limiter       *ratelimit.Limiter
	healthStore   *health.Store
	engine        *engine.Manager
	broadcaster   *monitor.Broadcaster
	mqttSink      *monitor.MQTTSink
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, configPath string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	m := metrics.New()
	metrics.SetGlobal(m)

	db, err := store.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	campaigns := store.NewCampaignRepository(db)
	messages := store.NewMessageRepository(db)
	recipients := store.NewRecipientRepository(db)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.RateLimitPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ratelimit directory: %w", err)
	}
	limiterDB, err := bolt.Open(cfg.Storage.RateLimitPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ratelimit database: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(limiterDB, &cfg.RateLimit, logger.With("component", "ratelimit"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	broadcaster := monitor.NewBroadcaster(cfg.Monitor.Buffer, logger.With("component", "broadcaster"))

	var mqttSink *monitor.MQTTSink
	if cfg.Monitor.MQTT.Enabled {
		mqttSink, err = monitor.NewMQTTSink(cfg.Monitor.MQTT, logger.With("component", "mqtt"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect mqtt sink: %w", err)
		}
		broadcaster.AddSink(mqttSink)
		logger.Info("mqtt event sink enabled", "broker", cfg.Monitor.MQTT.Broker)
	}

	healthStore := health.NewStore(cfg.Health)
	healthStore.OnFlip(func(snap health.Snapshot) {
		metrics.SetServerHealthy(snap.ID, string(snap.Type), snap.Healthy)
		broadcaster.Publish(monitor.SystemTopic, monitor.Event{
			Type: monitor.EventServerStatus,
			Data: monitor.ServerStatus{
				ServerID: snap.ID,
				Type:     string(snap.Type),
				Healthy:  snap.Healthy,
				Score:    snap.Score,
			},
		})
		metrics.IncEventsPublished(string(monitor.EventServerStatus))
	})
	for _, g := range cfg.Gateways {
		if err := healthStore.Register(g.ID, health.TypeGateway); err != nil {
			return nil, fmt.Errorf("failed to register gateway %s: %w", g.ID, err)
		}
		metrics.SetServerHealthy(g.ID, string(health.TypeGateway), true)
	}
	for _, r := range cfg.Relays {
		if err := healthStore.Register(r.ID, health.TypeRelay); err != nil {
			return nil, fmt.Errorf("failed to register relay %s: %w", r.ID, err)
		}
		metrics.SetServerHealthy(r.ID, string(health.TypeRelay), true)
	}

	rotationMgr := rotation.NewManager(healthStore, cfg.Rotation.Weights)
	classifier := classify.New(&cfg.Classify)

	gateways := transport.NewGatewayPool(cfg.Gateways, cfg.Engine.SendTimeout, logger.With("component", "gateway"))
	relays := transport.NewRelayPool(cfg.Relays, cfg.Server.Hostname, cfg.Engine.SendTimeout, logger.With("component", "relay"))

	engineCfg := cfg.Engine
	engineCfg.GatewayStrategy = cfg.Rotation.GatewayStrategy
	engineCfg.RelayStrategy = cfg.Rotation.RelayStrategy
	engineMgr := engine.NewManager(engine.Options{
		Config:     engineCfg,
		Campaigns:  campaigns,
		Messages:   messages,
		Recipients: recipients,
		Limiter:    limiter,
		Rotation:   rotationMgr,
		Health:     healthStore,
		Gateways:   gateways,
		Relays:     relays,
		Classifier: classifier,
		Events:     broadcaster,
		Logger:     logger,
	})

	apiServer := api.NewServer(api.Options{
		Config: api.Config{
			ListenAddr:        cfg.API.ListenAddr,
			ReadTimeout:       cfg.API.ReadTimeout,
			WriteTimeout:      cfg.API.WriteTimeout,
			HeartbeatInterval: cfg.Monitor.HeartbeatTimeout / 3,
		},
		Campaigns:  campaigns,
		Recipients: recipients,
		Messages:   messages,
		Engine:     engineMgr,
		Health:     healthStore,
		Events:     broadcaster,
		Logger:     logger,
	})

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	return &App{
		config:        cfg,
		configPath:    configPath,
		db:            db,
		limiterDB:     limiterDB,
		limiter:       limiter,
		healthStore:   healthStore,
		engine:        engineMgr,
		broadcaster:   broadcaster,
		mqttSink:      mqttSink,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		logger:        logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting smsblast",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"gateways", len(a.config.Gateways),
		"relays", len(a.config.Relays),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 3)

	go func() {
		if err := a.engine.Run(ctx); err != nil {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.configPath != "" {
		if err := a.watchConfig(ctx); err != nil {
			a.logger.Warn("config watch disabled", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the engine first: running campaigns pause at the next message
	// boundary and resume on restart.
	a.engine.Shutdown()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.mqttSink != nil {
		a.mqttSink.Close()
	}

	// Stop rate limiter (persists window counters)
	if err := a.limiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}
	if err := a.limiterDB.Close(); err != nil {
		a.logger.Error("ratelimit database close error", "error", err)
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// watchConfig hot-reloads the per-carrier rate table when the config file
// changes. Other settings require a restart.
func (a *App) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(a.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(a.configPath)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				a.reloadRateLimits()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("config watch error", "error", err)
			}
		}
	}()

	a.logger.Info("watching config for rate-limit changes", "path", a.configPath)
	return nil
}

func (a *App) reloadRateLimits() {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		a.logger.Error("config reload skipped", "error", err)
		return
	}

	a.limiter.SetLimits(cfg.RateLimit.Carriers, cfg.RateLimit.Default)
	a.logger.Info("rate limits reloaded", "carriers", len(cfg.RateLimit.Carriers))
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
