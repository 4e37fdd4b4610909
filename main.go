// Application entry point: loads configuration, wires the relay, lobby
// matching and history, and serves until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erilali/studybuddy/internal/api"
	"github.com/erilali/studybuddy/internal/config"
	"github.com/erilali/studybuddy/internal/history"
	"github.com/erilali/studybuddy/internal/hub"
	"github.com/erilali/studybuddy/internal/lobby"
	"github.com/erilali/studybuddy/internal/logger"
	"github.com/erilali/studybuddy/internal/presence"
	"github.com/erilali/studybuddy/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	hubShutdownTimeout  = 5 * time.Second
	metricsFlushTimeout = 5 * time.Second
	lobbyAPITimeout     = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v, using defaults\n", err)
		if verr := cfg.Validate(); verr != nil {
			fmt.Printf("Invalid configuration: %v\n", verr)
			os.Exit(1)
		}
	}

	logger.InitLogger(cfg.Log)
	serverLogger := logger.NewLogger("server")
	serverLogger.WithFields(map[string]interface{}{
		"level":         cfg.Log.Level,
		"log_to_file":   cfg.Log.LogToFile,
		"log_to_json":   cfg.Log.LogToJSON,
		"lobby_backend": cfg.Lobby.Backend,
	}).Info("Logger initialized with configuration")

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, serverLogger); err != nil {
		serverLogger.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
	serverLogger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	meterProvider, shutdownMetrics, err := telemetry.Init(ctx, cfg.Metrics, logger.NewLogger("telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), metricsFlushTimeout)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			log.Warnf("metrics shutdown: %v", err)
		}
	}()

	store, closeStore, err := openLobbyStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache := openHistory(ctx, cfg.Redis, logger.NewLogger("history"))
	defer closeCache()

	nc, js := api.ConnectNats(cfg.Nats.URL, logger.NewLogger("nats"))
	if nc != nil {
		defer nc.Close()
	}

	sinks := []hub.MessageSink{cache}
	if js != nil {
		sinks = append(sinks, hub.NewNatsMirror(js))
	}

	h := hub.New(hub.Options{
		Logger: logger.NewLogger("hub"),
		Presence: presence.New(presence.Options{
			StaleAfter:    cfg.Presence.StaleAfter,
			SweepInterval: cfg.Presence.SweepInterval,
			Logger:        logger.NewLogger("presence"),
		}),
		Archive:        sinks,
		RateLimit:      cfg.WS.RateLimit.Burst,
		RateInterval:   cfg.WS.RateLimit.RefillInterval,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		AllowedOrigins: cfg.WS.AllowedOrigins,
		MeterProvider:  meterProvider,
	})
	go h.Run()
	defer func() {
		if err := h.Shutdown(hubShutdownTimeout); err != nil {
			log.Warnf("hub shutdown: %v", err)
		}
	}()

	matcher := lobby.NewMatcher(store, logger.NewLogger("lobby"))
	if purger, ok := store.(lobby.Purger); ok {
		janitor := lobby.NewJanitor(purger, cfg.Lobby.PurgeAfter, cfg.Lobby.PurgeInterval, logger.NewLogger("janitor"))
		janitor.Start(ctx)
		defer janitor.Stop()
	}

	srv := api.NewServer(api.Deps{
		Hub:       h,
		Matcher:   matcher,
		History:   cache,
		Nats:      nc,
		JetStream: js,
		Logger:    log,
	})

	ln, err := api.Listen(cfg.Port, cfg.PortRetries, log)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, ln)
}

// openLobbyStore returns the configured lobby backend and its cleanup func.
func openLobbyStore(cfg config.Config) (lobby.Store, func(), error) {
	switch cfg.Lobby.Backend {
	case config.BackendHTTP:
		client := &http.Client{Timeout: lobbyAPITimeout}
		return lobby.NewHTTPStore(cfg.Lobby.APIURL, client), func() {}, nil
	case config.BackendPostgres:
		store, err := lobby.OpenPostgres(cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return lobby.NewMemoryStore(time.Now), func() {}, nil
	}
}

// openHistory uses Redis when an address is configured and reachable, and
// an in-process cache otherwise.
func openHistory(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (history.Cache, func()) {
	if cfg.Addr == "" {
		log.Info("Redis not configured, keeping room history in memory")
		return history.NewMemoryCache(history.DefaultLimit), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Errorf("Error connecting to Redis at %s: %v", cfg.Addr, err)
		log.Warn("Keeping room history in memory.")
		closeQuietly(rdb)
		return history.NewMemoryCache(history.DefaultLimit), func() {}
	}
	log.Infof("Successfully connected to Redis at %s", cfg.Addr)
	return history.NewRedisCache(rdb, history.DefaultLimit, history.DefaultTTL), func() { closeQuietly(rdb) }
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
