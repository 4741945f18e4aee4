// gpsgate daemon -- multi-protocol GPS tracker ingestion gateway
// (GT06/Concox and Teltonika FMB).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/gpsgate/internal/config"
	"github.com/fleetops/gpsgate/internal/forward"
	"github.com/fleetops/gpsgate/internal/gateway"
	"github.com/fleetops/gpsgate/internal/gt06"
	gatemetrics "github.com/fleetops/gpsgate/internal/metrics"
	"github.com/fleetops/gpsgate/internal/protocol"
	"github.com/fleetops/gpsgate/internal/server"
	"github.com/fleetops/gpsgate/internal/store"
	"github.com/fleetops/gpsgate/internal/teltonika"
	appversion "github.com/fleetops/gpsgate/internal/version"
)

// startupTimeout bounds the initial database and Redis health checks,
// schema bootstrap and first sync. A backend that cannot answer within
// this window is treated as down.
const startupTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	envPath := flag.String("env", "", "path to .env file with configuration overrides")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("gpsgate"))
		return 0
	}

	// 2. Load config: optional .env file, then process environment.
	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load env file",
				slog.String("path", *envPath),
				slog.String("error", err.Error()),
			)
			return 1
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger.
	logger := newLogger(cfg)

	logger.Info("gpsgate starting",
		slog.String("version", appversion.Version),
		slog.Int("gt06_port", cfg.GT06Port),
		slog.Int("teltonika_port", cfg.TeltonikaPort),
		slog.Int("api_port", cfg.APIPort),
	)

	// 4. Run the gateway.
	if err := runGateway(cfg, logger); err != nil {
		logger.Error("gpsgate exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gpsgate stopped")
	return 0
}

// runGateway wires backends, listeners and the admin API together and
// runs them under an errgroup with a signal-aware context.
func runGateway(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// Backends: PostgreSQL pool and Redis client, both health-checked
	// before any listener opens.
	pool, rdb, err := connectBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}()

	// Metrics.
	reg := prometheus.NewRegistry()
	collector := gatemetrics.NewCollector(reg)

	// Store: schema bootstrap plus one sync so the allow-list is warm
	// before the first login arrives.
	st := store.New(rdb, pool, authMode(cfg), collector, logger)
	defer st.Close()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := st.Migrate(startCtx); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	if err := st.Sync(startCtx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	fwd := forward.New(cfg.DataForwardURL, cfg.SecretKey, collector, logger)

	gt06GW := gateway.New(gatewayOptions(cfg, gt06.NewCodec(cfg.GT06AdditiveChecksum), cfg.GT06Port),
		st, fwd, collector, logger)
	teltonikaGW := gateway.New(gatewayOptions(cfg, teltonika.NewCodec(cfg.TeltonikaStrictCRC), cfg.TeltonikaPort),
		st, fwd, collector, logger)

	api := server.New(
		fmt.Sprintf(":%d", cfg.APIPort),
		cfg.SecretKey,
		st,
		[]server.Dispatcher{gt06GW, teltonikaGW},
		reg,
		logger,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return gt06GW.Run(gCtx) })
	g.Go(func() error { return teltonikaGW.Run(gCtx) })
	g.Go(func() error { return api.Run(gCtx) })
	g.Go(func() error {
		err := st.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run gateway: %w", err)
	}
	return nil
}

// connectBackends opens and health-checks the PostgreSQL pool and the
// Redis client. Either backend being down is fatal at startup.
func connectBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, *redis.Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PrimaryDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBPoolSize)

	pool, err := pgxpool.NewWithConfig(pingCtx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", slog.Int("pool_size", cfg.DBPoolSize))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected", slog.String("addr", cfg.RedisAddr()))

	return pool, rdb, nil
}

// gatewayOptions derives per-port listener options from the config.
func gatewayOptions(cfg *config.Config, codec protocol.Codec, port int) gateway.Options {
	return gateway.Options{
		Addr:              fmt.Sprintf(":%d", port),
		Codec:             codec,
		MaxConnections:    cfg.MaxConnectionsPerPort,
		IdleTimeout:       cfg.SocketTimeout(),
		KeepAliveInterval: cfg.KeepAliveTimeout(),
		ShutdownGrace:     cfg.ConTimeout(),
	}
}

// authMode maps the configured fallback policy onto the store's mode.
func authMode(cfg *config.Config) store.AuthMode {
	if cfg.AuthFallback == "lenient" {
		return store.AuthLenient
	}
	return store.AuthStrict
}

// newLogger builds the process logger: colorized text in development,
// JSON in production.
func newLogger(cfg *config.Config) *slog.Logger {
	level := config.ParseLogLevel(cfg.LogLevel)

	var handler slog.Handler
	if cfg.Development() {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
