package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/exchange"
	"spot_trader/internal/leader"
	"spot_trader/internal/monitor"
	"spot_trader/internal/pool"
	"spot_trader/internal/queue"
	"spot_trader/internal/repository"
	"spot_trader/internal/risk"
	"spot_trader/internal/server"
	"spot_trader/internal/signal"
	"spot_trader/internal/trading/order"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/logging"
	"spot_trader/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	logger.Info("Starting trading engine", "version", version, "listen_addr", cfg.App.ListenAddr)

	metrics := telemetry.GetGlobalMetrics()

	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open database", "error", err)
	}
	defer store.Close()

	redis := coordination.NewRedisCoordinator(cfg.Redis.Addr, cfg.Redis.Password.Reveal(), cfg.Redis.DB, logger)
	defer redis.Close()
	coord := coordination.NewFallbackCoordinator(redis, logger, metrics)
	cache := coordination.NewCache(coord)

	var mockVenue core.IExchange
	if cfg.Gateway.MockBaseURL != "" {
		mockVenue = exchange.NewRESTVenue(exchange.VenueMock, cfg.Gateway.MockBaseURL, "", cfg.Gateway.SubmitTimeout)
		logger.Info("Mock venue enabled", "base_url", cfg.Gateway.MockBaseURL)
	}
	newBreaker := func(venue string) *exchange.CircuitBreaker {
		return exchange.NewCircuitBreaker(venue, exchange.BreakerConfig{
			FailureThreshold: cfg.Gateway.FailureThreshold,
			SuccessThreshold: cfg.Gateway.SuccessThreshold,
			ResetTimeout:     cfg.Gateway.ResetTimeout,
			HalfOpenMaxCalls: cfg.Gateway.HalfOpenMaxCalls,
		}, metrics)
	}
	gateway := exchange.NewGateway(cfg.Gateway, cfg.App.EncryptionKey.Reveal(), mockVenue, newBreaker, logger)
	defer gateway.CloseAll()

	orders := order.NewService(store, gateway, logger, metrics)
	positions := position.NewManager(store, gateway, orders, coord, logger, metrics, cfg.Engine.EstimatedExitFeeRate)
	poolMgr := pool.NewManager(store, logger, cfg.Engine.MaxOpenPositionsGlobal, cfg.Engine.PerUserPools)
	gate := risk.NewGate(store, logger)
	queueMgr := queue.NewManager(store, gateway, positions, gate, poolMgr, cache, cfg.Engine, logger, metrics)
	fillMonitor := monitor.NewMonitor(store, gateway, orders, positions, cache, cfg.Engine, cfg.Concurrency, logger, metrics)
	riskEngine := risk.NewEngine(store, gateway, positions, cache, cfg.Engine, logger, metrics)
	router := signal.NewRouter(store, coord, positions, logger, metrics)

	watchdog := leader.NewWatchdog(cache, cfg.Leader, logger, metrics)
	watchdog.Register(leader.Task{Name: "queue_manager", Critical: true, Start: queueMgr.Start, Stop: queueMgr.Stop})
	watchdog.Register(leader.Task{Name: "fill_monitor", Critical: true, Start: fillMonitor.Start, Stop: fillMonitor.Stop})
	watchdog.Register(leader.Task{Name: "risk_engine", Critical: true, Start: riskEngine.Start, Stop: riskEngine.Stop})

	onElected := func(ctx context.Context) {
		logger.Info("Elected leader, starting background loops")
		queueMgr.Start(ctx)
		fillMonitor.Start(ctx)
		riskEngine.Start(ctx)
		watchdog.Start(ctx)
	}
	onDemoted := func() {
		logger.Warn("Lost leadership, stopping background loops")
		watchdog.Stop()
		queueMgr.Stop()
		fillMonitor.Stop()
		riskEngine.Stop()
	}
	elector := leader.NewElector(coord, cfg.Leader, onElected, onDemoted, logger, metrics)
	elector.Start(ctx)
	defer elector.Stop()

	httpServer := server.New(server.Deps{
		Config:     cfg,
		Store:      store,
		Coord:      coord,
		Cache:      cache,
		Gateway:    gateway,
		Router:     router,
		Positions:  positions,
		Gate:       gate,
		Monitor:    fillMonitor,
		RiskEngine: riskEngine,
		Elector:    elector,
		Watchdog:   watchdog,
		Logger:     logger,
		Metrics:    metrics,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.App.ListenAddr)
		return httpServer.ListenAndServe(gctx)
	})

	if cfg.Telemetry.EnableMetrics {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Telemetry.MetricsPort, logger)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Engine.PoolReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if !elector.IsLeader() {
					continue
				}
				if err := poolMgr.Reconcile(gctx); err != nil {
					logger.Warn("Pool reconcile failed", "error", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		logger.Error("Engine exited with error", "error", err)
	}
	logger.Info("Trading engine stopped")
}

func serveMetrics(ctx context.Context, port int, logger core.ILogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Metrics exporter listening", "port", port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
