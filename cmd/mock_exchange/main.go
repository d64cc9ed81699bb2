package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spot_trader/internal/mockex"
	"spot_trader/pkg/logging"
)

var (
	addrFlag   = flag.String("addr", ":9100", "Listen address")
	dbFlag     = flag.String("db", ":memory:", "sqlite database path")
	apiKeyFlag = flag.String("api-key", "", "Require this X-API-Key on all requests (empty disables auth)")
	logLevel   = flag.String("log-level", "INFO", "Log level")
)

func main() {
	flag.Parse()

	if env := os.Getenv("MOCK_EXCHANGE_ADDR"); env != "" {
		*addrFlag = env
	}
	if env := os.Getenv("MOCK_EXCHANGE_DB"); env != "" {
		*dbFlag = env
	}
	if env := os.Getenv("MOCK_EXCHANGE_API_KEY"); env != "" {
		*apiKeyFlag = env
	}

	logger, err := logging.NewZapLogger(*logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	store, err := mockex.Open(*dbFlag)
	if err != nil {
		logger.Fatal("Failed to open mock exchange store", "db", *dbFlag, "error", err)
	}
	defer store.Close()

	svc := mockex.NewService(store, *apiKeyFlag, logger)
	srv := &http.Server{
		Addr:              *addrFlag,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown was not clean", "error", err)
		}
	}()

	logger.Info("Mock exchange listening", "addr", *addrFlag, "db", *dbFlag)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Mock exchange server failed", "error", err)
	}
	logger.Info("Mock exchange stopped")
}
