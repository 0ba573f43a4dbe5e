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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ccxchain/config"
	"ccxchain/core/events"
	"ccxchain/mpc"
	"ccxchain/native/exchange"
	"ccxchain/observability/logging"
	"ccxchain/rpc"
	"ccxchain/storage"
)

const rpcTokenEnv = "CCX_RPC_TOKEN"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CCX_ENV"))
	logger := logging.Setup("ccxd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if cfg.Environment != "" {
		env = cfg.Environment
	}

	authToken := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if authToken == "" {
		authToken = cfg.RPCAuthToken
	}
	if authToken == "" {
		logger.Warn("no RPC auth token configured, state-changing methods will be refused",
			slog.String("env_var", rpcTokenEnv))
	}

	dbPath := filepath.Join(cfg.DataDir, "ledger")
	db, err := storage.NewLevelDB(dbPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	state := storage.NewState(db)
	recorder := events.NewRecorder()

	engine := exchange.NewEngine()
	engine.SetState(state)
	engine.SetEmitter(recorder)

	cluster := mpc.NewCluster(engine.VerificationCallback(),
		mpc.WithEmitter(recorder),
		mpc.WithLogger(logging.Component(logger, "mpc")),
		mpc.WithQueueDepth(cfg.ComputeQueueSize),
	)
	defer cluster.Close()
	engine.SetGateway(cluster)

	server := rpc.NewServer(engine, recorder, authToken)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting JSON-RPC server",
			slog.String("addr", cfg.ListenAddress),
			slog.String("network", cfg.NetworkName))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
