package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"raftex/cmd/internal/passphrase"
	"raftex/config"
	"raftex/core"
	"raftex/crypto"
	"raftex/observability"
	"raftex/observability/logging"
	telemetry "raftex/observability/otel"
	"raftex/rpc"
	"raftex/storage"
)

const (
	genesisPathEnv = "RAFTEX_GENESIS"

	ledgerSnapshotInterval = 15 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides RAFTEX_GENESIS and config GenesisFile)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RAFTEX_ENV"))
	logger := logging.Setup("raftexd", env)

	passSource := passphrase.NewSource(config.KeystorePassphraseEnv)

	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.LogFile) != "" {
		logger = logging.SetupWithOptions("raftexd", env, logging.Options{FilePath: cfg.LogFile})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "raftexd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err), slog.String("data_dir", cfg.DataDir))
		os.Exit(1)
	}
	defer db.Close()

	operatorKey, err := loadOperatorKey(cfg, passSource.Get)
	if err != nil {
		logger.Error("Failed to load operator key", slog.Any("error", err), slog.String("keystore", cfg.OperatorKeystorePath))
		os.Exit(1)
	}

	genesisPath := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv)
	var genesisDoc *core.Genesis
	if genesisPath != "" {
		genesisDoc, err = core.LoadGenesis(genesisPath)
		if err != nil {
			logger.Error("Failed to load genesis document", slog.Any("error", err), slog.String("path", genesisPath))
			os.Exit(1)
		}
	} else {
		logger.Warn("No genesis file configured; a fresh database boots from the built-in local genesis")
	}

	node, err := core.NewNode(db, operatorKey, genesisDoc)
	if err != nil {
		logger.Error("Failed to initialise node", slog.Any("error", err))
		os.Exit(1)
	}

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:   cfg.RPCAuthToken,
		AdminSecret: cfg.AdminSecret,
		RateLimit:   rate.Every(time.Duration(cfg.RateLimit.MutationEverySeconds) * time.Second),
		RateBurst:   cfg.RateLimit.MutationBurst,
		ServiceName: "raftexd",
	})

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(cfg.RPCAddress)
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	go publishLedgerMetrics(ctx, node, logger)

	logger.Info("Exchange node initialised and running",
		slog.String("chain", node.ChainName()),
		slog.Uint64("height", node.Height()),
		slog.String("owner", node.OwnerAddress().String()),
		slog.String("rpc", cfg.RPCAddress),
	)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err, ok := <-rpcErrCh:
		if ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("RPC shutdown failed", slog.Any("error", err))
	}
}

type envLookupFunc func(string) (string, bool)

// loadOperatorKey unlocks the operator keystore with the resolved passphrase.
// The same source backs keystore creation in config.Load, so a prompt issued
// there is reused here instead of asking twice.
func loadOperatorKey(cfg *config.Config, resolvePassphrase func() (string, error)) (*crypto.PrivateKey, error) {
	if resolvePassphrase == nil {
		return nil, fmt.Errorf("operator keystore passphrase required; set %s or run interactively", config.KeystorePassphraseEnv)
	}
	secret, err := resolvePassphrase()
	if err != nil {
		return nil, fmt.Errorf("obtain operator keystore passphrase: %w", err)
	}
	return crypto.LoadFromKeystore(cfg.OperatorKeystorePath, secret)
}

// resolveGenesisPath picks the genesis document: CLI flag first, then the
// RAFTEX_GENESIS environment variable, then the config entry. An empty result
// means a fresh database boots from the built-in local genesis.
func resolveGenesisPath(cliPath, cfgPath string, lookup envLookupFunc) string {
	if trimmed := strings.TrimSpace(cliPath); trimmed != "" {
		return trimmed
	}
	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return strings.TrimSpace(cfgPath)
}

// publishLedgerMetrics refreshes the pool/book value gauges so operators can
// watch the two ledgers drift between state transitions.
func publishLedgerMetrics(ctx context.Context, node *core.Node, logger *slog.Logger) {
	ticker := time.NewTicker(ledgerSnapshotInterval)
	defer ticker.Stop()
	for {
		values, err := node.LedgerValues()
		if err != nil {
			logger.Warn("Ledger metrics snapshot failed", slog.Any("error", err))
		} else {
			observability.Ledger().RecordSnapshot(node.Height(), values.PoolValue, values.BookValue)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// waitForRPCStartup polls addr until the listener accepts connections, the
// server goroutine reports an error, or the timeout elapses.
func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok || err == nil {
				return fmt.Errorf("RPC server exited before startup confirmation")
			}
			return err
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok || err == nil {
				return fmt.Errorf("RPC server exited before startup confirmation")
			}
			return err
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
