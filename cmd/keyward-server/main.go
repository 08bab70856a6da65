package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/halcyon-sec/keyward/internal/auth"
	"github.com/halcyon-sec/keyward/internal/engine"
	"github.com/halcyon-sec/keyward/internal/registry"
	"github.com/halcyon-sec/keyward/internal/roles"
	"github.com/halcyon-sec/keyward/internal/server"
	"github.com/halcyon-sec/keyward/internal/storage"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("KEYWARD_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("KEYWARD_PORT", "8084")
	rpcEndpoint := os.Getenv("KEYWARD_RPC_ENDPOINT")
	registryAddr := os.Getenv("KEYWARD_REGISTRY_ADDRESS")
	chainID := envOrDefaultInt("KEYWARD_CHAIN_ID", 1)
	signerKeyHex := os.Getenv("KEYWARD_SIGNER_KEY")
	ownerKind := envOrDefault("KEYWARD_OWNER_KIND", "eoa")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	authCacheTTL := envOrDefaultInt("KEYWARD_AUTH_CACHE_TTL_S", 30)

	logger.Info("starting keyward server",
		zap.String("port", port),
		zap.String("owner_kind", ownerKind),
		zap.Bool("onchain_registry", rpcEndpoint != ""),
	)

	// Registry — on-chain if an RPC endpoint is configured, otherwise
	// in-memory for local development.
	var (
		reg      registry.Registry
		closeReg func()
	)
	if rpcEndpoint != "" {
		if !common.IsHexAddress(registryAddr) {
			logger.Fatal("KEYWARD_REGISTRY_ADDRESS missing or invalid", zap.String("value", registryAddr))
		}
		cfg := registry.Config{
			RPCEndpoint:     rpcEndpoint,
			RegistryAddress: common.HexToAddress(registryAddr),
			ChainID:         big.NewInt(int64(chainID)),
			Logger:          logger,
		}
		if signerKeyHex != "" {
			key, err := crypto.HexToECDSA(signerKeyHex)
			if err != nil {
				logger.Fatal("invalid KEYWARD_SIGNER_KEY", zap.Error(err))
			}
			cfg.PrivateKey = key
		} else {
			logger.Warn("no KEYWARD_SIGNER_KEY set, registry client is read-only")
		}
		evm, err := registry.NewEVMRegistry(context.Background(), cfg)
		if err != nil {
			logger.Fatal("failed to connect registry", zap.Error(err))
		}
		reg = evm
		closeReg = evm.Close
		logger.Info("evm registry connected",
			zap.String("endpoint", rpcEndpoint),
			zap.String("contract", registryAddr),
			zap.Int("chain_id", chainID),
		)
	} else {
		reg = registry.NewMemoryRegistry()
		closeReg = func() {}
		logger.Info("no KEYWARD_RPC_ENDPOINT set, using in-memory registry")
	}
	defer closeReg()

	// Storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Auth — Postgres if DSN provided, otherwise static dev keys
	var authenticator auth.Authenticator
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("postgres authenticator connected")
	} else {
		authenticator = auth.NewStaticAuthenticator(staticKeysFromEnv(logger))
		logger.Info("using static authenticator (no POSTGRES_DSN)")
	}

	deps := &server.Dependencies{
		Registry:  reg,
		Engine:    engine.New(reg, logger),
		Auth:      authenticator,
		Writer:    writer,
		Logger:    logger,
		OwnerKind: roles.OwnerKind(ownerKind),
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("keyward server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

// staticKeysFromEnv parses KEYWARD_STATIC_KEYS, a comma-separated list
// of key=address pairs, e.g. "dwk_dev1=0xabc...,dwk_dev2=0xdef...".
func staticKeysFromEnv(logger *zap.Logger) map[string]common.Address {
	raw := os.Getenv("KEYWARD_STATIC_KEYS")
	keys := map[string]common.Address{}
	if raw == "" {
		return keys
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, addr, ok := strings.Cut(pair, "=")
		if !ok || !common.IsHexAddress(addr) {
			logger.Warn("skipping malformed static key entry", zap.String("entry", pair))
			continue
		}
		keys[key] = common.HexToAddress(addr)
	}
	return keys
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
