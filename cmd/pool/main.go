// Command pool runs the Stratum V2 extended-channel mining pool core:
// it terminates noise-encrypted miner connections, derives extended
// mining jobs from a Template Provider, validates submitted shares, and
// reports accepted work and found blocks to Redis/PostgreSQL.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/viddhana/sv2pool/internal/config"
	"github.com/viddhana/sv2pool/internal/jobcreator"
	"github.com/viddhana/sv2pool/internal/mining"
	"github.com/viddhana/sv2pool/internal/noise"
	"github.com/viddhana/sv2pool/internal/pool"
	"github.com/viddhana/sv2pool/internal/storage"
	"github.com/viddhana/sv2pool/internal/telemetry"
	"github.com/viddhana/sv2pool/internal/templaterx"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	extranonceDBPath := flag.String("extranonce-db", "extranonce.db", "path to the bbolt extranonce counter database")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, *extranonceDBPath); err != nil {
		logger.Fatal("pool exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, extranonceDBPath string) error {
	redisClient, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	postgresClient, err := storage.NewPostgresClient(ctx, cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer postgresClient.Close()

	extranonceStore, err := storage.NewExtranonceStore(extranonceDBPath)
	if err != nil {
		return fmt.Errorf("extranonce store: %w", err)
	}
	defer extranonceStore.Close()

	extranonce, err := mining.NewExtendedExtranonce(cfg.Pool.ExtranonceSize, nil, cfg.Pool.ExtranonceR1Bytes, extranonceStore)
	if err != nil {
		return fmt.Errorf("extranonce allocator: %w", err)
	}

	privKey, err := hex.DecodeString(cfg.Pool.AuthoritySecretKey)
	if err != nil {
		return fmt.Errorf("authority_secret_key: %w", err)
	}
	pubKey, err := hex.DecodeString(cfg.Pool.AuthorityPublicKey)
	if err != nil {
		return fmt.Errorf("authority_public_key: %w", err)
	}
	responder, err := noise.NewResponder(privKey, pubKey, time.Duration(cfg.Pool.CertValiditySec)*time.Second)
	if err != nil {
		return fmt.Errorf("noise responder: %w", err)
	}

	templateClient, err := templaterx.Connect(ctx, cfg.Pool.TPAddress, logger)
	if err != nil {
		return fmt.Errorf("template provider: %w", err)
	}
	defer templateClient.Close()

	telemetryManager := telemetry.NewManager()
	jc := jobcreator.New()

	p := pool.New(cfg.Pool, logger, responder, extranonce, jc, templateClient, telemetryManager, redisClient, postgresClient)

	if cfg.Pool.Metrics.Enabled {
		go startMetricsServer(cfg.Pool.Metrics.Port, logger)
	}

	logger.Info("starting sv2pool",
		zap.String("listen_address", cfg.Pool.ListenAddress),
		zap.String("template_provider", cfg.Pool.TPAddress),
	)

	return p.Run(ctx)
}

func startMetricsServer(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", zap.String("address", addr))

	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

// initLogger builds a zap.Logger from LoggingConfig: JSON or console
// encoding, ISO8601 timestamps, file-or-stdout output.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writer = zapcore.AddSync(f)
	} else {
		writer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writer, level)
	return zap.New(core, zap.AddCaller()), nil
}
