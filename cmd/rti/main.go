// Command rti runs the startup-synchronization coordinator for one
// federation: it accepts a fixed number of federate connections,
// computes the agreed logical start time, delivers it to every
// federate, and exits.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ReactorMesh/federation-rti/internal/audit"
	"github.com/ReactorMesh/federation-rti/internal/config"
	"github.com/ReactorMesh/federation-rti/internal/logging"
	"github.com/ReactorMesh/federation-rti/internal/metrics"
	"github.com/ReactorMesh/federation-rti/internal/rti"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		FilePath:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("federation failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	federationID := uuid.NewString()
	logger.Info("starting federation run",
		zap.String("federation_id", federationID),
		zap.Int("federation_size", cfg.FederationSize))

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)
	recorder.SetFederationSize(cfg.FederationSize)
	recorder.SetBarrierPending(cfg.FederationSize)

	metricsSrv := startMetricsServer(cfg.MetricsAddr, registry, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}()

	var auditor rti.Auditor
	if cfg.Audit.Enabled {
		producer, err := audit.NewSyncProducer(audit.ProducerConfig{
			Brokers:       cfg.Audit.Brokers,
			ClientID:      cfg.Audit.ClientID,
			RetryMax:      cfg.Audit.RetryMax,
			RetryBackoff:  cfg.Audit.RetryBackoff,
			TLS:           cfg.Audit.TLS,
			TLSCAPath:     cfg.Audit.TLSCAPath,
			TLSCertPath:   cfg.Audit.TLSCertPath,
			TLSKeyPath:    cfg.Audit.TLSKeyPath,
			SASLEnabled:   cfg.Audit.SASLEnabled,
			SASLMechanism: cfg.Audit.SASLMechanism,
			SASLUsername:  cfg.Audit.SASLUsername,
			SASLPassword:  cfg.Audit.SASLPassword,
		})
		if err != nil {
			return err
		}
		publisher, err := audit.NewPublisher(audit.Options{
			Producer:     producer,
			Topic:        cfg.Audit.Topic,
			RetryMax:     cfg.Audit.RetryMax,
			RetryBackoff: cfg.Audit.RetryBackoff,
			Logger:       logger,
		})
		if err != nil {
			producer.Close()
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("audit publisher close failed", zap.Error(err))
			}
		}()
		auditor = publisher
		logger.Info("audit publishing enabled", zap.String("topic", cfg.Audit.Topic))
	}

	server, err := rti.New(rti.Config{
		ListenAddr:     cfg.ListenAddr,
		FederationSize: cfg.FederationSize,
		AcceptTimeout:  cfg.AcceptTimeout,
		BarrierTimeout: cfg.BarrierTimeout,
		FederationID:   federationID,
	}, logger, recorder, auditor)
	if err != nil {
		return err
	}

	return server.Run(ctx)
}

func startMetricsServer(addr string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
