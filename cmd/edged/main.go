package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"edgeonboard/internal/api"
	"edgeonboard/internal/auth"
	"edgeonboard/internal/ca"
	"edgeonboard/internal/config"
	"edgeonboard/internal/enroll"
	"edgeonboard/internal/events"
	"edgeonboard/internal/metrics"
	"edgeonboard/internal/store"
	"edgeonboard/internal/tasks"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("Starting edged fleet server",
		"http_addr", cfg.HTTPAddr,
		"device_addr", cfg.DeviceAddr,
		"ca_dir", cfg.CADir,
		"db_host", cfg.DBHost,
		"nats_url", cfg.NATSURL,
		"requeue_after", cfg.RequeueAfter,
		"log_level", cfg.LogLevel)

	signer, err := ca.NewLocalSigner(cfg.CADir, cfg.CertValidity, logger)
	if err != nil {
		logger.Error("Failed to initialize fleet CA", "error", err)
		os.Exit(1)
	}

	var devices store.DeviceStore
	var taskStore store.TaskStore
	if cfg.DBHost != "" {
		pg, err := store.NewPostgres(cfg.DBHost, strconv.Itoa(cfg.DBPort),
			cfg.DBUser, cfg.DBPassword, cfg.DBName, logger)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		devices, taskStore = pg, pg
		logger.Info("Connected to PostgreSQL database")
	} else {
		mem := store.NewMemory()
		devices, taskStore = mem, mem
		logger.Warn("Using in-memory store; device records will not survive a restart")
	}

	var pub *events.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		pub = events.NewPublisher(nc, logger)
		logger.Info("Connected to NATS")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	enrollSvc := enroll.NewService(devices, signer, pub, m, logger)
	taskSvc := tasks.NewService(taskStore, pub, m, logger)
	taskSvc.SetPollLimit(cfg.PollLimit)

	admin := auth.NewMiddleware(auth.NewStaticVerifier(cfg.AdminToken, "edge-admin"), "edge-admin", 128, logger)
	server := api.NewServer(enrollSvc, taskSvc, devices, admin, signer.CACertPEM(), m, reg, logger)

	serverCert, err := signer.ServerCertificate(strings.Split(cfg.ServerHosts, ","))
	if err != nil {
		logger.Error("Failed to issue server certificate", "error", err)
		os.Exit(1)
	}
	deviceTLS, err := server.DeviceTLSConfig(serverCert)
	if err != nil {
		logger.Error("Failed to build device TLS config", "error", err)
		os.Exit(1)
	}

	publicSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.PublicHandler(),
		TLSConfig:    &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{serverCert}},
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	deviceSrv := &http.Server{
		Addr:         cfg.DeviceAddr,
		Handler:      server.DeviceHandler(),
		TLSConfig:    deviceTLS,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if cfg.RequeueAfter > 0 {
		go taskSvc.RunRequeueSweep(sweepCtx, cfg.RequeueInterval, cfg.RequeueAfter)
	} else {
		logger.Info("Stale task requeue disabled")
	}

	go func() {
		logger.Info("Starting bootstrap/admin listener", "addr", cfg.HTTPAddr)
		if err := publicSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			logger.Error("Bootstrap listener failed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("Starting device listener", "addr", cfg.DeviceAddr)
		if err := deviceSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			logger.Error("Device listener failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("edged started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := publicSrv.Shutdown(ctx); err != nil {
		logger.Error("Bootstrap listener forced to shut down", "error", err)
	}
	if err := deviceSrv.Shutdown(ctx); err != nil {
		logger.Error("Device listener forced to shut down", "error", err)
	}

	logger.Info("edged exited")
}
