package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gridflow/config"
	"gridflow/internal/session"
	"gridflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Gridflow.Name,
		"version": cfg.Gridflow.Version,
	}).Info("starting gridflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.Namespace != "" {
		logger.InitCloudWatch(cfg.Logging.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}
	if cfg.Logging.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	manager, err := session.NewManager(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create session manager")
		os.Exit(1)
	}

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start sessions")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"sessions": len(manager.Status()),
	}).Info("all sessions started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(90 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	cancel()
	log.Info("gridflow stopped")
}
