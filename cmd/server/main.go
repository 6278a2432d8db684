package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // gaming days need zone data on hosts without zoneinfo

	"github.com/bwmarrin/snowflake"
	"github.com/casinoloyalty/ledger-server/internal/api"
	"github.com/casinoloyalty/ledger-server/internal/config"
	"github.com/casinoloyalty/ledger-server/internal/metrics"
	"github.com/casinoloyalty/ledger-server/internal/repository"
	"github.com/casinoloyalty/ledger-server/internal/service"
	"github.com/casinoloyalty/ledger-server/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Set up database connection
	db, err := config.SetupDatabase(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	defer db.Close()

	node, err := snowflake.NewNode(cfg.Ledger.NodeID)
	if err != nil {
		return fmt.Errorf("failed to create id generator: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db.DB, "ledger"),
	)
	ledgerMetrics := metrics.NewLedgerMetrics(registry)

	// Create repository
	repo := repository.NewPostgresRepository(db, cfg.Ledger.LockTimeout.Duration)

	// Create service
	svc := service.NewDefaultService(repo, node, logger, ledgerMetrics, service.Config{
		DefaultPageLimit: cfg.Ledger.DefaultPageLimit,
		MaxPageLimit:     cfg.Ledger.MaxPageLimit,
		SettingsTTL:      cfg.Ledger.SettingsTTL.Duration,
	})

	// Create API handler
	handler := api.NewHandler(svc, logger)

	// Set up Gin router
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	// Add middleware for JWT secret
	router.Use(func(c *gin.Context) {
		c.Set("jwtSecret", []byte(cfg.Auth.JWTSecret))
		c.Next()
	})

	// Set up routes
	handler.SetupRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	scheduler := service.NewDriftScheduler(svc, nil, logger)
	scheduler.Enabled = cfg.Drift.Enabled
	scheduler.Interval = cfg.Drift.Interval.Duration
	scheduler.Threshold = cfg.Drift.Threshold
	scheduler.Start()
	defer scheduler.Stop()

	// Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
