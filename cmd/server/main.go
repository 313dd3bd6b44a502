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

	"github.com/kosherhub/kosherhub/internal/api"
	"github.com/kosherhub/kosherhub/pkg/auth"
	"github.com/kosherhub/kosherhub/pkg/cache"
	"github.com/kosherhub/kosherhub/pkg/config"
	"github.com/kosherhub/kosherhub/pkg/database"
	"github.com/kosherhub/kosherhub/pkg/metrics"
	"github.com/kosherhub/kosherhub/pkg/observability"
	"github.com/kosherhub/kosherhub/pkg/redis"
)

const (
	// cleanupInterval paces the background sweep of expired cache entries
	// and long-dead session rows.
	cleanupInterval = time.Hour

	// sessionRetention keeps expired session rows around for a week so
	// audit investigations can still correlate sids.
	sessionRetention = 7 * 24 * time.Hour

	shutdownTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging
	logger := observability.NewStandardLogger("server")

	// Initialize metrics
	metricsClient := observability.NewPrometheusMetricsClient("kosherhub", "server")
	defer func() { _ = metricsClient.Close() }()

	// Initialize tracing
	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	// Initialize Redis. Startup requires a reachable Redis; outages after
	// this point degrade through the circuit breaker (L2 misses, blacklist
	// fail-open) instead of taking the process down.
	redisClient, err := redis.NewClient(cfg.Redis, logger, metricsClient)
	if err != nil {
		log.Fatalf("Failed to initialize redis client: %v", err)
	}
	defer func() { _ = redisClient.Close() }()

	// Initialize database; Connect applies migrations when configured
	db := database.NewManager(cfg.Database, nil, logger, metricsClient)
	if err := db.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Disconnect() }()

	// Assemble the cache tiers. The durable tier lives in the database we
	// just connected, so the stack binds to the query cache afterwards.
	l1 := cache.NewLRUCache(cfg.Cache.L1MaxEntries, cfg.Cache.L1MaxBytes, cfg.Cache.L1TTL)
	l2 := cache.NewRedisTier(redisClient, cfg.Cache.L2TTL, logger, metricsClient)
	l3 := cache.NewDurableTier(db.DB(), cfg.Cache.L3TTL, logger, metricsClient)
	if err := l3.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure cache schema: %v", err)
	}
	tiers := cache.NewManager(cfg.Cache, l1, l2, l3, logger, metricsClient)
	tiers.RegisterWarmingStrategy("keys", cache.NewKeysWarmingStrategy(tiers))
	tiers.RegisterWarmingStrategy("query", database.NewQueryWarmingStrategy(db))
	db.AttachTierCache(tiers)

	// Initialize authentication
	keyring, err := loadKeyring(cfg.Auth)
	if err != nil {
		log.Fatalf("Failed to load signing keys: %v", err)
	}
	authService, err := auth.NewService(cfg.Auth, db, redisClient, keyring, nil, logger, metricsClient)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	// Start the database health monitor
	monitor := database.NewHealthMonitor(db, database.MonitorConfig{}, logger, metricsClient)
	monitor.Start(ctx)
	defer monitor.Stop()

	// Start the rolling metrics aggregator
	var aggregator *metrics.Aggregator
	if cfg.Metrics.Enabled {
		aggregator = metrics.NewAggregator(cfg.Metrics, metrics.NewSystemSampler(""), logger)
		registerPlatformMetrics(aggregator, db, tiers)
		aggregator.Start(ctx)
		defer aggregator.Stop()
	}

	// Initialize API server
	server := api.NewServer(cfg.API, api.Dependencies{
		Auth:       authService,
		AuthConfig: cfg.Auth,
		DB:         db,
		DBHealth:   monitor,
		Cache:      tiers,
		Redis:      redisClient,
		Aggregator: aggregator,
		Logger:     logger,
	})

	// Background sweep of expired cache entries and session rows
	go runCleanup(ctx, tiers, authService, logger)

	// Start server in a goroutine
	go func() {
		logger.Info("starting server", map[string]interface{}{
			"address": cfg.API.ListenAddress,
			"env":     cfg.Environment,
			"rs256":   keyring != nil,
		})

		var serveErr error
		if cfg.API.TLSCertFile != "" && cfg.API.TLSKeyFile != "" {
			serveErr = server.StartTLS(cfg.API.TLSCertFile, cfg.API.TLSKeyFile)
		} else {
			serveErr = server.Start()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", serveErr)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal", nil)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.Info("server stopped gracefully", nil)
}

// loadKeyring reads the RS256 signing key when one is configured. A nil
// keyring selects the HS256 secret fallback inside the token manager.
func loadKeyring(cfg auth.Config) (*auth.Keyring, error) {
	if cfg.RSAPrivateKeyFile == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(cfg.RSAPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read rsa private key: %w", err)
	}
	keyring, err := auth.NewKeyringFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rsa private key: %w", err)
	}
	return keyring, nil
}

// registerPlatformMetrics binds the pool, query path, and cache tiers to
// the aggregator's canonical series so the default alert set sees them.
func registerPlatformMetrics(agg *metrics.Aggregator, db *database.Manager, tiers *cache.Manager) {
	agg.RegisterGauge(metrics.SeriesActiveConns, func() float64 {
		return float64(db.PoolStats().InUse)
	})
	agg.RegisterGauge(metrics.SeriesCacheHitRate, func() float64 {
		return tiers.Metrics().HitRate * 100
	})
	agg.RegisterGauge(metrics.SeriesDBQueryTime, func() float64 {
		return db.PerformanceMetrics().AvgQueryTimeMs
	})
	agg.RegisterCounter(metrics.SeriesSlowQueries, func() float64 {
		return float64(db.PerformanceMetrics().SlowQueries)
	})
}

// runCleanup sweeps expired cache entries and purges session rows whose
// expiry is older than the retention window. Runs until ctx cancels.
func runCleanup(ctx context.Context, tiers *cache.Manager, authService *auth.Service, logger observability.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := tiers.CleanupExpired(ctx)
			purged, err := authService.PurgeExpiredSessions(ctx, sessionRetention)
			if err != nil {
				logger.Warn("session purge failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			logger.Info("cleanup sweep complete", map[string]interface{}{
				"l1_removed":      swept.L1Removed,
				"l3_removed":      swept.L3Removed,
				"sessions_purged": purged,
			})
		}
	}
}
