package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/ndfd-kml-publisher/internal/cache"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/circuitbreaker"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/config"
	httphandler "github.com/kjstillabower/ndfd-kml-publisher/internal/http"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/job"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/kml"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/models"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/observability"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/publish"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/scheduler"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/wms"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	wmsClient, err := wms.NewClientWithRetry(
		cfg.WMSBaseURL,
		cfg.WMSTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("wms client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "wms",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("wms", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("wms", int(to))
			},
		})
		wmsClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("wms", 0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	if cfg.UpstreamRateLimitRPS > 0 {
		wmsClient.SetRateLimiter(rate.NewLimiter(rate.Limit(cfg.UpstreamRateLimitRPS), cfg.UpstreamRateLimitBurst))
	}

	var backingCache cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		backingCache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		backingCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}
	timeSource := cache.NewSource(wmsClient, backingCache, cfg.CacheTTL, cfg.CacheBackend)

	bounds, err := kml.BoundsFromBBox(cfg.BBox)
	if err != nil {
		logger.Fatal("bbox", zap.Error(err))
	}
	mapParams := wms.MapParams{
		Layer:  cfg.Layer,
		BBox:   cfg.BBox,
		Width:  cfg.Width,
		Height: cfg.Height,
	}
	render := func(snap models.Snapshot) ([]byte, error) {
		return kml.Build(kml.Options{
			DocumentName:    "Live CONUS Temperature (NDFD)",
			OverlayName:     "Current Temperature (NDFD)",
			MapHref:         wms.MapURL(cfg.WMSBaseURL, mapParams, snap.Timestamp),
			LegendHref:      cfg.LegendURL,
			Bounds:          bounds,
			NetworkLink:     cfg.DocumentMode == config.ModeNetworkLink,
			RefreshInterval: cfg.RefreshInterval,
		})
	}

	writer := publish.NewWriter(cfg.OutputPath)
	publishJob := job.New(timeSource, render, writer, cfg.Layer, logger, nil)

	schedCtx, schedStop := context.WithCancel(context.Background())
	sched := scheduler.New(publishJob, cfg.RefreshInterval, cfg.CycleTimeout, logger, nil)
	schedDone := make(chan struct{})
	go func() {
		sched.Run(schedCtx)
		close(schedDone)
	}()

	healthConfig := &httphandler.HealthConfig{
		RefreshInterval: cfg.RefreshInterval,
		StalenessFactor: cfg.StalenessFactor,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	handler := httphandler.NewHandler(publishJob, cfg.OutputPath, healthConfig, logger, nil)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/snapshot", handler.GetSnapshot).Methods("GET")
	router.HandleFunc("/kml", handler.GetKML).Methods("GET")
	refreshRouter := router.PathPrefix("/refresh").Subrouter()
	refreshRouter.Use(httphandler.RateLimitMiddleware(rate.NewLimiter(rate.Limit(1), 2)))
	refreshRouter.HandleFunc("", handler.PostRefresh).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	schedStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before shutdown deadline")
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
