package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/atm-occupancy/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/atm-occupancy/internal/adapter/kafka"
	"github.com/couchcryptid/atm-occupancy/internal/adapter/mapbox"
	"github.com/couchcryptid/atm-occupancy/internal/adapter/ws"
	"github.com/couchcryptid/atm-occupancy/internal/catalog"
	"github.com/couchcryptid/atm-occupancy/internal/config"
	"github.com/couchcryptid/atm-occupancy/internal/domain"
	"github.com/couchcryptid/atm-occupancy/internal/observability"
	"github.com/couchcryptid/atm-occupancy/internal/pipeline"
	"github.com/couchcryptid/atm-occupancy/internal/store"
	"github.com/couchcryptid/atm-occupancy/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("failed to load site catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loaded := cat.Sites()
	sites := loaded

	// Address enrichment is feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN.
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, logger, metrics)
		geocoder, err := mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		if err != nil {
			logger.Error("failed to create geocoder", "error", err)
			os.Exit(1)
		}
		sites = domain.EnrichSites(ctx, sites, geocoder, logger)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	st := store.New(sites, logger, metrics, store.WithStrict(cfg.StrictInvariants))
	decoder := domain.NewDecoder(sites, logger, domain.WithRejectHook(pipeline.CountRejections(metrics)))
	p := pipeline.New(decoder, st, logger, metrics)

	dialer := ws.NewDialer(cfg.StreamEvent, cfg.StreamHandshakeTimeout, cfg.StreamReadTimeout, logger, metrics)
	mgr := stream.NewManager(dialer, p, logger, metrics, stream.WithBackoff(cfg.BackoffInitial, cfg.BackoffMax))

	hub := ws.NewHub(st, mgr, logger, metrics)
	st.Subscribe(hub.PublishSite)
	mgr.Watch(hub.PublishStatus)

	var publisher *kafkaadapter.Publisher
	publisherDone := make(chan struct{})
	if cfg.PublisherEnabled() {
		publisher = kafkaadapter.NewPublisher(cfg, logger, metrics)
		st.Subscribe(publisher.Publish)
		go func() {
			defer close(publisherDone)
			if err := publisher.Run(ctx); err != nil {
				logger.Error("state publisher error", "error", err)
			}
		}()
	} else {
		close(publisherDone)
		logger.Info("state publisher disabled")
	}

	if cfg.CatalogWatch {
		go func() {
			err := catalog.Watch(ctx, cfg.CatalogPath, loaded, logger, func(ch catalog.Changes) {
				metrics.CatalogPendingChanges.Set(float64(ch.Len()))
			})
			if err != nil {
				logger.Error("catalog watch error", "error", err)
			}
		}()
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, st, mgr, hub, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the telemetry stream.
	if err := mgr.Start(ctx, cfg.StreamURL, cfg.StreamIdentity); err != nil {
		logger.Error("failed to start telemetry stream", "error", err)
		os.Exit(1)
	}
	logger.Info("occupancy service started",
		"stream_url", cfg.StreamURL,
		"identity", cfg.StreamIdentity,
		"sites", len(sites),
		"http_addr", cfg.HTTPAddr,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	mgr.Stop()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	select {
	case <-publisherDone:
	case <-shutdownCtx.Done():
		logger.Warn("state publisher did not stop before shutdown timeout")
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
