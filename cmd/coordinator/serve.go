package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/config"
	"github.com/dreamware/zonekeeper/internal/coordinator"
	"github.com/dreamware/zonekeeper/internal/events"
	"github.com/dreamware/zonekeeper/internal/metrics"
	"github.com/dreamware/zonekeeper/internal/registry"
	"github.com/dreamware/zonekeeper/internal/storage"
	"github.com/dreamware/zonekeeper/internal/telemetry"
	"github.com/dreamware/zonekeeper/internal/zone"
)

const tracerName = "github.com/dreamware/zonekeeper/cmd/coordinator"

// app is a fully wired coordinator process.
type app struct {
	logger    *zap.Logger
	srv       *server
	http      *http.Server
	store     storage.Store
	publisher events.Publisher
	tracing   telemetry.ShutdownFunc
	healthCtx context.CancelFunc
}

// newApp builds every component described by cfg and starts the coordinator.
// The HTTP server is created but not listening. Spans go to traceOut when
// tracing is enabled.
func newApp(cfg config.Config, logger *zap.Logger, traceOut io.Writer) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	tp, shutdown, err := telemetry.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, version, traceOut)
	if err != nil {
		return nil, err
	}
	a.tracing = shutdown

	m := metrics.New(prometheus.NewRegistry())

	a.store, err = storage.Open(storage.Options{
		Backend:   cfg.Storage.Backend,
		Path:      cfg.Storage.Path,
		RedisURL:  cfg.Storage.RedisURL,
		Namespace: cfg.Storage.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.publisher = events.NopPublisher{}
	if cfg.Events.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		a.publisher = p
	}

	reg := registry.New(registry.Options{
		Logger:    logger,
		Store:     a.store,
		Publisher: a.publisher,
		Metrics:   m,
	})
	n, err := reg.Load()
	if err != nil {
		return nil, fmt.Errorf("load node registry: %w", err)
	}
	logger.Info("Node registry loaded", zap.Int("entries", n), zap.String("backend", cfg.Storage.Backend))

	clusteringCfg, err := clusteringConfig(cfg.Zones, logger)
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(cfg.Coordinator.Type, coordinator.Options{
		Logger:    logger,
		Metrics:   m,
		Publisher: a.publisher,
		Tracer:    tp.Tracer(tracerName),
		Sleep:     coordinator.ScaledSleep(cfg.Pacing.Scale),
	}, clusteringCfg)
	if err != nil {
		return nil, err
	}
	reg.SetAdmissionPolicy(coord)

	a.srv = newServer(logger, cfg.Coordinator.Type, reg, coord, m)
	info := &coordinator.ServerInfo{
		Registry: reg,
		Upperware: cluster.BrokerConfig{
			Grouping:    cfg.Coordinator.UpperwareGrouping,
			URL:         cfg.Broker.UpperwareURL,
			Certificate: cfg.Broker.Certificate,
		},
		Groupings:      cfg.Coordinator.Groupings,
		Instances:      cfg.Coordinator.ExpectedClients,
		BrokerUsername: cfg.Broker.Username,
		BrokerPassword: cfg.Broker.Password,
	}
	tc := coordinator.TranslationContext{Groupings: cfg.Coordinator.Groupings}
	if err := coord.Initialize(tc, cfg.Coordinator.UpperwareGrouping, info, a.srv.onReady); err != nil {
		return nil, fmt.Errorf("initialize %s coordinator: %w", cfg.Coordinator.Type, err)
	}
	coord.Start()

	if cfg.Health.Enabled {
		monitor := coordinator.NewHealthMonitor(cfg.Health.Interval, logger)
		monitor.SetOnUnhealthy(a.srv.onUnhealthy)
		a.srv.monitor = monitor

		ctx, cancel := context.WithCancel(context.Background())
		a.healthCtx = cancel
		go monitor.Start(ctx, a.srv.sessionInfos)
	}

	a.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func clusteringConfig(z config.ZonesConfig, logger *zap.Logger) (coordinator.ClusteringConfig, error) {
	strategy, err := zone.NewStrategy(z.Strategy, logger)
	if err != nil {
		return coordinator.ClusteringConfig{}, err
	}
	detector, err := zone.NewDetector(zone.DetectorConfig{
		Rules:           z.Rules,
		DefaultClusters: z.DefaultClusters,
		Assignment:      zone.Assignment(z.Assignment),
	})
	if err != nil {
		return coordinator.ClusteringConfig{}, err
	}
	return coordinator.ClusteringConfig{
		Strategy:  strategy,
		Detector:  detector,
		StartPort: z.StartPort,
		EndPort:   z.EndPort,
	}, nil
}

// run serves until ctx is done, then shuts everything down.
func (a *app) run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("Coordinator listening", zap.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.http.Shutdown(shutdownCtx)
	a.release(shutdownCtx)
	a.logger.Info("Coordinator stopped")
	return serveErr
}

// release stops the coordinator and closes every backend that was opened.
func (a *app) release(ctx context.Context) {
	if a.srv != nil {
		if a.srv.monitor != nil {
			a.srv.monitor.Stop()
		}
		a.srv.coord.Stop()
	}
	if a.healthCtx != nil {
		a.healthCtx()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Closing event publisher failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Closing storage failed", zap.Error(err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing(ctx); err != nil {
			a.logger.Warn("Flushing traces failed", zap.Error(err))
		}
	}
}
