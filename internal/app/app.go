// Package app assembles the configured service graph: fetchers, spider,
// extraction registry, breakers, stores, event hub, and the facade on top.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/breaker"
	"github.com/tkrajewski/undertow/internal/cache/memory"
	"github.com/tkrajewski/undertow/internal/clock/system"
	"github.com/tkrajewski/undertow/internal/config"
	"github.com/tkrajewski/undertow/internal/events"
	eventpubsub "github.com/tkrajewski/undertow/internal/events/pubsub"
	"github.com/tkrajewski/undertow/internal/events/sinks"
	"github.com/tkrajewski/undertow/internal/extract"
	"github.com/tkrajewski/undertow/internal/facade"
	collyfetcher "github.com/tkrajewski/undertow/internal/fetcher/colly"
	"github.com/tkrajewski/undertow/internal/fetcher/headless"
	"github.com/tkrajewski/undertow/internal/fetcher/promote"
	"github.com/tkrajewski/undertow/internal/hash/sha256"
	"github.com/tkrajewski/undertow/internal/id/uuid"
	idemem "github.com/tkrajewski/undertow/internal/idempotency/memory"
	idepg "github.com/tkrajewski/undertow/internal/idempotency/postgres"
	"github.com/tkrajewski/undertow/internal/metrics"
	"github.com/tkrajewski/undertow/internal/pipeline"
	"github.com/tkrajewski/undertow/internal/ratelimit"
	"github.com/tkrajewski/undertow/internal/spider"
)

// App holds the long-lived services for one process.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Facade     *facade.Facade
	Extractors *extract.Registry

	hub     *events.Hub
	closers []func(context.Context) error
}

// New builds the full service graph from cfg. It fails fast: any backend
// that cannot be reached at startup aborts construction.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	clk := system.New()
	ids := uuid.New()
	a := &App{Config: cfg, Logger: logger}

	hub, err := a.buildHub(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.hub = hub

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           secondsDuration(cfg.Breaker.WindowSeconds),
		OpenBase:         secondsDuration(cfg.Breaker.OpenBaseSeconds),
		OpenMax:          secondsDuration(cfg.Breaker.OpenMaxSeconds),
		Clock:            clk,
		OnStateChange: func(dependency string, from, to breaker.State) {
			metrics.ObserveCircuitTransition(dependency, to.String())
			if to != breaker.StateOpen {
				return
			}
			evt := events.Event{
				Type:      events.TypeCircuitOpened,
				CrawlID:   "system",
				Timestamp: clk.Now(),
				Payload: map[string]any{
					"dependency": dependency,
					"from":       from.String(),
				},
			}
			if err := hub.Publish(context.Background(), evt); err != nil {
				logger.Debug("publish circuit event", zap.Error(err))
			}
		},
	}, logger)

	fetcher, err := a.buildFetcher(cfg, logger)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Crawl.PerHostRPS})

	sp := spider.New(fetcher, breakers, limiter, nil, clk, hub, spider.Config{
		FetchTimeout: cfg.FetchTimeout(),
		UserAgent:    cfg.Crawl.UserAgent,
	}, logger)

	a.Extractors, err = buildExtractors(cfg, clk, logger)
	if err != nil {
		return nil, err
	}

	store, err := a.buildIdempotencyStore(ctx, cfg, clk, ids)
	if err != nil {
		return nil, err
	}

	a.Facade = facade.New(sp, fetcher, breakers, a.Extractors, store, hub, clk, ids, facade.Config{
		FetchTimeout:   cfg.FetchTimeout(),
		MaxConcurrency: cfg.Crawl.MaxConcurrency,
		LeaseTTL:       cfg.LeaseTTL(),
	}, logger)

	return a, nil
}

// buildHub assembles the event pipeline: structured logs and Prometheus
// always, Pub/Sub when configured.
func (a *App) buildHub(ctx context.Context, cfg config.Config, logger *zap.Logger) (*events.Hub, error) {
	sinkList := []events.Sink{
		sinks.NewLogSink(logger),
		sinks.NewMetricsSink(),
	}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		// Double registration happens when two Apps share a process (tests);
		// the per-type counts are a nicety, everything else still works.
		logger.Warn("prometheus event sink disabled", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}

	if cfg.PubSub.Enabled {
		publisher, closeClient, err := eventpubsub.Connect(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return closeClient() })
		sinkList = append(sinkList, sinks.NewBusSink(publisher))
	}

	return events.NewHub(events.HubConfig{Logger: logger}, sinkList...), nil
}

func (a *App) buildFetcher(cfg config.Config, logger *zap.Logger) (pipeline.Fetcher, error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Crawl.UserAgent,
		Timeout:     cfg.FetchTimeout(),
		MaxBodySize: cfg.Fetch.MaxBodyBytes,
	})
	if !cfg.Headless.Enabled {
		return static, nil
	}

	rendered, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Crawl.UserAgent,
		NavigationTimeout: secondsDuration(cfg.Headless.NavTimeoutSec),
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher: %w", err)
	}
	detector := promote.NewHeuristic(cfg.Headless.PromotionThresh)
	return promote.New(static, rendered, detector, logger), nil
}

// buildExtractors registers the built-in strategies in selection-priority
// order, wrapping each in the content-digest cache when enabled.
func buildExtractors(cfg config.Config, clk pipeline.Clock, logger *zap.Logger) (*extract.Registry, error) {
	strategies := []extract.Extractor{
		extract.JSONLD{},
		extract.CSS{},
	}
	if len(cfg.Extract.RegexPatterns) > 0 {
		rx, err := extract.NewRegex("regex", cfg.Extract.RegexPatterns...)
		if err != nil {
			return nil, fmt.Errorf("regex strategy: %w", err)
		}
		strategies = append(strategies, rx)
	}
	if cfg.Cache.Enabled {
		store := memory.New(clk)
		hasher := sha256.New()
		for i, s := range strategies {
			strategies[i] = extract.NewCached(s, store, hasher, cfg.CacheTTL(), logger)
		}
	}
	return extract.NewRegistry(strategies...), nil
}

func (a *App) buildIdempotencyStore(
	ctx context.Context,
	cfg config.Config,
	clk pipeline.Clock,
	ids pipeline.IDGenerator,
) (pipeline.IdempotencyStore, error) {
	switch cfg.Idempotency.Backend {
	case "postgres":
		store, err := idepg.New(ctx, idepg.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.Idempotency.Table,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		}, clk, ids)
		if err != nil {
			return nil, fmt.Errorf("postgres idempotency store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		return store, nil
	default:
		return idemem.New(clk, ids), nil
	}
}

// Close drains the event hub and releases backend handles.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			firstErr = err
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.Logger.Sync(); err != nil {
		// Syncing stdout/stderr fails on some platforms; nothing to do.
		a.Logger.Debug("logger sync", zap.Error(err))
	}
	return firstErr
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
