package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/costsim/internal/book"
	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/estimator"
	"github.com/alanyoungcy/costsim/internal/feed"
	"github.com/alanyoungcy/costsim/internal/latency"
	"github.com/alanyoungcy/costsim/internal/model"
	"github.com/alanyoungcy/costsim/internal/notify"
	"github.com/alanyoungcy/costsim/internal/publish"
	"github.com/alanyoungcy/costsim/internal/server"
	"github.com/alanyoungcy/costsim/internal/server/handler"
	"github.com/alanyoungcy/costsim/internal/server/ws"
)

// core is the feed-to-estimate chain shared by every mode.
type core struct {
	params   *model.Params
	book     *book.Maintainer
	ingestor *book.Ingestor
	feed     *feed.Client
	pipeline *estimator.Pipeline
}

func (a *App) buildCore(deps *Dependencies) (*core, error) {
	params, err := a.cfg.ModelParams()
	if err != nil {
		return nil, fmt.Errorf("app: model params: %w", err)
	}
	policy, err := book.ParseOverflowPolicy(a.cfg.Ingest.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("app: %w: %v", domain.ErrConfiguration, err)
	}

	maint := book.NewMaintainer(book.Config{
		Exchange:       a.cfg.Feed.Exchange,
		Symbol:         a.cfg.Feed.Symbol,
		FillRatioAlpha: a.cfg.Ingest.FillRatioAlpha,
	}, nil, deps.Metrics, a.logger)
	ing := book.NewIngestor(maint, a.cfg.Ingest.QueueCapacity, policy, deps.Metrics, a.logger)

	fc := feed.NewClient(feed.Config{
		URL:              a.cfg.Feed.URL,
		Exchange:         a.cfg.Feed.Exchange,
		Symbol:           a.cfg.Feed.Symbol,
		Subscribe:        a.cfg.Feed.Subscribe,
		ResyncMessage:    a.cfg.Feed.ResyncMessage,
		HandshakeTimeout: a.cfg.Feed.HandshakeTimeout.Duration,
		PongWait:         a.cfg.Feed.PongWait.Duration,
		ReconnectMin:     a.cfg.Feed.ReconnectMin.Duration,
		ReconnectMax:     a.cfg.Feed.ReconnectMax.Duration,
	}, ing, maint, deps.Metrics, a.logger)
	maint.SetResyncer(fc)

	rec := latency.NewRecorder(a.cfg.Estimator.LatencyWindow, deps.Metrics)
	pipe := estimator.New(maint, params, estimator.Config{
		UpdatesBuffer:    a.cfg.Estimator.UpdatesBuffer,
		BatchParallelism: a.cfg.Estimator.BatchParallelism,
	}, rec, deps.Metrics, a.logger)

	return &core{params: params, book: maint, ingestor: ing, feed: fc, pipeline: pipe}, nil
}

// sinks collects the enabled outputs. Interface fields are only set for
// enabled backends so nil checks in the dispatcher hold.
func (a *App) sinks(deps *Dependencies, hub publish.Broadcaster) publish.Sinks {
	var s publish.Sinks
	if hub != nil {
		s.Hub = hub
	}
	if deps.SignalBus != nil {
		s.Bus = deps.SignalBus
	}
	if deps.BookCache != nil {
		s.Books = deps.BookCache
	}
	if deps.NATS != nil {
		s.NATS = deps.NATS
	}
	if deps.Estimates != nil {
		s.Journal = deps.Estimates
	}
	return s
}

func (a *App) newDispatcher(deps *Dependencies, sinks publish.Sinks) *publish.Dispatcher {
	stream := ""
	if deps.SignalBus != nil {
		stream = a.cfg.Redis.Stream
	}
	return publish.New(publish.Config{
		Exchange:     a.cfg.Feed.Exchange,
		Symbol:       a.cfg.Feed.Symbol,
		Stream:       stream,
		BookDepth:    a.cfg.Publish.BookDepth,
		BookInterval: a.cfg.Publish.BookInterval.Duration,
		SinkTimeout:  a.cfg.Publish.SinkTimeout.Duration,
	}, sinks, deps.Metrics, a.logger)
}

// standingRequest converts the configured standing request.
func (a *App) standingRequest(params *model.Params) (domain.CostEstimateRequest, error) {
	st := a.cfg.Estimator.Standing
	side, err := domain.ParseSide(st.Side)
	if err != nil {
		return domain.CostEstimateRequest{}, err
	}
	unit, ok := domain.ParseQuantityUnit(st.QuantityUnit)
	if !ok {
		return domain.CostEstimateRequest{}, fmt.Errorf("app: quantity unit %q: %w", st.QuantityUnit, domain.ErrInvalidRequest)
	}
	risk := st.RiskAversion
	if risk == 0 {
		risk = params.DefaultRiskAversion
	}
	return domain.CostEstimateRequest{
		Side:             side,
		Quantity:         st.Quantity,
		QuantityUnit:     unit,
		Volatility:       st.Volatility,
		RiskAversion:     risk,
		FeeTier:          st.FeeTier,
		AcknowledgeStale: st.AcknowledgeStale,
	}, nil
}

// runCore starts the feed, ingestion and dispatch goroutines on g, plus
// whichever optional loops are enabled.
func (a *App) runCore(ctx context.Context, g *errgroup.Group, c *core, deps *Dependencies, d *publish.Dispatcher) error {
	g.Go(func() error { return c.ingestor.Run(ctx) })
	g.Go(func() error { return c.feed.Run(ctx) })
	g.Go(func() error { return d.Run(ctx, c.pipeline.Updates(), c.book) })

	if a.cfg.Estimator.Standing.Enabled {
		req, err := a.standingRequest(c.params)
		if err != nil {
			return fmt.Errorf("app: standing request: %w", err)
		}
		interval := a.cfg.Estimator.Standing.Interval.Duration
		g.Go(func() error { return c.pipeline.RunStanding(ctx, req, interval) })
	}

	if deps.Notifier.Enabled() {
		watcher := notify.NewBookWatcher(c.book, deps.Notifier, a.cfg.Notify.StaleAfter.Duration, a.logger)
		interval := a.cfg.Notify.CheckInterval.Duration
		g.Go(func() error { return watcher.Run(ctx, interval) })
	}

	if deps.Archiver != nil {
		interval := a.cfg.S3.ArchiveInterval.Duration
		g.Go(func() error { return deps.Archiver.Run(ctx, interval) })
	}
	return nil
}

// FullMode runs the feed, estimator and sinks plus the HTTP API and the
// display WebSocket hub.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// The hub is fed either by the local dispatcher or, when relaying, from
	// Redis pub/sub so it also shows other replicas.
	hubCfg := ws.Config{Mode: a.cfg.Mode, Exchange: a.cfg.Feed.Exchange, Symbol: a.cfg.Feed.Symbol}
	var hub *ws.Hub
	var local publish.Broadcaster
	if a.cfg.Redis.RelayToHub && deps.SignalBus != nil {
		hubCfg.BusChannels = ws.DefaultChannels
		hub = ws.NewHub(deps.SignalBus, a.logger, hubCfg)
	} else {
		hub = ws.NewHub(nil, a.logger, hubCfg)
		local = hub
	}
	g.Go(func() error { return hub.Run(ctx) })

	dispatcher := a.newDispatcher(deps, a.sinks(deps, local))
	if err := a.runCore(ctx, g, c, deps, dispatcher); err != nil {
		return err
	}

	srv := server.NewServer(server.Config{
		Addr:            ":" + strconv.Itoa(a.cfg.Server.Port),
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Redis.RateLimit,
		RateLimitWindow: a.cfg.Redis.RateLimitWindow.Duration,
	}, a.handlers(c, deps, dispatcher), a.serverDeps(deps, hub), a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// HeadlessMode runs the feed and the standing estimate, publishing to the
// configured sinks without an HTTP surface.
func (a *App) HeadlessMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting headless mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return err
	}
	sinks := a.sinks(deps, nil)
	if sinks == (publish.Sinks{}) {
		a.logger.WarnContext(ctx, "headless mode with no sinks enabled; estimates are computed but not published")
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.runCore(ctx, g, c, deps, a.newDispatcher(deps, sinks)); err != nil {
		return err
	}
	return g.Wait()
}

func (a *App) handlers(c *core, deps *Dependencies, d *publish.Dispatcher) server.Handlers {
	var mirror domain.OrderbookCache
	if deps.BookCache != nil {
		mirror = deps.BookCache
	}
	var (
		journal handler.RecentStore
		stream  handler.StreamReader
		archive domain.BlobReader
	)
	if deps.Estimates != nil {
		journal = deps.Estimates
	}
	if deps.SignalBus != nil && a.cfg.Redis.Stream != "" {
		stream = deps.SignalBus
	}
	if deps.BlobReader != nil {
		archive = deps.BlobReader
	}
	archivePrefix := ""
	if deps.S3 != nil {
		archivePrefix = deps.S3.Prefix()
	}

	return server.Handlers{
		Health: handler.NewHealthHandler(deps.Health, a.logger),
		Status: handler.NewStatusHandler(strings.ToLower(a.cfg.Mode), a.cfg.Feed.Exchange, a.cfg.Feed.Symbol,
			c.params.TierNames(), c.book, c.ingestor),
		Book: handler.NewBookHandler(c.book, mirror, d.BookKey(), a.logger),
		Estimate: handler.NewEstimateHandler(c.pipeline, handler.EstimateDefaults{
			FeeTier:      a.cfg.Estimator.DefaultFeeTier,
			RiskAversion: c.params.DefaultRiskAversion,
			MaxBatch:     a.cfg.Estimator.MaxBatch,
		}, a.logger),
		Latency: handler.NewLatencyHandler(c.pipeline.Recorder()),
		History: handler.NewHistoryHandler(journal, stream, a.cfg.Redis.Stream, archive, archivePrefix, a.logger),
	}
}

func (a *App) serverDeps(deps *Dependencies, hub *ws.Hub) server.Deps {
	out := server.Deps{Hub: hub, Gatherer: deps.Registry}
	if deps.RateLimiter != nil && a.cfg.Redis.RateLimit > 0 {
		out.Limiter = deps.RateLimiter
	}
	return out
}
