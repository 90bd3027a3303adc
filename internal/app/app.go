package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/auth"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/feed"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/state/sqlite"
	"funding-arb-bot/internal/trader"
	"funding-arb-bot/internal/tsdb"

	"go.uber.org/zap"
)

const statsInterval = 5 * time.Minute

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	cache    *market.Cache
	feed     *feed.Manager
	engine   *engine.Engine
	executor *exec.Executor
	trader   *trader.Manager
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	alerts   *alerts.Telegram
	tsdb     *tsdb.Writer

	running   atomic.Bool
	scanning  atomic.Bool
	closing   atomic.Bool
	startedAt time.Time

	lastScan    time.Time
	lastMonitor time.Time
	lastStats   time.Time
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	signer, err := auth.NewHMAC(creds.APISecret)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.State.SQLitePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	cache := market.NewCache()
	headers := func() (map[string]string, error) {
		return auth.Headers(signer, creds.APIKey, time.Now().UTC())
	}
	feedManager := feed.NewManager(cfg.Feed, cache, headers, log)
	feedManager.SetReconnectCounter(m.FeedReconnects)

	eng := engine.New(cache, cfg.Strategy, cfg.Fees, log)

	// The live trading transport is deployed as a separate integration;
	// out of the box all orders go to the paper venue.
	paperBalance := cfg.Strategy.PositionSizeQuote * float64(cfg.Strategy.MaxOpenPositions) * 10
	executor := exec.New(exec.NewPaperClient(paperBalance, log), store, m, log)

	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	traderManager := trader.NewManager(cache, eng, executor, store, alertsClient, m, cfg.Strategy, log)

	writer, err := tsdb.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		cache:    cache,
		feed:     feedManager,
		engine:   eng,
		executor: executor,
		trader:   traderManager,
		metrics:  m,
		prom:     prom,
		alerts:   alertsClient,
		tsdb:     writer,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.tsdb.Close()

	a.tsdb.Start(ctx)
	a.serveMetrics(ctx)

	if err := a.feed.Start(ctx, a.cfg.Strategy.Symbols); err != nil {
		return err
	}
	defer a.feed.Stop()

	a.startedAt = time.Now().UTC()
	a.running.Store(true)
	defer a.running.Store(false)

	a.log.Info("bot started",
		zap.Strings("symbols", a.cfg.Strategy.Symbols),
		zap.Duration("scan_interval", a.cfg.Strategy.ScanInterval),
		zap.Duration("monitor_interval", a.cfg.Strategy.MonitorInterval))

	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx, time.Now().UTC())
		}
	}
}

// tick compares elapsed time against each cadence. Order placement runs
// on its own goroutines so a slow venue call never stalls the loop or the
// feed behind it.
func (a *App) tick(ctx context.Context, now time.Time) {
	if now.Sub(a.lastScan) >= a.cfg.Strategy.ScanInterval {
		a.lastScan = now
		if a.scanning.CompareAndSwap(false, true) {
			go func() {
				defer a.scanning.Store(false)
				a.scan(ctx)
			}()
		}
	}
	if now.Sub(a.lastMonitor) >= a.cfg.Strategy.MonitorInterval {
		a.lastMonitor = now
		if a.closing.CompareAndSwap(false, true) {
			go func() {
				defer a.closing.Store(false)
				a.trader.Monitor(ctx)
			}()
		}
	}
	if now.Sub(a.lastStats) >= statsInterval {
		a.lastStats = now
		a.logStats()
	}
}

func (a *App) scan(ctx context.Context) {
	opportunities, err := a.engine.FindOpportunities(ctx)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrColdStart):
			a.log.Warn("scan skipped, market data not ready")
		case errors.Is(err, context.Canceled):
		default:
			a.log.Error("opportunity scan failed", zap.Error(err))
		}
		return
	}
	now := time.Now().UTC()
	for _, opp := range opportunities {
		a.metrics.OpportunitiesFound.Inc()
		a.tsdb.EnqueueOpportunity(tsdb.OpportunitySnapshot{
			Time:             now,
			Symbol:           opp.Symbol,
			SpotPrice:        opp.SpotPrice,
			FuturesPrice:     opp.FuturesPrice,
			FundingRate:      opp.FundingRate,
			Basis:            opp.Basis,
			NetProfitPercent: opp.NetProfitPercent,
			AnnualizedReturn: opp.AnnualizedReturn,
			IsProfitable:     opp.IsProfitable,
			Reason:           opp.Reason,
		})
	}
	if len(opportunities) == 0 {
		return
	}

	best := opportunities[0]
	position, err := a.trader.Open(ctx, best)
	if err != nil {
		switch {
		case errors.Is(err, trader.ErrExposureCap), errors.Is(err, trader.ErrSymbolBusy):
			a.log.Debug("opportunity skipped", zap.String("symbol", best.Symbol), zap.Error(err))
		case errors.Is(err, engine.ErrValidation):
			a.log.Info("opportunity rejected at validation", zap.String("symbol", best.Symbol), zap.Error(err))
		case errors.Is(err, context.Canceled):
		default:
			a.log.Error("position open failed", zap.String("symbol", best.Symbol), zap.Error(err))
		}
		return
	}
	a.tsdb.EnqueuePosition(positionSnapshot(position))
}

func positionSnapshot(p trader.Position) tsdb.PositionSnapshot {
	return tsdb.PositionSnapshot{
		Time:              time.Now().UTC(),
		TradeID:           p.TradeID,
		Symbol:            p.Symbol,
		Status:            string(p.Status),
		Size:              p.Size,
		EntrySpotPrice:    p.EntrySpotPrice,
		EntryFuturesPrice: p.EntryFuturesPrice,
		FundingRate:       p.FundingRate,
		CloseReason:       p.CloseReason,
	}
}

func (a *App) logStats() {
	stats := a.trader.Statistics()
	a.log.Info("bot statistics",
		zap.Int("open_positions", stats.Open),
		zap.Int("closed_positions", stats.Closed),
		zap.Int("failed_positions", stats.Failed),
		zap.String("spot_feed", string(a.feed.GroupState(feed.GroupSpot))),
		zap.String("futures_feed", string(a.feed.GroupState(feed.GroupFutures))),
		zap.Int("cached_symbols", len(a.cache.Symbols())))
	for _, p := range a.trader.Positions() {
		a.tsdb.EnqueuePosition(positionSnapshot(p))
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.prom == nil || a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// Status is the operator-facing summary of the running bot.
type Status struct {
	Running       bool
	Uptime        time.Duration
	SpotFeed      feed.State
	FuturesFeed   feed.State
	OpenPositions int
	Closed        int
	Failed        int
	Symbols       []string
}

func (a *App) Status() Status {
	stats := a.trader.Statistics()
	status := Status{
		Running:       a.running.Load(),
		SpotFeed:      a.feed.GroupState(feed.GroupSpot),
		FuturesFeed:   a.feed.GroupState(feed.GroupFutures),
		OpenPositions: stats.Open,
		Closed:        stats.Closed,
		Failed:        stats.Failed,
		Symbols:       a.cfg.Strategy.Symbols,
	}
	if status.Running {
		status.Uptime = time.Since(a.startedAt)
	}
	return status
}
