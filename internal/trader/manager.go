package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/state"

	"go.uber.org/zap"
)

var (
	// ErrExposureCap rejects a new position once the configured number of
	// concurrent open positions is reached.
	ErrExposureCap = errors.New("max open positions reached")

	// ErrSymbolBusy rejects a second position on a symbol that already has
	// an open one.
	ErrSymbolBusy = errors.New("symbol already has an open position")
)

// limit orders on entry are capped a small premium past the observed
// price so they fill like market orders without unbounded slippage.
const minEntryPremium = 0.001

// OrderExecutor is the slice of the executor the manager needs.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, order exec.Order) (string, error)
	CancelOrder(ctx context.Context, orderID string, market exec.Market) error
}

// Manager owns the position lifecycle from placement through close and
// archival. All exchange interaction goes through the executor.
type Manager struct {
	cache    *market.Cache
	engine   *engine.Engine
	executor OrderExecutor
	store    state.Store
	notifier alerts.Notifier
	metrics  *metrics.Metrics
	strat    config.StrategyConfig
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	positions map[string]*Position
}

func NewManager(cache *market.Cache, eng *engine.Engine, executor OrderExecutor, store state.Store,
	notifier alerts.Notifier, m *metrics.Metrics, strat config.StrategyConfig, log *zap.Logger) *Manager {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Manager{
		cache:     cache,
		engine:    eng,
		executor:  executor,
		store:     store,
		notifier:  notifier,
		metrics:   m,
		strat:     strat,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		positions: make(map[string]*Position),
	}
}

// Open places both legs for a validated opportunity: spot buy first, then
// the futures hedge. A failed futures leg cancels the spot order so the
// book never holds a naked long.
func (m *Manager) Open(ctx context.Context, opp engine.Opportunity) (Position, error) {
	if err := m.engine.Validate(opp); err != nil {
		return Position{}, err
	}
	sizes, err := m.engine.CalculatePositionSizes(opp.Symbol, m.strat.PositionSizeQuote)
	if err != nil {
		return Position{}, err
	}

	position, err := m.reserve(opp)
	if err != nil {
		return Position{}, err
	}

	premium := m.strat.MaxSlippagePercent / 100
	if premium < minEntryPremium {
		premium = minEntryPremium
	}

	spotOrderID, err := m.executor.PlaceOrder(ctx, exec.Order{
		Symbol:        opp.Symbol,
		Market:        exec.MarketSpot,
		Side:          exec.SideBuy,
		Quantity:      sizes.SpotQuantity,
		Price:         opp.SpotPrice * (1 + premium),
		ClientOrderID: position.TradeID + ":spot",
	})
	if err != nil {
		m.fail(position.TradeID, fmt.Sprintf("spot leg rejected: %v", err))
		return m.snapshot(position.TradeID), fmt.Errorf("open %s: spot leg: %w", position.TradeID, err)
	}

	futuresOrderID, err := m.executor.PlaceOrder(ctx, exec.Order{
		Symbol:        opp.Symbol,
		Market:        exec.MarketFutures,
		Side:          exec.SideSell,
		Quantity:      sizes.FuturesQuantity,
		Price:         opp.FuturesPrice * (1 - premium),
		ClientOrderID: position.TradeID + ":futures",
	})
	if err != nil {
		if cancelErr := m.executor.CancelOrder(ctx, spotOrderID, exec.MarketSpot); cancelErr != nil {
			m.log.Error("compensating spot cancel failed, manual intervention required",
				zap.String("trade_id", position.TradeID),
				zap.String("spot_order_id", spotOrderID),
				zap.Error(cancelErr))
		}
		m.fail(position.TradeID, fmt.Sprintf("futures leg rejected: %v", err))
		return m.snapshot(position.TradeID), fmt.Errorf("open %s: futures leg: %w", position.TradeID, err)
	}

	m.mu.Lock()
	p := m.positions[position.TradeID]
	p.Status = StatusActive
	p.Size = sizes.SpotQuantity
	p.SpotOrderID = spotOrderID
	p.FuturesOrderID = futuresOrderID
	active := *p
	m.mu.Unlock()

	m.metrics.PositionsOpened.Inc()
	m.log.Info("position opened",
		zap.String("trade_id", active.TradeID),
		zap.String("symbol", active.Symbol),
		zap.Float64("size", active.Size),
		zap.Float64("spot_price", active.EntrySpotPrice),
		zap.Float64("futures_price", active.EntryFuturesPrice),
		zap.Float64("funding_rate", active.FundingRate))
	m.notify(ctx, alerts.PositionOpened(active.TradeID, active.Symbol, active.Size,
		active.EntrySpotPrice, active.EntryFuturesPrice, active.FundingRate))
	return active, nil
}

// reserve checks the exposure cap and the one-position-per-symbol rule,
// then registers the position as OPENING so concurrent Open calls see the
// claimed slot.
func (m *Manager) reserve(opp engine.Opportunity) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := 0
	for _, p := range m.positions {
		if !p.isOpen() {
			continue
		}
		if p.Symbol == opp.Symbol {
			return Position{}, fmt.Errorf("%w: %s held by %s", ErrSymbolBusy, opp.Symbol, p.TradeID)
		}
		if p.Status == StatusOpening || p.Status == StatusActive {
			open++
		}
	}
	if open >= m.strat.MaxOpenPositions {
		return Position{}, fmt.Errorf("%w: %d open", ErrExposureCap, open)
	}

	now := m.now()
	tradeID := tradeIDFor(opp.Symbol, now)
	for i := 2; ; i++ {
		if _, exists := m.positions[tradeID]; !exists {
			break
		}
		tradeID = fmt.Sprintf("%s_%d", tradeIDFor(opp.Symbol, now), i)
	}
	position := &Position{
		TradeID:           tradeID,
		Symbol:            opp.Symbol,
		Status:            StatusOpening,
		EntrySpotPrice:    opp.SpotPrice,
		EntryFuturesPrice: opp.FuturesPrice,
		FundingRate:       opp.FundingRate,
		OpenedAt:          now,
	}
	m.positions[tradeID] = position
	return *position, nil
}

// Monitor walks open positions once: ACTIVE positions past the hold limit
// or with non-positive funding are closed, and CLOSING positions retry
// their exit legs.
func (m *Manager) Monitor(ctx context.Context) {
	now := m.now()
	for _, p := range m.openPositions() {
		switch p.Status {
		case StatusActive:
			reason, due := m.closeReason(p, now)
			if !due {
				continue
			}
			if err := m.close(ctx, p.TradeID, reason); err != nil {
				m.log.Warn("position close incomplete, will retry",
					zap.String("trade_id", p.TradeID), zap.Error(err))
			}
		case StatusClosing:
			if err := m.close(ctx, p.TradeID, p.CloseReason); err != nil {
				m.log.Warn("position close retry failed",
					zap.String("trade_id", p.TradeID), zap.Error(err))
			}
		}
	}
}

func (m *Manager) closeReason(p Position, now time.Time) (string, bool) {
	if now.Sub(p.OpenedAt) > m.strat.MaxHoldDuration {
		return "max hold duration exceeded", true
	}
	if snap, ok := m.cache.Snapshot(p.Symbol); ok {
		if funding, ok := snap.Funding(); ok && funding <= 0 {
			return "funding rate no longer positive", true
		}
	}
	return "", false
}

// close submits both exit legs at market. Client order IDs make retries
// after a partial failure idempotent: a leg that already went through is
// not resubmitted.
func (m *Manager) close(ctx context.Context, tradeID, reason string) error {
	m.mu.Lock()
	p, ok := m.positions[tradeID]
	if !ok || (p.Status != StatusActive && p.Status != StatusClosing) {
		m.mu.Unlock()
		return nil
	}
	p.Status = StatusClosing
	p.CloseReason = reason
	symbol, size := p.Symbol, p.Size
	m.mu.Unlock()

	_, spotErr := m.executor.PlaceOrder(ctx, exec.Order{
		Symbol:        symbol,
		Market:        exec.MarketSpot,
		Side:          exec.SideSell,
		Quantity:      size,
		ClientOrderID: tradeID + ":spot-close",
	})
	_, futuresErr := m.executor.PlaceOrder(ctx, exec.Order{
		Symbol:        symbol,
		Market:        exec.MarketFutures,
		Side:          exec.SideBuy,
		Quantity:      size,
		ClientOrderID: tradeID + ":futures-close",
	})
	if spotErr != nil || futuresErr != nil {
		return errors.Join(spotErr, futuresErr)
	}

	m.mu.Lock()
	p.Status = StatusClosed
	p.ClosedAt = m.now()
	closed := *p
	m.mu.Unlock()

	m.metrics.PositionsClosed.Inc()
	m.archive(ctx, closed)
	m.log.Info("position closed",
		zap.String("trade_id", closed.TradeID),
		zap.String("symbol", closed.Symbol),
		zap.String("reason", closed.CloseReason))
	m.notify(ctx, alerts.PositionClosed(closed.TradeID, closed.Symbol, closed.CloseReason))
	return nil
}

func (m *Manager) fail(tradeID, reason string) {
	m.mu.Lock()
	p, ok := m.positions[tradeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.Status = StatusFailed
	p.FailReason = reason
	failed := *p
	m.mu.Unlock()
	m.metrics.PositionsFailed.Inc()
	m.log.Error("position failed",
		zap.String("trade_id", failed.TradeID),
		zap.String("symbol", failed.Symbol),
		zap.String("reason", reason))
	m.notify(context.Background(), alerts.PositionFailed(failed.TradeID, failed.Symbol, reason))
}

func (m *Manager) archive(ctx context.Context, p Position) {
	record := state.PositionRecord{
		TradeID:           p.TradeID,
		Symbol:            p.Symbol,
		Status:            string(p.Status),
		Size:              p.Size,
		EntrySpotPrice:    p.EntrySpotPrice,
		EntryFuturesPrice: p.EntryFuturesPrice,
		FundingRate:       p.FundingRate,
		OpenedAtMS:        p.OpenedAt.UnixMilli(),
		ClosedAtMS:        p.ClosedAt.UnixMilli(),
		CloseReason:       p.CloseReason,
	}
	if err := state.SavePositionRecord(ctx, m.store, record); err != nil {
		m.log.Warn("failed to archive closed position",
			zap.String("trade_id", p.TradeID), zap.Error(err))
	}
}

func (m *Manager) notify(ctx context.Context, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, message); err != nil {
		m.log.Warn("alert delivery failed", zap.Error(err))
	}
}

func (m *Manager) openPositions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.isOpen() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (m *Manager) snapshot(tradeID string) Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[tradeID]; ok {
		return *p
	}
	return Position{}
}

// OpenCount reports how many positions currently hold exposure.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.positions {
		if p.isOpen() {
			count++
		}
	}
	return count
}

// Stats summarizes lifetime position outcomes for the status surface.
type Stats struct {
	Open   int
	Closed int
	Failed int
}

func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, p := range m.positions {
		switch {
		case p.isOpen():
			s.Open++
		case p.Status == StatusClosed:
			s.Closed++
		case p.Status == StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Positions returns a copy of every tracked position, newest first.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}
