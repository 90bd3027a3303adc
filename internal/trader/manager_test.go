package trader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/state"

	"go.uber.org/zap"
)

type mockExecutor struct {
	mu       sync.Mutex
	placed   []exec.Order
	canceled []string
	// failOn maps a ClientOrderID to an error returned on placement.
	failOn map[string]error
}

func (m *mockExecutor) PlaceOrder(ctx context.Context, order exec.Order) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[order.ClientOrderID]; ok {
		return "", err
	}
	m.placed = append(m.placed, order)
	return "oid-" + order.ClientOrderID, nil
}

func (m *mockExecutor) CancelOrder(ctx context.Context, orderID string, market exec.Market) error {
	_ = ctx
	_ = market
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, orderID)
	return nil
}

func (m *mockExecutor) placements() []exec.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exec.Order(nil), m.placed...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Send(ctx context.Context, message string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingNotifier) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return ""
	}
	return r.messages[len(r.messages)-1]
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type fixture struct {
	cache    *market.Cache
	executor *mockExecutor
	notifier *recordingNotifier
	store    *memoryStore
	manager  *Manager
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	strat := config.StrategyConfig{
		Symbols:             []string{"SOL/INR", "BTC/INR", "ETH/INR", "XRP/INR"},
		PositionSizeQuote:   10000,
		MaxOpenPositions:    2,
		MinProfitableAPR:    10.0,
		MinPositiveFunding:  0.01,
		MaxSlippagePercent:  0.5,
		MinSpotPrice:        100,
		MaxHoldDuration:     24 * time.Hour,
		FundingIntervalHrs:  8,
		OpportunityCacheTTL: 10 * time.Second,
	}
	fees := config.FeesConfig{SpotTaker: 0.00017, FuturesTaker: 0.00017}

	f := &fixture{
		cache:    market.NewCache(),
		executor: &mockExecutor{failOn: make(map[string]error)},
		notifier: &recordingNotifier{},
		store:    &memoryStore{},
		clock:    time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC),
	}
	eng := engine.New(f.cache, strat, fees, zap.NewNop())
	f.manager = NewManager(f.cache, eng, f.executor, f.store, f.notifier, nil, strat, zap.NewNop())
	f.manager.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) seed(symbol string, spot, futures, funding float64) {
	f.cache.Apply(market.PriceUpdate{Symbol: symbol, Kind: market.KindSpotLast, Value: spot})
	f.cache.Apply(market.PriceUpdate{Symbol: symbol, Kind: market.KindFuturesMark, Value: futures})
	f.cache.Apply(market.PriceUpdate{Symbol: symbol, Kind: market.KindFundingRate, Value: funding})
}

func (f *fixture) opportunity(symbol string, spot, futures, funding float64) engine.Opportunity {
	f.seed(symbol, spot, futures, funding)
	return engine.Opportunity{Symbol: symbol, SpotPrice: spot, FuturesPrice: futures, FundingRate: funding}
}

func TestOpenPlacesBothLegs(t *testing.T) {
	f := newFixture(t)
	opp := f.opportunity("SOL/INR", 150, 151, 0.02)

	position, err := f.manager.Open(context.Background(), opp)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if position.Status != StatusActive {
		t.Fatalf("expected ACTIVE, got %s", position.Status)
	}
	if !strings.HasPrefix(position.TradeID, "ARB_SOLINR_") {
		t.Fatalf("unexpected trade id %s", position.TradeID)
	}

	placed := f.executor.placements()
	if len(placed) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(placed))
	}
	spot, futures := placed[0], placed[1]
	if spot.Market != exec.MarketSpot || spot.Side != exec.SideBuy {
		t.Fatalf("first leg must be spot buy, got %+v", spot)
	}
	if futures.Market != exec.MarketFutures || futures.Side != exec.SideSell {
		t.Fatalf("second leg must be futures sell, got %+v", futures)
	}
	// 0.5% premium on both legs.
	if spot.Price <= 150 || spot.Price > 150*1.0051 {
		t.Fatalf("spot limit out of range: %f", spot.Price)
	}
	if futures.Price >= 151 || futures.Price < 151*0.9949 {
		t.Fatalf("futures limit out of range: %f", futures.Price)
	}
	if spot.Quantity != futures.Quantity {
		t.Fatalf("legs must match in size: %f vs %f", spot.Quantity, futures.Quantity)
	}
	if !strings.Contains(f.notifier.last(), "opened") {
		t.Fatalf("expected open alert, got %q", f.notifier.last())
	}
}

func TestOpenFuturesFailureCancelsSpot(t *testing.T) {
	f := newFixture(t)
	opp := f.opportunity("SOL/INR", 150, 151, 0.02)
	f.executor.failOn["ARB_SOLINR_1772337600:futures"] = errors.New("margin check failed")

	position, err := f.manager.Open(context.Background(), opp)
	if err == nil {
		t.Fatalf("expected open to fail")
	}
	if position.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", position.Status)
	}
	if len(f.executor.canceled) != 1 {
		t.Fatalf("expected compensating cancel, got %v", f.executor.canceled)
	}
	if !strings.Contains(f.notifier.last(), "FAILED") {
		t.Fatalf("expected failure alert, got %q", f.notifier.last())
	}
	if f.manager.OpenCount() != 0 {
		t.Fatalf("failed position must not hold exposure")
	}
}

func TestOpenSpotFailureSkipsFutures(t *testing.T) {
	f := newFixture(t)
	opp := f.opportunity("SOL/INR", 150, 151, 0.02)
	f.executor.failOn["ARB_SOLINR_1772337600:spot"] = errors.New("insufficient balance")

	if _, err := f.manager.Open(context.Background(), opp); err == nil {
		t.Fatalf("expected open to fail")
	}
	if len(f.executor.placements()) != 0 {
		t.Fatalf("no leg may be placed after spot failure, got %v", f.executor.placements())
	}
	if len(f.executor.canceled) != 0 {
		t.Fatalf("nothing to cancel when spot never filled")
	}
}

func TestOpenEnforcesExposureCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Open(ctx, f.opportunity("SOL/INR", 150, 151, 0.02)); err != nil {
		t.Fatalf("open 1: %v", err)
	}
	f.clock = f.clock.Add(time.Second)
	if _, err := f.manager.Open(ctx, f.opportunity("BTC/INR", 5000000, 5010000, 0.02)); err != nil {
		t.Fatalf("open 2: %v", err)
	}
	f.clock = f.clock.Add(time.Second)
	_, err := f.manager.Open(ctx, f.opportunity("ETH/INR", 300000, 301000, 0.02))
	if !errors.Is(err, ErrExposureCap) {
		t.Fatalf("expected exposure cap, got %v", err)
	}
}

func TestOpenRejectsDuplicateSymbol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Open(ctx, f.opportunity("SOL/INR", 150, 151, 0.02)); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.clock = f.clock.Add(time.Second)
	_, err := f.manager.Open(ctx, f.opportunity("SOL/INR", 150, 151, 0.02))
	if !errors.Is(err, ErrSymbolBusy) {
		t.Fatalf("expected symbol busy, got %v", err)
	}
}

func TestOpenRejectsDriftedPrices(t *testing.T) {
	f := newFixture(t)
	opp := f.opportunity("SOL/INR", 150, 151, 0.02)
	// Spot moved 1% since the scan.
	f.cache.Apply(market.PriceUpdate{Symbol: "SOL/INR", Kind: market.KindSpotLast, Value: 151.5})

	_, err := f.manager.Open(context.Background(), opp)
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.executor.placements()) != 0 {
		t.Fatalf("no order may be placed for a rejected opportunity")
	}
}

func TestMonitorClosesAfterMaxHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	position, err := f.manager.Open(ctx, f.opportunity("SOL/INR", 150, 151, 0.02))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.clock = f.clock.Add(25 * time.Hour)
	f.manager.Monitor(ctx)

	got := f.manager.snapshot(position.TradeID)
	if got.Status != StatusClosed {
		t.Fatalf("expected CLOSED after max hold, got %s", got.Status)
	}
	if got.CloseReason != "max hold duration exceeded" {
		t.Fatalf("unexpected close reason %q", got.CloseReason)
	}
	placed := f.executor.placements()
	if len(placed) != 4 {
		t.Fatalf("expected 2 exit legs on top of 2 entry legs, got %d", len(placed))
	}
	exitSpot, exitFutures := placed[2], placed[3]
	if exitSpot.Side != exec.SideSell || exitSpot.Market != exec.MarketSpot || exitSpot.Price != 0 {
		t.Fatalf("exit spot leg must be a market sell, got %+v", exitSpot)
	}
	if exitFutures.Side != exec.SideBuy || exitFutures.Market != exec.MarketFutures || exitFutures.Price != 0 {
		t.Fatalf("exit futures leg must be a market buy, got %+v", exitFutures)
	}

	key := state.ClosedPositionKey(position.TradeID)
	if _, ok, _ := f.store.Get(ctx, key); !ok {
		t.Fatalf("expected archived record under %s", key)
	}
	if !strings.Contains(f.notifier.last(), "closed") {
		t.Fatalf("expected close alert, got %q", f.notifier.last())
	}
}

func TestMonitorClosesOnNonPositiveFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	position, err := f.manager.Open(ctx, f.opportunity("SOL/INR", 150, 151, 0.02))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.cache.Apply(market.PriceUpdate{Symbol: "SOL/INR", Kind: market.KindFundingRate, Value: -0.001})
	f.clock = f.clock.Add(time.Minute)
	f.manager.Monitor(ctx)

	got := f.manager.snapshot(position.TradeID)
	if got.Status != StatusClosed {
		t.Fatalf("expected CLOSED on negative funding, got %s", got.Status)
	}
	if got.CloseReason != "funding rate no longer positive" {
		t.Fatalf("unexpected close reason %q", got.CloseReason)
	}
}

func TestMonitorKeepsHealthyPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	position, err := f.manager.Open(ctx, f.opportunity("SOL/INR", 150, 151, 0.02))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.clock = f.clock.Add(time.Hour)
	f.manager.Monitor(ctx)

	if got := f.manager.snapshot(position.TradeID); got.Status != StatusActive {
		t.Fatalf("healthy position must stay ACTIVE, got %s", got.Status)
	}
}

func TestMonitorRetriesPartialClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	position, err := f.manager.Open(ctx, f.opportunity("SOL/INR", 150, 151, 0.02))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	closeKey := position.TradeID + ":futures-close"
	f.executor.failOn[closeKey] = errors.New("venue down")
	f.clock = f.clock.Add(25 * time.Hour)
	f.manager.Monitor(ctx)

	got := f.manager.snapshot(position.TradeID)
	if got.Status != StatusClosing {
		t.Fatalf("partial close must stay CLOSING, got %s", got.Status)
	}

	// Venue recovers; the next pass completes the close.
	delete(f.executor.failOn, closeKey)
	f.manager.Monitor(ctx)
	got = f.manager.snapshot(position.TradeID)
	if got.Status != StatusClosed {
		t.Fatalf("expected CLOSED after retry, got %s", got.Status)
	}
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Open(ctx, f.opportunity("SOL/INR", 150, 151, 0.02)); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.clock = f.clock.Add(time.Second)
	f.executor.failOn["ARB_BTCINR_1772337601:futures"] = errors.New("margin check failed")
	if _, err := f.manager.Open(ctx, f.opportunity("BTC/INR", 5000000, 5010000, 0.02)); err == nil {
		t.Fatalf("expected BTC open to fail")
	}

	stats := f.manager.Statistics()
	if stats.Open != 1 || stats.Failed != 1 || stats.Closed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(f.manager.Positions()) != 2 {
		t.Fatalf("expected 2 tracked positions")
	}
}
