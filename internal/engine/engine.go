package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/market"

	"go.uber.org/zap"
)

var (
	// ErrColdStart reports that the cache never received both a spot and a
	// futures reading within the startup window. Callers treat it as "no
	// opportunities yet", never as fatal.
	ErrColdStart = errors.New("market data cold start timed out")

	// ErrValidation rejects an opportunity at execution time.
	ErrValidation = errors.New("opportunity validation failed")
)

const (
	coldStartPoll    = 1 * time.Second
	coldStartTimeout = 30 * time.Second

	hoursPerYear = 365 * 24
)

// Opportunity is one evaluated funding-rate arbitrage candidate. Entries
// are memoized per TTL bucket and discarded when the bucket rolls over.
type Opportunity struct {
	Symbol           string
	SpotPrice        float64
	FuturesPrice     float64
	FundingRate      float64
	HoursToFunding   float64
	Basis            float64
	NetProfitPercent float64
	AnnualizedReturn float64
	IsLiquid         bool
	IsRiskAcceptable bool
	IsProfitable     bool
	Reason           string
	ComputedAt       time.Time
}

type Profitability struct {
	NetProfitPercent float64
	AnnualizedReturn float64
	TotalFees        float64
	Basis            float64
	IsProfitable     bool
}

type RiskAssessment struct {
	Score        float64
	Factors      []string
	IsAcceptable bool
}

type LiquidityAssessment struct {
	IsLiquid     bool
	SpotPrice    float64
	FuturesPrice float64
	Reason       string
}

type PositionSizes struct {
	SpotQuantity    float64
	FuturesQuantity float64
	SpotNotional    float64
	FuturesNotional float64
	RequiredMargin  float64
}

type memoEntry struct {
	bucket int64
	opp    Opportunity
}

// Engine evaluates funding-rate arbitrage opportunities against the live
// market cache.
type Engine struct {
	cache    *market.Cache
	strat    config.StrategyConfig
	fees     config.FeesConfig
	log      *zap.Logger
	now      func() time.Time
	universe map[string]struct{}

	startPoll    time.Duration
	startTimeout time.Duration

	mu    sync.Mutex
	memo  map[string]memoEntry
	ready bool
}

func New(cache *market.Cache, strat config.StrategyConfig, fees config.FeesConfig, log *zap.Logger) *Engine {
	universe := make(map[string]struct{}, len(strat.Symbols))
	for _, symbol := range strat.Symbols {
		universe[symbol] = struct{}{}
	}
	return &Engine{
		cache:        cache,
		strat:        strat,
		fees:         fees,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		universe:     universe,
		startPoll:    coldStartPoll,
		startTimeout: coldStartTimeout,
		memo:         make(map[string]memoEntry),
	}
}

// CalculateProfitability computes the expected net outcome of holding a
// hedged position through the funding boundary. Funding is realized once
// per configured interval; a round trip pays taker fees on both legs,
// twice.
func (e *Engine) CalculateProfitability(fundingRate, hoursToFunding, spotPrice, futuresPrice float64) Profitability {
	totalFees := (e.fees.SpotTaker + e.fees.FuturesTaker) * 2
	intervals := math.Max(1, hoursToFunding/float64(e.strat.FundingIntervalHrs))
	expectedFunding := fundingRate * intervals
	netProfit := expectedFunding - totalFees

	var basis float64
	if spotPrice > 0 {
		basis = (futuresPrice - spotPrice) / spotPrice
	}
	var annualized float64
	if hoursToFunding > 0 {
		annualized = netProfit * hoursPerYear / hoursToFunding
	}
	return Profitability{
		NetProfitPercent: netProfit,
		AnnualizedReturn: annualized,
		TotalFees:        totalFees,
		Basis:            basis,
		IsProfitable:     netProfit > 0 && annualized > e.strat.MinProfitableAPR,
	}
}

// HoursToFunding returns the time until the next funding boundary strictly
// after now. Boundaries sit on fixed wall-clock multiples of the
// configured interval, wrapping to the next day past the last one.
func (e *Engine) HoursToFunding(now time.Time) float64 {
	interval := time.Duration(e.strat.FundingIntervalHrs) * time.Hour
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	steps := now.Sub(dayStart)/interval + 1
	next := dayStart.Add(steps * interval)
	return next.Sub(now).Hours()
}

// AssessLiquidity treats a symbol as liquid when both legs currently have
// a price in the cache. This is a deliberate placeholder for real
// order-book-depth analysis; keep the policy as is.
func (e *Engine) AssessLiquidity(symbol string) LiquidityAssessment {
	snap, ok := e.cache.Snapshot(symbol)
	if !ok {
		return LiquidityAssessment{Reason: "no market data"}
	}
	spot, spotOK := snap.EffectiveSpot()
	futures, futuresOK := snap.EffectiveFutures()
	if !spotOK || !futuresOK {
		return LiquidityAssessment{Reason: "missing price data"}
	}
	return LiquidityAssessment{IsLiquid: true, SpotPrice: spot, FuturesPrice: futures}
}

// AssessRisk scores a prospective position. The score is additive, capped
// at 1.0, and acceptable below 0.7.
func (e *Engine) AssessRisk(symbol string, positionSize float64) RiskAssessment {
	var score float64
	var factors []string
	if positionSize > e.strat.PositionSizeQuote*2 {
		score += 0.3
		factors = append(factors, "large position size")
	}
	if _, ok := e.universe[symbol]; !ok {
		score += 0.5
		factors = append(factors, "symbol outside tradable universe")
	}
	if snap, ok := e.cache.Snapshot(symbol); ok {
		if spot, ok := snap.EffectiveSpot(); ok && spot < e.strat.MinSpotPrice {
			score += 0.2
			factors = append(factors, "low price")
		}
	}
	score = math.Min(score, 1.0)
	return RiskAssessment{Score: score, Factors: factors, IsAcceptable: score < 0.7}
}

// CalculatePositionSizes sizes both legs for a 1:1 hedge of the target
// notional.
func (e *Engine) CalculatePositionSizes(symbol string, targetNotional float64) (PositionSizes, error) {
	snap, ok := e.cache.Snapshot(symbol)
	if !ok {
		return PositionSizes{}, fmt.Errorf("no market data for %s", symbol)
	}
	spot, spotOK := snap.EffectiveSpot()
	futures, futuresOK := snap.EffectiveFutures()
	if !spotOK || !futuresOK {
		return PositionSizes{}, fmt.Errorf("missing price data for %s", symbol)
	}
	quantity := targetNotional / spot
	return PositionSizes{
		SpotQuantity:    quantity,
		FuturesQuantity: quantity,
		SpotNotional:    quantity * spot,
		FuturesNotional: quantity * futures,
		RequiredMargin:  targetNotional,
	}, nil
}

// FindOpportunities scans the tradable universe and returns profitable
// opportunities sorted by annualized return, best first. The first call
// blocks until the cache has at least one spot and one futures reading or
// the startup window elapses.
func (e *Engine) FindOpportunities(ctx context.Context) ([]Opportunity, error) {
	if !e.isReady() {
		if err := e.waitForData(ctx); err != nil {
			return nil, err
		}
		e.setReady()
	}
	now := e.now()
	bucket := now.Unix() / int64(e.strat.OpportunityCacheTTL.Seconds())

	var profitable []Opportunity
	for _, symbol := range e.strat.Symbols {
		opp, ok := e.memoized(symbol, bucket)
		if !ok {
			opp = e.analyze(symbol, now)
			e.memoize(symbol, bucket, opp)
		}
		if opp.IsProfitable {
			profitable = append(profitable, opp)
		}
	}
	sort.Slice(profitable, func(i, j int) bool {
		return profitable[i].AnnualizedReturn > profitable[j].AnnualizedReturn
	})
	return profitable, nil
}

func (e *Engine) analyze(symbol string, now time.Time) Opportunity {
	opp := Opportunity{Symbol: symbol, ComputedAt: now}
	snap, ok := e.cache.Snapshot(symbol)
	if !ok {
		opp.Reason = "no market data"
		return opp
	}
	spot, spotOK := snap.EffectiveSpot()
	futures, futuresOK := snap.EffectiveFutures()
	funding, fundingOK := snap.Funding()
	if !spotOK || !futuresOK || !fundingOK {
		opp.Reason = "missing market data"
		return opp
	}
	hours := e.HoursToFunding(now)
	profit := e.CalculateProfitability(funding, hours, spot, futures)
	liquidity := e.AssessLiquidity(symbol)
	risk := e.AssessRisk(symbol, e.strat.PositionSizeQuote)

	opp.SpotPrice = spot
	opp.FuturesPrice = futures
	opp.FundingRate = funding
	opp.HoursToFunding = hours
	opp.Basis = profit.Basis
	opp.NetProfitPercent = profit.NetProfitPercent
	opp.AnnualizedReturn = profit.AnnualizedReturn
	opp.IsLiquid = liquidity.IsLiquid
	opp.IsRiskAcceptable = risk.IsAcceptable
	opp.IsProfitable = profit.IsProfitable &&
		liquidity.IsLiquid &&
		risk.IsAcceptable &&
		funding > e.strat.MinPositiveFunding
	if !opp.IsProfitable && opp.Reason == "" {
		switch {
		case !profit.IsProfitable:
			opp.Reason = "below profitability threshold"
		case !liquidity.IsLiquid:
			opp.Reason = liquidity.Reason
		case !risk.IsAcceptable:
			opp.Reason = "risk score too high"
		default:
			opp.Reason = "funding rate below minimum"
		}
	}
	return opp
}

// Validate is the mandatory last gate before any order is placed. It
// re-reads current prices and rejects the opportunity when either leg has
// drifted past the slippage budget or funding no longer clears the
// minimum.
func (e *Engine) Validate(opp Opportunity) error {
	snap, ok := e.cache.Snapshot(opp.Symbol)
	if !ok {
		return fmt.Errorf("%w: no current market data for %s", ErrValidation, opp.Symbol)
	}
	spot, spotOK := snap.EffectiveSpot()
	futures, futuresOK := snap.EffectiveFutures()
	if !spotOK || !futuresOK {
		return fmt.Errorf("%w: missing current price for %s", ErrValidation, opp.Symbol)
	}
	maxDrift := e.strat.MaxSlippagePercent / 100
	if opp.SpotPrice > 0 {
		if drift := math.Abs(spot-opp.SpotPrice) / opp.SpotPrice; drift > maxDrift {
			return fmt.Errorf("%w: spot drifted %.4f%% on %s", ErrValidation, drift*100, opp.Symbol)
		}
	}
	if opp.FuturesPrice > 0 {
		if drift := math.Abs(futures-opp.FuturesPrice) / opp.FuturesPrice; drift > maxDrift {
			return fmt.Errorf("%w: futures drifted %.4f%% on %s", ErrValidation, drift*100, opp.Symbol)
		}
	}
	funding, fundingOK := snap.Funding()
	if !fundingOK || funding < e.strat.MinPositiveFunding {
		return fmt.Errorf("%w: funding rate no longer clears minimum on %s", ErrValidation, opp.Symbol)
	}
	return nil
}

func (e *Engine) waitForData(ctx context.Context) error {
	deadline := time.Now().Add(e.startTimeout)
	for {
		if e.cache.HasSpotAndFutures() {
			return nil
		}
		if time.Now().After(deadline) {
			e.log.Warn("timed out waiting for initial market data")
			return ErrColdStart
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.startPoll):
		}
	}
}

func (e *Engine) isReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Engine) setReady() {
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
}

func (e *Engine) memoized(symbol string, bucket int64) (Opportunity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.memo[symbol]
	if !ok || entry.bucket != bucket {
		return Opportunity{}, false
	}
	return entry.opp, true
}

func (e *Engine) memoize(symbol string, bucket int64, opp Opportunity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Entries from earlier buckets are dead weight; drop them as we go.
	for key, entry := range e.memo {
		if entry.bucket != bucket {
			delete(e.memo, key)
		}
	}
	e.memo[symbol] = memoEntry{bucket: bucket, opp: opp}
}
