package market

import (
	"sync"
	"time"
)

// Kind identifies which field of a symbol's snapshot a PriceUpdate
// addresses.
type Kind string

const (
	KindSpotLast    Kind = "spot_last"
	KindSpotBid     Kind = "spot_bid"
	KindSpotAsk     Kind = "spot_ask"
	KindFuturesMark Kind = "futures_mark"
	KindFundingRate Kind = "funding_rate"
)

// PriceUpdate is a single normalized observation from a market-data
// channel. Updates are consumed once by Cache.Apply.
type PriceUpdate struct {
	Symbol     string
	Kind       Kind
	Value      float64
	ObservedAt time.Time
}

// Snapshot is a value copy of one symbol's cached market data. Zero means
// the field has not been observed yet; funding rates may legitimately be
// negative, so HasFunding tracks presence separately.
type Snapshot struct {
	Symbol       string
	SpotLast     float64
	SpotBid      float64
	SpotAsk      float64
	FuturesMark  float64
	FundingRate  float64
	HasFunding   bool
	LastUpdateAt time.Time
}

// EffectiveSpot derives the spot price to trade against: last trade if
// present, midpoint if both sides of the book are known, otherwise
// whichever side exists.
func (s Snapshot) EffectiveSpot() (float64, bool) {
	if s.SpotLast > 0 {
		return s.SpotLast, true
	}
	if s.SpotBid > 0 && s.SpotAsk > 0 {
		return (s.SpotBid + s.SpotAsk) / 2, true
	}
	if s.SpotBid > 0 {
		return s.SpotBid, true
	}
	if s.SpotAsk > 0 {
		return s.SpotAsk, true
	}
	return 0, false
}

func (s Snapshot) EffectiveFutures() (float64, bool) {
	if s.FuturesMark > 0 {
		return s.FuturesMark, true
	}
	return 0, false
}

func (s Snapshot) Funding() (float64, bool) {
	return s.FundingRate, s.HasFunding
}

// Cache is the concurrency-safe symbol -> snapshot store shared by the
// feed goroutines (writers) and the decision engine (reader). A single
// mutex is enough for the small symbol universe this bot trades.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewCache() *Cache {
	return &Cache{snapshots: make(map[string]*Snapshot)}
}

// Apply overwrites only the field addressed by the update, leaving the
// rest of the symbol's snapshot untouched.
func (c *Cache) Apply(u PriceUpdate) {
	if u.Symbol == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[u.Symbol]
	if !ok {
		snap = &Snapshot{Symbol: u.Symbol}
		c.snapshots[u.Symbol] = snap
	}
	switch u.Kind {
	case KindSpotLast:
		snap.SpotLast = u.Value
	case KindSpotBid:
		snap.SpotBid = u.Value
	case KindSpotAsk:
		snap.SpotAsk = u.Value
	case KindFuturesMark:
		snap.FuturesMark = u.Value
	case KindFundingRate:
		snap.FundingRate = u.Value
		snap.HasFunding = true
	default:
		return
	}
	ts := u.ObservedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	snap.LastUpdateAt = ts
}

// Snapshot returns an immutable copy so readers never observe an
// in-progress mutation.
func (c *Cache) Snapshot(symbol string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[symbol]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.snapshots))
	for symbol := range c.snapshots {
		out = append(out, symbol)
	}
	return out
}

// HasSpotAndFutures reports whether at least one symbol has an effective
// spot price and at least one has a futures mark. The decision engine's
// cold-start gate polls this before its first scan.
func (c *Cache) HasSpotAndFutures() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var spot, futures bool
	for _, snap := range c.snapshots {
		if _, ok := snap.EffectiveSpot(); ok {
			spot = true
		}
		if _, ok := snap.EffectiveFutures(); ok {
			futures = true
		}
		if spot && futures {
			return true
		}
	}
	return false
}
