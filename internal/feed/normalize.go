package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"funding-arb-bot/internal/market"
)

const (
	ChannelTicker      = "ticker"
	ChannelOrderbook   = "orderbook"
	ChannelTrade       = "trade"
	ChannelMarkPrice   = "markprice"
	ChannelCandlestick = "candlestick"
)

// futuresScopePrefix marks symbols that belong to the futures scope on
// channels shared between both markets. It is stripped before the symbol
// is used as a cache key.
const futuresScopePrefix = "FUTURES:"

type parseFunc func(symbol string, raw json.RawMessage, observedAt time.Time) []market.PriceUpdate

var channelParsers = map[string]parseFunc{
	ChannelTicker:      parseTicker,
	ChannelOrderbook:   parseOrderbook,
	ChannelTrade:       parseTrade,
	ChannelMarkPrice:   parseMarkPrice,
	ChannelCandlestick: parseCandlestick,
}

// Normalize maps one channel-tagged payload to zero or more canonical
// price updates. Unknown channels and payloads missing required fields
// yield no events.
func Normalize(channel, symbol string, raw json.RawMessage, observedAt time.Time) []market.PriceUpdate {
	parse, ok := channelParsers[strings.ToLower(strings.TrimSpace(channel))]
	if !ok {
		return nil
	}
	return parse(symbol, raw, observedAt)
}

// flexFloat accepts both JSON numbers and numeric strings; anything else
// decodes to zero, which downstream treats as absent.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type tickerPayload struct {
	Symbol      string     `json:"symbol"`
	Pair        string     `json:"pair"`
	Last        flexFloat  `json:"last"`
	Close       flexFloat  `json:"close"`
	MarkPrice   flexFloat  `json:"mark_price"`
	FundingRate *flexFloat `json:"funding_rate"`
}

func parseTicker(symbol string, raw json.RawMessage, observedAt time.Time) []market.PriceUpdate {
	var payload tickerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	key, _ := resolveSymbol(payload.Symbol, payload.Pair, symbol)
	if key == "" {
		return nil
	}
	var updates []market.PriceUpdate
	last := float64(payload.Close)
	if last == 0 {
		last = float64(payload.Last)
	}
	if last > 0 {
		updates = append(updates, market.PriceUpdate{Symbol: key, Kind: market.KindSpotLast, Value: last, ObservedAt: observedAt})
	}
	if payload.MarkPrice > 0 {
		updates = append(updates, market.PriceUpdate{Symbol: key, Kind: market.KindFuturesMark, Value: float64(payload.MarkPrice), ObservedAt: observedAt})
	}
	if payload.FundingRate != nil {
		updates = append(updates, market.PriceUpdate{Symbol: key, Kind: market.KindFundingRate, Value: float64(*payload.FundingRate), ObservedAt: observedAt})
	}
	return updates
}

type orderbookPayload struct {
	Symbol string        `json:"symbol"`
	Pair   string        `json:"pair"`
	Bids   [][]flexFloat `json:"bids"`
	Asks   [][]flexFloat `json:"asks"`
}

func parseOrderbook(symbol string, raw json.RawMessage, observedAt time.Time) []market.PriceUpdate {
	var payload orderbookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	key, _ := resolveSymbol(payload.Symbol, payload.Pair, symbol)
	if key == "" {
		return nil
	}
	var updates []market.PriceUpdate
	if bid := bestLevel(payload.Bids); bid > 0 {
		updates = append(updates, market.PriceUpdate{Symbol: key, Kind: market.KindSpotBid, Value: bid, ObservedAt: observedAt})
	}
	if ask := bestLevel(payload.Asks); ask > 0 {
		updates = append(updates, market.PriceUpdate{Symbol: key, Kind: market.KindSpotAsk, Value: ask, ObservedAt: observedAt})
	}
	return updates
}

func bestLevel(levels [][]flexFloat) float64 {
	if len(levels) == 0 || len(levels[0]) == 0 {
		return 0
	}
	return float64(levels[0][0])
}

type tradePayload struct {
	Symbol string    `json:"symbol"`
	Pair   string    `json:"pair"`
	Price  flexFloat `json:"price"`
}

func parseTrade(symbol string, raw json.RawMessage, observedAt time.Time) []market.PriceUpdate {
	var payload tradePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	key, _ := resolveSymbol(payload.Symbol, payload.Pair, symbol)
	if key == "" || payload.Price <= 0 {
		return nil
	}
	return []market.PriceUpdate{{Symbol: key, Kind: market.KindSpotLast, Value: float64(payload.Price), ObservedAt: observedAt}}
}

type markPricePayload struct {
	Symbol string    `json:"symbol"`
	Pair   string    `json:"pair"`
	Price  flexFloat `json:"price"`
}

func parseMarkPrice(symbol string, raw json.RawMessage, observedAt time.Time) []market.PriceUpdate {
	var payload markPricePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	key, _ := resolveSymbol(payload.Symbol, payload.Pair, symbol)
	if key == "" || payload.Price <= 0 {
		return nil
	}
	return []market.PriceUpdate{{Symbol: key, Kind: market.KindFuturesMark, Value: float64(payload.Price), ObservedAt: observedAt}}
}

type candlestickPayload struct {
	Symbol string    `json:"symbol"`
	Pair   string    `json:"pair"`
	Close  flexFloat `json:"close"`
}

func parseCandlestick(symbol string, raw json.RawMessage, observedAt time.Time) []market.PriceUpdate {
	var payload candlestickPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	key, futures := resolveSymbol(payload.Symbol, payload.Pair, symbol)
	if key == "" || payload.Close <= 0 {
		return nil
	}
	kind := market.KindSpotLast
	if futures {
		kind = market.KindFuturesMark
	}
	return []market.PriceUpdate{{Symbol: key, Kind: kind, Value: float64(payload.Close), ObservedAt: observedAt}}
}

// resolveSymbol picks the first non-empty candidate, reports whether it
// carried the futures-scope prefix, and strips the prefix.
func resolveSymbol(candidates ...string) (string, bool) {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(candidate, futuresScopePrefix); ok {
			return strings.TrimSpace(rest), true
		}
		return candidate, false
	}
	return "", false
}
