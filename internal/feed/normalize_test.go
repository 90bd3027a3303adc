package feed

import (
	"encoding/json"
	"testing"
	"time"

	"funding-arb-bot/internal/market"
)

var testTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func normalizeOne(t *testing.T, channel, symbol, payload string) []market.PriceUpdate {
	t.Helper()
	return Normalize(channel, symbol, json.RawMessage(payload), testTime)
}

func TestNormalizeTickerSpot(t *testing.T) {
	updates := normalizeOne(t, "ticker", "", `{"symbol":"SOL/INR","close":"123.5"}`)
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	u := updates[0]
	if u.Symbol != "SOL/INR" || u.Kind != market.KindSpotLast || u.Value != 123.5 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestNormalizeTickerFutures(t *testing.T) {
	updates := normalizeOne(t, "ticker", "", `{"symbol":"SOL/INR","mark_price":124.1,"funding_rate":0.015}`)
	if len(updates) != 2 {
		t.Fatalf("expected mark+funding, got %d updates", len(updates))
	}
	kinds := map[market.Kind]float64{}
	for _, u := range updates {
		kinds[u.Kind] = u.Value
	}
	if kinds[market.KindFuturesMark] != 124.1 {
		t.Fatalf("unexpected mark %f", kinds[market.KindFuturesMark])
	}
	if kinds[market.KindFundingRate] != 0.015 {
		t.Fatalf("unexpected funding %f", kinds[market.KindFundingRate])
	}
}

func TestNormalizeTickerNegativeFunding(t *testing.T) {
	updates := normalizeOne(t, "ticker", "", `{"symbol":"SOL/INR","funding_rate":-0.01}`)
	if len(updates) != 1 || updates[0].Kind != market.KindFundingRate || updates[0].Value != -0.01 {
		t.Fatalf("negative funding must pass through, got %+v", updates)
	}
}

func TestNormalizeOrderbook(t *testing.T) {
	updates := normalizeOne(t, "orderbook", "SOL/INR", `{"bids":[["99","2"],["98","1"]],"asks":[["101","3"]]}`)
	if len(updates) != 2 {
		t.Fatalf("expected bid+ask, got %d", len(updates))
	}
	if updates[0].Kind != market.KindSpotBid || updates[0].Value != 99 {
		t.Fatalf("unexpected bid %+v", updates[0])
	}
	if updates[1].Kind != market.KindSpotAsk || updates[1].Value != 101 {
		t.Fatalf("unexpected ask %+v", updates[1])
	}
}

func TestNormalizeTrade(t *testing.T) {
	updates := normalizeOne(t, "trade", "", `{"pair":"BTC/INR","price":50000}`)
	if len(updates) != 1 || updates[0].Kind != market.KindSpotLast || updates[0].Value != 50000 {
		t.Fatalf("unexpected trade updates %+v", updates)
	}
}

func TestNormalizeMarkPrice(t *testing.T) {
	updates := normalizeOne(t, "markprice", "", `{"symbol":"BTC/INR","price":"50100.5"}`)
	if len(updates) != 1 || updates[0].Kind != market.KindFuturesMark || updates[0].Value != 50100.5 {
		t.Fatalf("unexpected mark updates %+v", updates)
	}
}

func TestNormalizeCandlestickScope(t *testing.T) {
	spot := normalizeOne(t, "candlestick", "", `{"symbol":"SOL/INR","close":120}`)
	if len(spot) != 1 || spot[0].Kind != market.KindSpotLast {
		t.Fatalf("expected spot close, got %+v", spot)
	}
	futures := normalizeOne(t, "candlestick", "", `{"symbol":"FUTURES:SOL/INR","close":121}`)
	if len(futures) != 1 || futures[0].Kind != market.KindFuturesMark {
		t.Fatalf("expected futures close, got %+v", futures)
	}
	if futures[0].Symbol != "SOL/INR" {
		t.Fatalf("futures prefix must be stripped, got %q", futures[0].Symbol)
	}
}

func TestNormalizeSkipsMissingFields(t *testing.T) {
	cases := []struct {
		channel string
		payload string
	}{
		{"ticker", `{"close":100}`},
		{"trade", `{"symbol":"SOL/INR"}`},
		{"markprice", `{"symbol":"SOL/INR","price":"bogus"}`},
		{"orderbook", `{"symbol":"SOL/INR","bids":[],"asks":[]}`},
		{"candlestick", `{"symbol":"SOL/INR"}`},
		{"unknown", `{"symbol":"SOL/INR","price":1}`},
	}
	for _, tc := range cases {
		if updates := normalizeOne(t, tc.channel, "", tc.payload); len(updates) != 0 {
			t.Fatalf("channel %s payload %s: expected no updates, got %+v", tc.channel, tc.payload, updates)
		}
	}
}

func TestNormalizeMalformedJSON(t *testing.T) {
	if updates := normalizeOne(t, "ticker", "SOL/INR", `{broken`); len(updates) != 0 {
		t.Fatalf("malformed payload must yield nothing, got %+v", updates)
	}
}
