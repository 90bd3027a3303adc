package state

import (
	"context"
	"encoding/json"
	"strings"
)

const closedPositionPrefix = "position:closed:"

// PositionRecord is the terminal snapshot of a closed or failed position,
// journaled for post-mortem inspection. Runtime decisions never read it
// back.
type PositionRecord struct {
	TradeID           string  `json:"trade_id"`
	Symbol            string  `json:"symbol"`
	Status            string  `json:"status"`
	Size              float64 `json:"size"`
	EntrySpotPrice    float64 `json:"entry_spot_price"`
	EntryFuturesPrice float64 `json:"entry_futures_price"`
	FundingRate       float64 `json:"funding_rate"`
	OpenedAtMS        int64   `json:"opened_at_ms"`
	ClosedAtMS        int64   `json:"closed_at_ms"`
	CloseReason       string  `json:"close_reason"`
}

func ClosedPositionKey(tradeID string) string {
	return closedPositionPrefix + tradeID
}

func SavePositionRecord(ctx context.Context, store Store, record PositionRecord) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, ClosedPositionKey(record.TradeID), string(payload))
}

func LoadPositionRecord(ctx context.Context, store Store, tradeID string) (PositionRecord, bool, error) {
	if store == nil {
		return PositionRecord{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, ClosedPositionKey(tradeID))
	if err != nil {
		return PositionRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return PositionRecord{}, false, nil
	}
	var record PositionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return PositionRecord{}, false, err
	}
	return record, true, nil
}
