package state

import (
	"context"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestPositionRecordRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	record := PositionRecord{
		TradeID:           "ARB_SOLINR_1740000000",
		Symbol:            "SOL/INR",
		Status:            "CLOSED",
		Size:              66.6,
		EntrySpotPrice:    150,
		EntryFuturesPrice: 151,
		FundingRate:       0.02,
		OpenedAtMS:        1740000000000,
		ClosedAtMS:        1740086400000,
		CloseReason:       "max hold duration exceeded",
	}
	if err := SavePositionRecord(ctx, store, record); err != nil {
		t.Fatalf("save record: %v", err)
	}
	got, ok, err := LoadPositionRecord(ctx, store, record.TradeID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to be present")
	}
	if got != record {
		t.Fatalf("unexpected record: %#v", got)
	}
}

func TestPositionRecordMissing(t *testing.T) {
	store := &memoryStore{}
	got, ok, err := LoadPositionRecord(context.Background(), store, "ARB_SOLINR_1")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if ok {
		t.Fatalf("expected no record, got %#v", got)
	}
}

func TestPositionRecordInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{ClosedPositionKey("ARB_SOLINR_1"): "{"}}
	_, _, err := LoadPositionRecord(context.Background(), store, "ARB_SOLINR_1")
	if err == nil {
		t.Fatalf("expected error for invalid record JSON")
	}
}

func TestPositionRecordNilStore(t *testing.T) {
	if err := SavePositionRecord(context.Background(), nil, PositionRecord{TradeID: "x"}); err != nil {
		t.Fatalf("nil store save must be a no-op, got %v", err)
	}
	_, ok, err := LoadPositionRecord(context.Background(), nil, "x")
	if err != nil || ok {
		t.Fatalf("nil store load must report absence, got ok=%v err=%v", ok, err)
	}
}
