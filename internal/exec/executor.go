package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/state"

	"go.uber.org/zap"
)

type Market string

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Order describes a single leg. A zero Price means a market order; limit
// orders carry the capped price.
type Order struct {
	Symbol        string
	Market        Market
	Side          Side
	Quantity      float64
	Price         float64
	ClientOrderID string
}

// Balance is the available quote balance on one market.
type Balance struct {
	Currency  string
	Available float64
}

type OrderClient interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
	CancelOrder(ctx context.Context, orderID string, market Market) error
	AccountBalance(ctx context.Context, market Market) (Balance, error)
}

// Executor places orders with bounded retry. Orders carrying a client
// order ID are idempotent: a repeat placement returns the recorded
// exchange order ID instead of hitting the venue again.
type Executor struct {
	client  OrderClient
	store   state.Store
	metrics *metrics.Metrics
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(client OrderClient, store state.Store, m *metrics.Metrics, log *zap.Logger) *Executor {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{
		client:  client,
		store:   store,
		metrics: m,
		log:     log,
		cache:   make(map[string]string),
	}
}

func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	if order.ClientOrderID == "" {
		return e.placeWithRetry(ctx, order)
	}
	cacheKey := "order:" + order.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) CancelOrder(ctx context.Context, orderID string, market Market) error {
	return e.retry(ctx, func() error {
		return e.client.CancelOrder(ctx, orderID, market)
	})
}

func (e *Executor) AccountBalance(ctx context.Context, market Market) (Balance, error) {
	var balance Balance
	err := e.retry(ctx, func() error {
		var inner error
		balance, inner = e.client.AccountBalance(ctx, market)
		return inner
	})
	return balance, err
}

func (e *Executor) placeWithRetry(ctx context.Context, order Order) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.client.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return "", err
	}
	if orderID == "" {
		e.metrics.OrdersFailed.Inc()
		return "", errors.New("empty order id")
	}
	e.metrics.OrdersPlaced.Inc()
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err := fn(); err != nil {
			if attempt == 4 {
				return fmt.Errorf("retry failed: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return nil
}
