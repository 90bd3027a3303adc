package exec

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PaperClient simulates a venue: every order fills instantly at its
// requested price. It backs dry runs and any deployment without a live
// trading integration.
type PaperClient struct {
	log *zap.Logger

	mu      sync.Mutex
	seq     int
	balance map[Market]Balance
}

func NewPaperClient(quoteBalance float64, log *zap.Logger) *PaperClient {
	return &PaperClient{
		log: log,
		balance: map[Market]Balance{
			MarketSpot:    {Currency: "INR", Available: quoteBalance},
			MarketFutures: {Currency: "INR", Available: quoteBalance},
		},
	}
}

func (p *PaperClient) PlaceOrder(ctx context.Context, order Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.seq++
	orderID := fmt.Sprintf("paper-%d", p.seq)
	p.mu.Unlock()
	p.log.Info("paper order filled",
		zap.String("order_id", orderID),
		zap.String("symbol", order.Symbol),
		zap.String("market", string(order.Market)),
		zap.String("side", string(order.Side)),
		zap.Float64("quantity", order.Quantity),
		zap.Float64("price", order.Price))
	return orderID, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, orderID string, market Market) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.log.Info("paper order canceled",
		zap.String("order_id", orderID),
		zap.String("market", string(market)))
	return nil
}

func (p *PaperClient) AccountBalance(ctx context.Context, market Market) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance[market], nil
}
