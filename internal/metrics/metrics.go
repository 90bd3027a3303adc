package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced       Counter
	OrdersFailed       Counter
	FeedReconnects     Counter
	OpportunitiesFound Counter
	PositionsOpened    Counter
	PositionsClosed    Counter
	PositionsFailed    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:       n,
		OrdersFailed:       n,
		FeedReconnects:     n,
		OpportunitiesFound: n,
		PositionsOpened:    n,
		PositionsClosed:    n,
		PositionsFailed:    n,
	}
}
