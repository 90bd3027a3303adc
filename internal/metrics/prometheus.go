package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry           *prometheus.Registry
	ordersPlaced       prometheus.Counter
	ordersFailed       prometheus.Counter
	feedReconnects     prometheus.Counter
	opportunitiesFound prometheus.Counter
	positionsOpened    prometheus.Counter
	positionsClosed    prometheus.Counter
	positionsFailed    prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	feedReconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "feed_reconnects_total",
		Help:      "Total number of websocket feed reconnect attempts.",
	})
	opportunitiesFound := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "opportunities_found_total",
		Help:      "Total number of profitable opportunities identified.",
	})
	positionsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_opened_total",
		Help:      "Total number of arbitrage positions opened.",
	})
	positionsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_closed_total",
		Help:      "Total number of arbitrage positions closed.",
	})
	positionsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_failed_total",
		Help:      "Total number of positions that ended in a failed state.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, feedReconnects, opportunitiesFound,
		positionsOpened, positionsClosed, positionsFailed)

	m := &Metrics{
		OrdersPlaced:       promCounter{ordersPlaced},
		OrdersFailed:       promCounter{ordersFailed},
		FeedReconnects:     promCounter{feedReconnects},
		OpportunitiesFound: promCounter{opportunitiesFound},
		PositionsOpened:    promCounter{positionsOpened},
		PositionsClosed:    promCounter{positionsClosed},
		PositionsFailed:    promCounter{positionsFailed},
	}

	return &Prometheus{
		Metrics:            m,
		registry:           registry,
		ordersPlaced:       ordersPlaced,
		ordersFailed:       ordersFailed,
		feedReconnects:     feedReconnects,
		opportunitiesFound: opportunitiesFound,
		positionsOpened:    positionsOpened,
		positionsClosed:    positionsClosed,
		positionsFailed:    positionsFailed,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
