package feed

import (
	"context"
	"errors"
	"sync"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/market"

	"go.uber.org/zap"
)

// Group names one market-data channel group. Each group owns its own
// transport connection and reconnect loop.
type Group string

const (
	GroupSpot    Group = "spot"
	GroupFutures Group = "futures"
)

var groupChannels = map[Group][]string{
	GroupSpot:    {ChannelTicker, ChannelOrderbook, ChannelTrade, ChannelCandlestick},
	GroupFutures: {ChannelTicker, ChannelMarkPrice, ChannelCandlestick},
}

// Manager owns one connection loop per channel group and fans all
// normalized updates into the shared market cache.
type Manager struct {
	cfg     config.FeedConfig
	cache   *market.Cache
	headers HeaderFunc
	metrics ReconnectCounter
	log     *zap.Logger

	mu      sync.Mutex
	conns   map[Group]*conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// ReconnectCounter is the slice of the metrics surface the feed needs.
type ReconnectCounter interface {
	Inc()
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewManager(cfg config.FeedConfig, cache *market.Cache, headers HeaderFunc, log *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		cache:   cache,
		headers: headers,
		metrics: noopCounter{},
		log:     log,
		conns:   make(map[Group]*conn),
	}
}

func (m *Manager) SetReconnectCounter(counter ReconnectCounter) {
	if counter != nil {
		m.metrics = counter
	}
}

// Start launches one background connection loop per channel group. It
// never blocks on the transport.
func (m *Manager) Start(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("feed manager already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	urls := map[Group]string{
		GroupSpot:    m.cfg.SpotURL,
		GroupFutures: m.cfg.FuturesURL,
	}
	for group, url := range urls {
		c := newConn(group, url, groupChannels[group], symbols,
			m.cfg.BackoffBase, m.cfg.BackoffMax, m.cfg.PingInterval,
			m.headers, m.cache.Apply, m.metrics, m.log)
		m.conns[group] = c
		m.wg.Add(1)
		go func(c *conn) {
			defer m.wg.Done()
			c.run(runCtx)
		}(c)
	}
	m.started = true
	return nil
}

// Stop halts all connection loops and releases the transport. Safe to
// call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.started = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) IsStreaming(group Group) bool {
	return m.GroupState(group) == StateStreaming
}

func (m *Manager) GroupState(group Group) State {
	m.mu.Lock()
	c := m.conns[group]
	m.mu.Unlock()
	if c == nil {
		return StateDisconnected
	}
	return c.State()
}
