package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"funding-arb-bot/internal/market"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// State is the lifecycle phase of one channel-group connection.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateSubscribed   State = "SUBSCRIBED"
	StateStreaming    State = "STREAMING"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

// HeaderFunc supplies authentication headers for the subscription
// handshake. It is invoked fresh on every connect so signatures never go
// stale across reconnects.
type HeaderFunc func() (map[string]string, error)

type subscribeFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Pair    string `json:"pair"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Pair    string          `json:"pair"`
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// conn drives the connect/subscribe/stream/reconnect loop for one channel
// group. Transport failures are retried forever; a market-data feed never
// gives up.
type conn struct {
	group        Group
	url          string
	channels     []string
	symbols      []string
	backoffBase  time.Duration
	backoffMax   time.Duration
	pingInterval time.Duration
	headers      HeaderFunc
	apply        func(market.PriceUpdate)
	reconnects   ReconnectCounter
	log          *zap.Logger

	mu    sync.Mutex
	state State

	streamedOnce bool
}

func newConn(group Group, url string, channels, symbols []string, backoffBase, backoffMax, pingInterval time.Duration, headers HeaderFunc, apply func(market.PriceUpdate), reconnects ReconnectCounter, log *zap.Logger) *conn {
	return &conn{
		group:        group,
		url:          url,
		channels:     channels,
		symbols:      symbols,
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		pingInterval: pingInterval,
		headers:      headers,
		apply:        apply,
		reconnects:   reconnects,
		log:          log.With(zap.String("group", string(group))),
		state:        StateDisconnected,
	}
}

func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		streamed, err := c.stream(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if streamed {
			attempt = 0
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		c.setState(StateReconnecting)
		c.reconnects.Inc()
		delay := backoffDelay(c.backoffBase, c.backoffMax, attempt)
		attempt++
		c.log.Warn("feed disconnected, scheduling reconnect",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns min(base*2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// stream performs one full connect/subscribe/read cycle. It reports
// whether the connection reached STREAMING before it ended.
func (c *conn) stream(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)
	opts := &websocket.DialOptions{}
	if c.headers != nil {
		headerMap, err := c.headers()
		if err != nil {
			return false, err
		}
		header := http.Header{}
		for key, val := range headerMap {
			header.Set(key, val)
		}
		opts.HTTPHeader = header
	}
	wsConn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return false, err
	}
	defer func() { _ = wsConn.Close(websocket.StatusNormalClosure, "reset") }()
	c.setState(StateConnected)

	// Subscription state does not survive a reconnect: resend everything.
	for _, channel := range c.channels {
		for _, symbol := range c.symbols {
			frame := subscribeFrame{Event: "subscribe", Channel: channel, Pair: symbol}
			if err := writeJSON(ctx, wsConn, frame); err != nil {
				return false, err
			}
		}
	}
	c.setState(StateSubscribed)

	pingCtx, cancelPing := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(pingCtx, wsConn)
	}()
	streamed, err := c.readLoop(ctx, wsConn)
	cancelPing()
	<-pingDone
	return streamed, err
}

func (c *conn) readLoop(ctx context.Context, wsConn *websocket.Conn) (bool, error) {
	streamed := false
	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			return streamed, err
		}
		if !streamed {
			streamed = true
			c.setState(StateStreaming)
			if !c.streamedOnce {
				c.streamedOnce = true
				c.log.Info("feed streaming")
			}
		}
		c.handleMessage(data)
	}
}

// handleMessage decodes and dispatches one frame. Malformed or
// unrecognized messages are dropped; they never affect connection state.
func (c *conn) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	if env.Success != nil {
		// Subscription ack.
		return
	}
	tag := env.Channel
	if tag == "" {
		tag = env.Event
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = data
	}
	updates := Normalize(tag, env.Pair, payload, time.Now().UTC())
	for _, update := range updates {
		c.apply(update)
	}
}

func (c *conn) pingLoop(ctx context.Context, wsConn *websocket.Conn) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, wsConn, map[string]string{"event": "ping"}); err != nil {
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
