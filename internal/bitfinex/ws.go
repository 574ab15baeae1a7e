package bitfinex

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/loyvsc/hyperquant/logger"
	"github.com/loyvsc/hyperquant/models"
)

// DefaultWSURL is the public websocket endpoint.
const DefaultWSURL = "wss://api-pub.bitfinex.com/ws/2"

const (
	confirmTimeout    = 10 * time.Second
	reconnectDelay    = 5 * time.Second
	pingInterval      = 20 * time.Second
	channelTrades     = "trades"
	channelCandles    = "candles"
	tradeExecutedType = "te"
)

// ErrSocketClosed is returned for operations on a closed socket client.
var ErrSocketClosed = errors.New("socket client closed")

// TradeTick is one streamed trade: [ID, MTS, AMOUNT, PRICE].
type TradeTick struct {
	ID     int64
	MTS    int64
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// CandleTick is one streamed candle: [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME].
type CandleTick struct {
	MTS    int64
	Open   decimal.Decimal
	Close  decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Volume decimal.Decimal
}

// TradeTickHandler receives a batch of trade ticks for a wire symbol in
// upstream order. Invoked on the socket client's delivery goroutine.
type TradeTickHandler func(symbol string, ticks []TradeTick)

// CandleTickHandler receives candle ticks for a subscription key.
type CandleTickHandler func(key string, ticks []CandleTick)

// subscription tracks one standing upstream stream. The handle is a stable
// client-side token; chanID is remapped after every reconnect.
type subscription struct {
	handle        int
	channel       string
	symbol        string // trades
	key           string // candles, e.g. "trade:1m:tBTCUSD"
	tradeHandler  TradeTickHandler
	candleHandler CandleTickHandler
	chanID        int
	confirmed     bool
}

func (s *subscription) matchKey() string {
	if s.channel == channelTrades {
		return channelTrades + ":" + s.symbol
	}
	return channelCandles + ":" + s.key
}

type confirmResult struct {
	chanID int
	err    error
}

// SocketConfig tunes the websocket client.
type SocketConfig struct {
	URL string
}

// SocketClient maintains a single websocket connection to the exchange and
// multiplexes stream subscriptions over it. If the connection drops it is
// re-established and every live subscription is replayed until Close.
type SocketClient struct {
	url string
	log *logger.Log

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[int]*subscription    // by handle
	byMatch map[string]*subscription // by channel+symbol/key
	byChan  map[int]*subscription    // by upstream chanId
	pending chan confirmResult
	next    int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu serializes subscribe/unsubscribe exchanges so confirmation
	// events can be matched to the single in-flight request.
	opMu sync.Mutex
}

// NewSocketClient creates a websocket client. The connection is established
// lazily on the first subscribe.
func NewSocketClient(cfg SocketConfig) *SocketClient {
	if cfg.URL == "" {
		cfg.URL = DefaultWSURL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketClient{
		url:     cfg.URL,
		log:     logger.GetLogger(),
		subs:    make(map[int]*subscription),
		byMatch: make(map[string]*subscription),
		byChan:  make(map[int]*subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SubscribeTrades opens a trade stream for a wire symbol and returns a
// stable subscription handle.
func (c *SocketClient) SubscribeTrades(ctx context.Context, symbol string, h TradeTickHandler) (int, error) {
	sub := &subscription{channel: channelTrades, symbol: symbol, tradeHandler: h}
	req := map[string]interface{}{"event": "subscribe", "channel": channelTrades, "symbol": symbol}
	return c.subscribe(ctx, sub, req)
}

// SubscribeCandles opens a candle stream for a key ("trade:{tf}:{symbol}")
// and returns a stable subscription handle.
func (c *SocketClient) SubscribeCandles(ctx context.Context, key string, h CandleTickHandler) (int, error) {
	sub := &subscription{channel: channelCandles, key: key, candleHandler: h}
	req := map[string]interface{}{"event": "subscribe", "channel": channelCandles, "key": key}
	return c.subscribe(ctx, sub, req)
}

func (c *SocketClient) subscribe(ctx context.Context, sub *subscription, req map[string]interface{}) (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrSocketClosed
	}
	if _, ok := c.byMatch[sub.matchKey()]; ok {
		c.mu.Unlock()
		return 0, errors.Errorf("already subscribed to %s", sub.matchKey())
	}
	c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		return 0, err
	}

	pending := make(chan confirmResult, 1)
	c.mu.Lock()
	c.pending = pending
	conn := c.conn
	c.mu.Unlock()

	if err := conn.WriteJSON(req); err != nil {
		c.clearPending()
		return 0, errors.Wrap(err, "write subscribe request")
	}

	select {
	case res := <-pending:
		c.clearPending()
		if res.err != nil {
			return 0, res.err
		}
		c.mu.Lock()
		c.next++
		sub.handle = c.next
		sub.chanID = res.chanID
		sub.confirmed = true
		c.subs[sub.handle] = sub
		c.byMatch[sub.matchKey()] = sub
		c.byChan[res.chanID] = sub
		c.mu.Unlock()
		return sub.handle, nil
	case <-time.After(confirmTimeout):
		c.clearPending()
		return 0, errors.Errorf("timed out waiting for subscription confirmation on %s", sub.matchKey())
	case <-ctx.Done():
		c.clearPending()
		return 0, ctx.Err()
	}
}

// Unsubscribe tears down the stream behind a handle. Unknown handles are a
// no-op; the upstream exchange is asked best-effort but the local state is
// removed regardless.
func (c *SocketClient) Unsubscribe(ctx context.Context, handle int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	sub, ok := c.subs[handle]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, handle)
	delete(c.byMatch, sub.matchKey())
	delete(c.byChan, sub.chanID)
	conn := c.conn
	pending := make(chan confirmResult, 1)
	c.pending = pending
	c.mu.Unlock()

	if conn == nil {
		c.clearPending()
		return nil
	}
	req := map[string]interface{}{"event": "unsubscribe", "chanId": sub.chanID}
	if err := conn.WriteJSON(req); err != nil {
		c.clearPending()
		return errors.Wrap(err, "write unsubscribe request")
	}

	select {
	case res := <-pending:
		c.clearPending()
		return res.err
	case <-time.After(confirmTimeout):
		c.clearPending()
		return errors.Errorf("timed out waiting for unsubscribe confirmation on %s", sub.matchKey())
	case <-ctx.Done():
		c.clearPending()
		return ctx.Err()
	}
}

// Close tears down the connection and stops the read loop. Safe to call more
// than once.
func (c *SocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *SocketClient) clearPending() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// ensureConn dials the websocket endpoint if no connection is live and
// starts the read loop for it.
func (c *SocketClient) ensureConn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSocketClosed
	}
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: confirmTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return errors.Wrap(err, "dial websocket")
	}
	c.conn = conn

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// readLoop consumes frames from one connection until it fails or the client
// closes. On failure it reconnects and replays live subscriptions.
func (c *SocketClient) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	log := c.log.WithComponent("bitfinex_socket")

	pingDone := make(chan struct{})
	go c.pingLoop(conn, pingDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			close(pingDone)
			conn.Close()
			if c.ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if closed {
				return
			}
			log.WithError(err).Warn("websocket read error, reconnecting")
			c.reconnect()
			return
		}
		c.processMessage(conn, msg)
	}
}

func (c *SocketClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`))
		}
	}
}

// reconnect redials until the client is closed, then replays every live
// subscription so handles stay valid across connection drops.
func (c *SocketClient) reconnect() {
	log := c.log.WithComponent("bitfinex_socket")
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.ensureConn(); err != nil {
			log.WithError(err).Warn("websocket reconnect failed, retrying")
			logger.IncrementRetryCount()
			continue
		}

		c.mu.Lock()
		c.byChan = make(map[int]*subscription)
		conn := c.conn
		resub := make([]*subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			sub.confirmed = false
			resub = append(resub, sub)
		}
		c.mu.Unlock()

		for _, sub := range resub {
			var req map[string]interface{}
			if sub.channel == channelTrades {
				req = map[string]interface{}{"event": "subscribe", "channel": channelTrades, "symbol": sub.symbol}
			} else {
				req = map[string]interface{}{"event": "subscribe", "channel": channelCandles, "key": sub.key}
			}
			if err := conn.WriteJSON(req); err != nil {
				log.WithError(err).Warn("failed to replay subscription")
			}
		}
		log.WithFields(logger.Fields{"subscriptions": len(resub)}).Info("websocket reconnected")
		return
	}
}

type subscribedEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int    `json:"chanId"`
	Symbol  string `json:"symbol"`
	Key     string `json:"key"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

func (c *SocketClient) processMessage(conn *websocket.Conn, msg []byte) {
	if len(msg) == 0 {
		return
	}
	logger.IncrementStreamRead(len(msg))
	if msg[0] == '{' {
		c.processEvent(msg)
		return
	}
	c.processData(msg)
}

func (c *SocketClient) processEvent(msg []byte) {
	var evt subscribedEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		c.log.WithComponent("bitfinex_socket").WithError(err).Debug("failed to decode event")
		return
	}

	switch evt.Event {
	case "subscribed":
		c.mu.Lock()
		pending := c.pending
		match := evt.Channel + ":" + evt.Symbol
		if evt.Channel == channelCandles {
			match = evt.Channel + ":" + evt.Key
		}
		if sub, ok := c.byMatch[match]; ok && !sub.confirmed {
			// Replayed subscription after a reconnect.
			sub.chanID = evt.ChanID
			sub.confirmed = true
			c.byChan[evt.ChanID] = sub
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if pending != nil {
			pending <- confirmResult{chanID: evt.ChanID}
		}
	case "unsubscribed":
		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()
		if pending != nil {
			pending <- confirmResult{chanID: evt.ChanID}
		}
	case "error":
		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()
		if pending != nil {
			pending <- confirmResult{err: &models.ExchangeError{Code: evt.Code, Message: evt.Msg}}
			return
		}
		c.log.WithComponent("bitfinex_socket").WithFields(logger.Fields{
			"code": evt.Code,
			"msg":  evt.Msg,
		}).Warn("unsolicited websocket error event")
	case "info", "pong":
	}
}

// processData routes channel frames: [chanId, payload...] where payload is a
// snapshot array, an update, or a string marker ("hb", "te", "tu").
func (c *SocketClient) processData(msg []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 2 {
		return
	}
	var chanID int
	if err := json.Unmarshal(frame[0], &chanID); err != nil {
		return
	}

	c.mu.Lock()
	sub, ok := c.byChan[chanID]
	c.mu.Unlock()
	if !ok {
		return
	}

	// Second element is a marker string for heartbeats and trade updates.
	var marker string
	if err := json.Unmarshal(frame[1], &marker); err == nil {
		switch marker {
		case "hb":
			return
		case tradeExecutedType:
			if sub.channel == channelTrades && len(frame) >= 3 {
				if tick, err := parseTradeTick(frame[2]); err == nil {
					sub.tradeHandler(sub.symbol, []TradeTick{tick})
				}
			}
		}
		// "tu" confirmations duplicate the "te" execution, skip them.
		return
	}

	switch sub.channel {
	case channelTrades:
		ticks, err := parseTradeSnapshot(frame[1])
		if err != nil || len(ticks) == 0 {
			return
		}
		sub.tradeHandler(sub.symbol, ticks)
	case channelCandles:
		ticks, err := parseCandlePayload(frame[1])
		if err != nil || len(ticks) == 0 {
			return
		}
		sub.candleHandler(sub.key, ticks)
	}
}

func parseTradeTick(raw json.RawMessage) (TradeTick, error) {
	var row []json.Number
	if err := json.Unmarshal(raw, &row); err != nil {
		return TradeTick{}, err
	}
	return tradeTickFromRow(row)
}

func tradeTickFromRow(row []json.Number) (TradeTick, error) {
	if len(row) < 4 {
		return TradeTick{}, errors.Errorf("short trade tick: %d fields", len(row))
	}
	tick := TradeTick{}
	var err error
	if tick.ID, err = row[0].Int64(); err != nil {
		return TradeTick{}, err
	}
	if tick.MTS, err = row[1].Int64(); err != nil {
		return TradeTick{}, err
	}
	if tick.Amount, err = decimal.NewFromString(row[2].String()); err != nil {
		return TradeTick{}, err
	}
	if tick.Price, err = decimal.NewFromString(row[3].String()); err != nil {
		return TradeTick{}, err
	}
	return tick, nil
}

func parseTradeSnapshot(raw json.RawMessage) ([]TradeTick, error) {
	var rows [][]json.Number
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	ticks := make([]TradeTick, 0, len(rows))
	for _, row := range rows {
		tick, err := tradeTickFromRow(row)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// parseCandlePayload accepts both the initial snapshot (array of candle
// rows) and single-candle updates.
func parseCandlePayload(raw json.RawMessage) ([]CandleTick, error) {
	var rows [][]json.Number
	if err := json.Unmarshal(raw, &rows); err == nil {
		ticks := make([]CandleTick, 0, len(rows))
		for _, row := range rows {
			tick, err := candleTickFromRow(row)
			if err != nil {
				return nil, err
			}
			ticks = append(ticks, tick)
		}
		return ticks, nil
	}

	var row []json.Number
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	tick, err := candleTickFromRow(row)
	if err != nil {
		return nil, err
	}
	return []CandleTick{tick}, nil
}

func candleTickFromRow(row []json.Number) (CandleTick, error) {
	if len(row) < 6 {
		return CandleTick{}, errors.Errorf("short candle tick: %d fields", len(row))
	}
	tick := CandleTick{}
	var err error
	if tick.MTS, err = row[0].Int64(); err != nil {
		return CandleTick{}, err
	}
	values := [5]*decimal.Decimal{&tick.Open, &tick.Close, &tick.High, &tick.Low, &tick.Volume}
	for i, dst := range values {
		if *dst, err = decimal.NewFromString(row[i+1].String()); err != nil {
			return CandleTick{}, err
		}
	}
	return tick, nil
}
