// Package connector exposes Bitfinex market data through a stable domain
// model: bounded historical queries, ticker snapshots and idempotent
// streaming subscriptions with typed event dispatch.
package connector

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loyvsc/hyperquant/internal/bitfinex"
	"github.com/loyvsc/hyperquant/internal/symbol"
	"github.com/loyvsc/hyperquant/logger"
	"github.com/loyvsc/hyperquant/models"
)

const (
	// MaxCount bounds historical query sizes on both trade and candle
	// requests.
	MaxCount = 10000

	// DefaultTradeSubCount is used when SubscribeTrades is called without
	// an explicit count.
	DefaultTradeSubCount = 100

	// badPeriodCode is the upstream error code for an unsupported candle
	// period.
	badPeriodCode = 10020
)

// CandleOptions carries the optional candle query parameters. From and To
// are inclusive bounds passed through to the upstream query when non-zero.
// Count must be in [1, MaxCount]; zero is rejected, not "return everything".
type CandleOptions struct {
	From  time.Time
	To    time.Time
	Count int
}

// restTransport is the read side of the upstream exchange.
type restTransport interface {
	Trades(ctx context.Context, symbol string, limit int) ([]bitfinex.TradeEntry, error)
	Candles(ctx context.Context, tf, symbol string, limit int, start, end time.Time) ([]bitfinex.CandleEntry, error)
	Ticker(ctx context.Context, symbol string) (*bitfinex.TickerEntry, error)
}

// streamTransport is the streaming side of the upstream exchange.
type streamTransport interface {
	SubscribeTrades(ctx context.Context, symbol string, h bitfinex.TradeTickHandler) (int, error)
	SubscribeCandles(ctx context.Context, key string, h bitfinex.CandleTickHandler) (int, error)
	Unsubscribe(ctx context.Context, handle int) error
	Close() error
}

// Connector is the market data entry point. It owns the subscription
// registry and both upstream transports; Close tears everything down.
type Connector struct {
	rest   restTransport
	stream streamTransport
	log    *logger.Log

	// regMu guards the registry. Event dispatch never runs under it so a
	// handler cannot deadlock against a concurrent unsubscribe.
	regMu         sync.Mutex
	subscriptions map[string]int // normalized symbol -> upstream handle

	events *dispatcher

	closeOnce sync.Once
	closeErr  error
}

// Config wires the connector to its upstream endpoints.
type Config struct {
	REST   bitfinex.RESTConfig
	Socket bitfinex.SocketConfig
}

// New creates a connector against the public Bitfinex API.
func New(cfg Config) *Connector {
	return &Connector{
		rest:          bitfinex.NewRESTClient(cfg.REST),
		stream:        bitfinex.NewSocketClient(cfg.Socket),
		log:           logger.GetLogger(),
		subscriptions: make(map[string]int),
		events:        newDispatcher(),
	}
}

// newWithTransports is the test seam.
func newWithTransports(rest restTransport, stream streamTransport) *Connector {
	return &Connector{
		rest:          rest,
		stream:        stream,
		log:           logger.GetLogger(),
		subscriptions: make(map[string]int),
		events:        newDispatcher(),
	}
}

func validatePair(pair string) error {
	if strings.TrimSpace(pair) == "" {
		return &models.InvalidArgumentError{Param: "pair", Reason: "cannot be empty"}
	}
	return nil
}

func validateCount(param string, count int) error {
	if count <= 0 || count > MaxCount {
		return &models.OutOfRangeError{Param: param, Value: int64(count), Min: 1, Max: MaxCount}
	}
	return nil
}

// mapExchangeErr translates the upstream bad-period code into the domain
// error; everything else passes through untouched.
func mapExchangeErr(err error, periodSec int) error {
	if exErr, ok := err.(*models.ExchangeError); ok && exErr.Code == badPeriodCode {
		return &models.InvalidPeriodError{PeriodSec: periodSec}
	}
	return err
}

// GetRecentTrades returns up to maxCount historical trades for a pair in
// the order the exchange reports them. Side is derived from the sign of the
// traded amount.
func (c *Connector) GetRecentTrades(ctx context.Context, pair string, maxCount int) ([]models.Trade, error) {
	if err := validatePair(pair); err != nil {
		return nil, err
	}
	if err := validateCount("maxCount", maxCount); err != nil {
		return nil, err
	}

	entries, err := c.rest.Trades(ctx, symbol.Normalize(pair), maxCount)
	if err != nil {
		return nil, mapExchangeErr(err, 0)
	}

	trades := make([]models.Trade, 0, len(entries))
	for _, e := range entries {
		trades = append(trades, tradeFromEntry(pair, e))
	}
	return trades, nil
}

// GetCandleSeries returns up to opts.Count candles with the requested
// bucket size. periodSec must map onto one of the exchange's supported
// buckets; unsupported values fail before any network call.
func (c *Connector) GetCandleSeries(ctx context.Context, pair string, periodSec int, opts CandleOptions) ([]models.Candle, error) {
	tf, err := c.validateCandleArgs(pair, periodSec, opts)
	if err != nil {
		return nil, err
	}

	entries, err := c.rest.Candles(ctx, tf, symbol.Normalize(pair), opts.Count, opts.From, opts.To)
	if err != nil {
		return nil, mapExchangeErr(err, periodSec)
	}

	candles := make([]models.Candle, 0, len(entries))
	for _, e := range entries {
		candles = append(candles, candleFromEntry(pair, e))
	}
	return candles, nil
}

func (c *Connector) validateCandleArgs(pair string, periodSec int, opts CandleOptions) (string, error) {
	if err := validatePair(pair); err != nil {
		return "", err
	}
	if periodSec <= 0 {
		// 1M buckets are the largest the exchange serves.
		return "", &models.OutOfRangeError{Param: "periodSec", Value: int64(periodSec), Min: 1, Max: 2592000}
	}
	if err := validateCount("count", opts.Count); err != nil {
		return "", err
	}
	tf, ok := bitfinex.Timeframe(periodSec)
	if !ok {
		return "", &models.InvalidPeriodError{PeriodSec: periodSec}
	}
	return tf, nil
}

// GetTicker returns the current snapshot for a pair, or (nil, nil) when the
// exchange has no answer. Upstream failure here is absence, not an error,
// so a valuation caller can treat "no market" as skippable.
func (c *Connector) GetTicker(ctx context.Context, pair string) (*models.Ticker, error) {
	if err := validatePair(pair); err != nil {
		return nil, err
	}

	wireSymbol := symbol.Normalize(pair)
	entry, err := c.rest.Ticker(ctx, wireSymbol)
	if err != nil {
		c.log.WithComponent("connector").WithError(err).WithFields(logger.Fields{
			"pair": pair,
		}).Debug("ticker unavailable")
		return nil, nil
	}
	return tickerFromEntry(wireSymbol, entry), nil
}

// SubscribeTrades opens a trade stream for a pair. A second subscribe on a
// pair that already has a live stream is a silent no-op; maxCount <= 0
// falls back to DefaultTradeSubCount before validation.
func (c *Connector) SubscribeTrades(ctx context.Context, pair string, maxCount int) error {
	if err := validatePair(pair); err != nil {
		return err
	}
	if maxCount <= 0 {
		maxCount = DefaultTradeSubCount
	}
	if err := validateCount("maxCount", maxCount); err != nil {
		return err
	}

	wireSymbol := symbol.Normalize(pair)

	c.regMu.Lock()
	defer c.regMu.Unlock()
	if _, ok := c.subscriptions[wireSymbol]; ok {
		return nil
	}

	handle, err := c.stream.SubscribeTrades(ctx, wireSymbol, c.handleTradeTicks)
	if err != nil {
		return mapExchangeErr(err, 0)
	}
	c.subscriptions[wireSymbol] = handle

	c.log.WithComponent("connector").WithFields(logger.Fields{
		"pair":   pair,
		"symbol": wireSymbol,
		"handle": handle,
	}).Info("trade stream subscribed")
	return nil
}

// SubscribeCandles opens a candle stream for a pair with the given bucket
// size, validating exactly like GetCandleSeries. Idempotent per pair.
func (c *Connector) SubscribeCandles(ctx context.Context, pair string, periodSec int, opts CandleOptions) error {
	tf, err := c.validateCandleArgs(pair, periodSec, opts)
	if err != nil {
		return err
	}

	wireSymbol := symbol.Normalize(pair)

	c.regMu.Lock()
	defer c.regMu.Unlock()
	if _, ok := c.subscriptions[wireSymbol]; ok {
		return nil
	}

	key := "trade:" + tf + ":" + wireSymbol
	handle, err := c.stream.SubscribeCandles(ctx, key, c.handleCandleTicks)
	if err != nil {
		return mapExchangeErr(err, periodSec)
	}
	c.subscriptions[wireSymbol] = handle

	c.log.WithComponent("connector").WithFields(logger.Fields{
		"pair":   pair,
		"key":    key,
		"handle": handle,
	}).Info("candle stream subscribed")
	return nil
}

// UnsubscribeTrades tears down the stream registered for a pair. Absent
// keys are a no-op.
func (c *Connector) UnsubscribeTrades(ctx context.Context, pair string) error {
	return c.unsubscribe(ctx, pair)
}

// UnsubscribeCandles tears down the stream registered for a pair. Absent
// keys are a no-op.
func (c *Connector) UnsubscribeCandles(ctx context.Context, pair string) error {
	return c.unsubscribe(ctx, pair)
}

func (c *Connector) unsubscribe(ctx context.Context, pair string) error {
	if err := validatePair(pair); err != nil {
		return err
	}
	wireSymbol := symbol.Normalize(pair)

	c.regMu.Lock()
	handle, ok := c.subscriptions[wireSymbol]
	if !ok {
		c.regMu.Unlock()
		return nil
	}
	delete(c.subscriptions, wireSymbol)
	c.regMu.Unlock()

	if err := c.stream.Unsubscribe(ctx, handle); err != nil {
		// Local state is already gone; teardown failures are surfaced to
		// diagnostics only.
		c.log.WithComponent("connector").WithError(err).WithFields(logger.Fields{
			"pair":   pair,
			"handle": handle,
		}).Warn("upstream unsubscribe failed")
	}
	return nil
}

// SubscriptionCount reports the number of live stream subscriptions.
func (c *Connector) SubscriptionCount() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.subscriptions)
}

// Close unsubscribes every still-registered key and releases both
// transports. It runs exactly once; subsequent calls return the first
// result.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		c.regMu.Lock()
		handles := make(map[string]int, len(c.subscriptions))
		for key, handle := range c.subscriptions {
			handles[key] = handle
		}
		c.subscriptions = make(map[string]int)
		c.regMu.Unlock()

		for key, handle := range handles {
			if err := c.stream.Unsubscribe(ctx, handle); err != nil {
				c.log.WithComponent("connector").WithError(err).WithFields(logger.Fields{
					"symbol": key,
				}).Warn("unsubscribe during shutdown failed")
			}
		}
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

// handleTradeTicks partitions an inbound batch by amount sign and re-emits
// buy and sell events, preserving relative order within the batch. Runs on
// the transport's delivery goroutine without the registry lock.
func (c *Connector) handleTradeTicks(wireSymbol string, ticks []bitfinex.TradeTick) {
	for _, tick := range ticks {
		trade := tradeFromTick(wireSymbol, tick)
		if trade.Side == models.SideBuy {
			c.events.emitBuy(trade)
		} else {
			c.events.emitSell(trade)
		}
	}
}

// handleCandleTicks re-emits each inbound candle tick as one event.
func (c *Connector) handleCandleTicks(key string, ticks []bitfinex.CandleTick) {
	wireSymbol := key
	if i := strings.LastIndex(key, ":"); i >= 0 {
		wireSymbol = key[i+1:]
	}
	for _, tick := range ticks {
		c.events.emitCandle(candleFromTick(wireSymbol, tick))
	}
}

func tradeFromEntry(pair string, e bitfinex.TradeEntry) models.Trade {
	return models.Trade{
		Pair:      pair,
		Price:     e.Price,
		Amount:    e.Amount,
		Side:      models.SideForAmount(e.Amount),
		Timestamp: time.UnixMilli(e.MTS).UTC(),
		ID:        strconv.FormatInt(e.ID, 10),
	}
}

func tradeFromTick(wireSymbol string, t bitfinex.TradeTick) models.Trade {
	return models.Trade{
		Pair:      wireSymbol,
		Price:     t.Price,
		Amount:    t.Amount,
		Side:      models.SideForAmount(t.Amount),
		Timestamp: time.UnixMilli(t.MTS).UTC(),
		ID:        strconv.FormatInt(t.ID, 10),
	}
}

func candleFromEntry(pair string, e bitfinex.CandleEntry) models.Candle {
	return models.Candle{
		Pair:        pair,
		OpenPrice:   e.Open,
		HighPrice:   e.High,
		LowPrice:    e.Low,
		ClosePrice:  e.Close,
		TotalVolume: e.Volume,
		OpenTime:    time.UnixMilli(e.MTS).UTC(),
	}
}

func candleFromTick(wireSymbol string, t bitfinex.CandleTick) models.Candle {
	return models.Candle{
		Pair:        wireSymbol,
		OpenPrice:   t.Open,
		HighPrice:   t.High,
		LowPrice:    t.Low,
		ClosePrice:  t.Close,
		TotalVolume: t.Volume,
		OpenTime:    time.UnixMilli(t.MTS).UTC(),
	}
}

func tickerFromEntry(wireSymbol string, e *bitfinex.TickerEntry) *models.Ticker {
	return &models.Ticker{
		Pair:                  wireSymbol,
		BestBidPrice:          e.Bid,
		BestBidQuantity:       e.BidSize,
		BestAskPrice:          e.Ask,
		BestAskQuantity:       e.AskSize,
		DailyChange:           e.DailyChange,
		DailyChangePercentage: e.DailyChangeRel,
		LastPrice:             e.LastPrice,
		Volume:                e.Volume,
		HighPrice:             e.High,
		LowPrice:              e.Low,
	}
}
