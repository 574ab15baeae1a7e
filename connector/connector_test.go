package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loyvsc/hyperquant/internal/bitfinex"
	"github.com/loyvsc/hyperquant/models"
)

type fakeREST struct {
	mu          sync.Mutex
	tradeCalls  int
	candleCalls int
	tickerCalls int
	lastSymbol  string
	lastTF      string
	tradesErr   error
	tickerErr   error
	trades      []bitfinex.TradeEntry
	candles     []bitfinex.CandleEntry
	ticker      *bitfinex.TickerEntry
}

func (f *fakeREST) Trades(_ context.Context, symbol string, _ int) ([]bitfinex.TradeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeCalls++
	f.lastSymbol = symbol
	if f.tradesErr != nil {
		return nil, f.tradesErr
	}
	return f.trades, nil
}

func (f *fakeREST) Candles(_ context.Context, tf, symbol string, _ int, _, _ time.Time) ([]bitfinex.CandleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candleCalls++
	f.lastTF = tf
	f.lastSymbol = symbol
	return f.candles, nil
}

func (f *fakeREST) Ticker(_ context.Context, symbol string) (*bitfinex.TickerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerCalls++
	f.lastSymbol = symbol
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	return f.ticker, nil
}

type fakeStream struct {
	mu            sync.Mutex
	nextHandle    int
	subscribes    int
	unsubscribes  []int
	subscribeErr  error
	closed        bool
	tradeHandler  bitfinex.TradeTickHandler
	candleHandler bitfinex.CandleTickHandler
	lastSymbol    string
	lastKey       string
}

func (f *fakeStream) SubscribeTrades(_ context.Context, symbol string, h bitfinex.TradeTickHandler) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return 0, f.subscribeErr
	}
	f.subscribes++
	f.nextHandle++
	f.tradeHandler = h
	f.lastSymbol = symbol
	return f.nextHandle, nil
}

func (f *fakeStream) SubscribeCandles(_ context.Context, key string, h bitfinex.CandleTickHandler) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return 0, f.subscribeErr
	}
	f.subscribes++
	f.nextHandle++
	f.candleHandler = h
	f.lastKey = key
	return f.nextHandle, nil
}

func (f *fakeStream) Unsubscribe(_ context.Context, handle int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, handle)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestConnector() (*Connector, *fakeREST, *fakeStream) {
	rest := &fakeREST{}
	stream := &fakeStream{}
	return newWithTransports(rest, stream), rest, stream
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestGetRecentTradesValidation(t *testing.T) {
	c, rest, _ := newTestConnector()
	ctx := context.Background()

	if _, err := c.GetRecentTrades(ctx, "", 10); err == nil {
		t.Fatal("expected error for empty pair")
	} else {
		var invalid *models.InvalidArgumentError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidArgumentError, got %T", err)
		}
	}

	for _, count := range []int{0, -1, 10001} {
		_, err := c.GetRecentTrades(ctx, "BTCUSD", count)
		var rangeErr *models.OutOfRangeError
		if !errors.As(err, &rangeErr) {
			t.Fatalf("maxCount=%d: expected OutOfRangeError, got %v", count, err)
		}
	}

	if rest.tradeCalls != 0 {
		t.Errorf("validation must run before any call, got %d calls", rest.tradeCalls)
	}

	for _, count := range []int{1, 100, 10000} {
		if _, err := c.GetRecentTrades(ctx, "BTCUSD", count); err != nil {
			t.Errorf("maxCount=%d: unexpected error %v", count, err)
		}
	}
}

func TestGetRecentTradesMapping(t *testing.T) {
	c, rest, _ := newTestConnector()
	rest.trades = []bitfinex.TradeEntry{
		{ID: 7, MTS: 1574694478000, Amount: dec(t, "0.5"), Price: dec(t, "7244.9")},
		{ID: 8, MTS: 1574694479000, Amount: dec(t, "-1.25"), Price: dec(t, "7244.8")},
	}

	trades, err := c.GetRecentTrades(context.Background(), "BTCUSD", 2)
	if err != nil {
		t.Fatalf("GetRecentTrades failed: %v", err)
	}
	if rest.lastSymbol != "tBTCUSD" {
		t.Errorf("symbol not normalized: %s", rest.lastSymbol)
	}
	if len(trades) != 2 {
		t.Fatalf("unexpected trade count: %d", len(trades))
	}
	if trades[0].Pair != "BTCUSD" {
		t.Errorf("trade pair should keep caller spelling, got %s", trades[0].Pair)
	}
	if trades[0].Side != models.SideBuy || trades[1].Side != models.SideSell {
		t.Errorf("sides not derived from sign: %s, %s", trades[0].Side, trades[1].Side)
	}
	if trades[0].ID != "7" || trades[1].ID != "8" {
		t.Errorf("order not preserved: %s, %s", trades[0].ID, trades[1].ID)
	}
	if !trades[0].Timestamp.Equal(time.UnixMilli(1574694478000).UTC()) {
		t.Errorf("unexpected timestamp: %v", trades[0].Timestamp)
	}
}

func TestGetCandleSeriesValidation(t *testing.T) {
	c, rest, _ := newTestConnector()
	ctx := context.Background()
	opts := CandleOptions{Count: 10}

	_, err := c.GetCandleSeries(ctx, "BTCUSD", -1, opts)
	var rangeErr *models.OutOfRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("periodSec=-1: expected OutOfRangeError, got %v", err)
	}

	_, err = c.GetCandleSeries(ctx, "BTCUSD", 37, opts)
	var periodErr *models.InvalidPeriodError
	if !errors.As(err, &periodErr) {
		t.Fatalf("periodSec=37: expected InvalidPeriodError, got %v", err)
	}
	if periodErr.PeriodSec != 37 {
		t.Errorf("error must quote the offending period, got %d", periodErr.PeriodSec)
	}

	// zero count is rejected, not "return everything"
	_, err = c.GetCandleSeries(ctx, "BTCUSD", 60, CandleOptions{})
	if !errors.As(err, &rangeErr) {
		t.Fatalf("count=0: expected OutOfRangeError, got %v", err)
	}

	if rest.candleCalls != 0 {
		t.Errorf("validation must run before any call, got %d calls", rest.candleCalls)
	}
}

func TestGetCandleSeriesMapping(t *testing.T) {
	c, rest, _ := newTestConnector()
	rest.candles = []bitfinex.CandleEntry{
		{MTS: 1574694060000, Open: dec(t, "10"), Close: dec(t, "11"), High: dec(t, "12"), Low: dec(t, "9"), Volume: dec(t, "100")},
	}

	candles, err := c.GetCandleSeries(context.Background(), "BTCUSD", 300, CandleOptions{Count: 1})
	if err != nil {
		t.Fatalf("GetCandleSeries failed: %v", err)
	}
	if rest.lastTF != "5m" {
		t.Errorf("unexpected timeframe: %s", rest.lastTF)
	}
	if len(candles) != 1 {
		t.Fatalf("unexpected candle count: %d", len(candles))
	}
	candle := candles[0]
	if candle.Pair != "BTCUSD" {
		t.Errorf("unexpected pair: %s", candle.Pair)
	}
	if !candle.TotalPrice.IsZero() {
		t.Errorf("total price must be zero when upstream omits it, got %s", candle.TotalPrice)
	}
	if candle.TotalVolume.String() != "100" {
		t.Errorf("unexpected volume: %s", candle.TotalVolume)
	}
}

func TestGetTickerAbsence(t *testing.T) {
	c, rest, _ := newTestConnector()
	ctx := context.Background()

	// upstream failure is absence, not an error
	rest.tickerErr = &models.ExchangeError{Code: 500, Message: "boom"}
	ticker, err := c.GetTicker(ctx, "BTCUSD")
	if err != nil {
		t.Fatalf("upstream ticker failure must not escalate: %v", err)
	}
	if ticker != nil {
		t.Fatalf("expected absent ticker, got %+v", ticker)
	}

	// validation failure is still an error
	if _, err := c.GetTicker(ctx, " "); err == nil {
		t.Fatal("expected error for blank pair")
	}

	rest.tickerErr = nil
	rest.ticker = &bitfinex.TickerEntry{LastPrice: dec(t, "7254.2")}
	ticker, err = c.GetTicker(ctx, "BTCUSD")
	if err != nil || ticker == nil {
		t.Fatalf("GetTicker failed: %v, %v", ticker, err)
	}
	if ticker.Pair != "tBTCUSD" {
		t.Errorf("ticker pair must be the wire symbol, got %s", ticker.Pair)
	}
}

func TestSubscribeTradesIdempotent(t *testing.T) {
	c, _, stream := newTestConnector()
	ctx := context.Background()

	if err := c.SubscribeTrades(ctx, "BTCUSD", 0); err != nil {
		t.Fatalf("SubscribeTrades failed: %v", err)
	}
	if err := c.SubscribeTrades(ctx, "BTCUSD", 0); err != nil {
		t.Fatalf("repeat SubscribeTrades failed: %v", err)
	}
	// the prefixed spelling resolves to the same registry key
	if err := c.SubscribeTrades(ctx, "tBTCUSD", 0); err != nil {
		t.Fatalf("prefixed SubscribeTrades failed: %v", err)
	}

	if stream.subscribes != 1 {
		t.Errorf("expected exactly one upstream subscription, got %d", stream.subscribes)
	}
	if c.SubscriptionCount() != 1 {
		t.Errorf("expected one registry entry, got %d", c.SubscriptionCount())
	}
}

func TestSubscribeTradesFailureLeavesRegistryEmpty(t *testing.T) {
	c, _, stream := newTestConnector()
	stream.subscribeErr = &models.ExchangeError{Code: 10300, Message: "subscribe: failed"}

	err := c.SubscribeTrades(context.Background(), "BTCUSD", 0)
	var exErr *models.ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("failed subscribe must leave the key unsubscribed, got %d entries", c.SubscriptionCount())
	}
}

func TestUnsubscribeLifecycle(t *testing.T) {
	c, _, stream := newTestConnector()
	ctx := context.Background()

	// unsubscribe on a non-subscribed key is a no-op
	if err := c.UnsubscribeTrades(ctx, "BTCUSD"); err != nil {
		t.Fatalf("unsubscribe on absent key failed: %v", err)
	}
	if len(stream.unsubscribes) != 0 {
		t.Errorf("no upstream teardown expected, got %v", stream.unsubscribes)
	}

	if err := c.SubscribeTrades(ctx, "BTCUSD", 0); err != nil {
		t.Fatalf("SubscribeTrades failed: %v", err)
	}
	if err := c.UnsubscribeTrades(ctx, "BTCUSD"); err != nil {
		t.Fatalf("UnsubscribeTrades failed: %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("registry should be empty, got %d entries", c.SubscriptionCount())
	}
	if len(stream.unsubscribes) != 1 {
		t.Errorf("expected one upstream teardown, got %v", stream.unsubscribes)
	}
}

func TestSubscribeCandlesValidation(t *testing.T) {
	c, _, stream := newTestConnector()
	ctx := context.Background()

	err := c.SubscribeCandles(ctx, "BTCUSD", 37, CandleOptions{Count: 10})
	var periodErr *models.InvalidPeriodError
	if !errors.As(err, &periodErr) {
		t.Fatalf("expected InvalidPeriodError, got %v", err)
	}

	if err := c.SubscribeCandles(ctx, "BTCUSD", 60, CandleOptions{Count: 10}); err != nil {
		t.Fatalf("SubscribeCandles failed: %v", err)
	}
	if stream.lastKey != "trade:1m:tBTCUSD" {
		t.Errorf("unexpected subscription key: %s", stream.lastKey)
	}
}

func TestTradeBatchPartition(t *testing.T) {
	c, _, stream := newTestConnector()
	ctx := context.Background()

	var mu sync.Mutex
	var buys, sells []models.Trade
	c.OnNewBuyTrade(func(trade models.Trade) {
		mu.Lock()
		defer mu.Unlock()
		buys = append(buys, trade)
	})
	c.OnNewSellTrade(func(trade models.Trade) {
		mu.Lock()
		defer mu.Unlock()
		sells = append(sells, trade)
	})

	if err := c.SubscribeTrades(ctx, "BTCUSD", 0); err != nil {
		t.Fatalf("SubscribeTrades failed: %v", err)
	}

	stream.tradeHandler("tBTCUSD", []bitfinex.TradeTick{
		{ID: 1, MTS: 1000, Amount: dec(t, "1"), Price: dec(t, "10")},
		{ID: 2, MTS: 2000, Amount: dec(t, "-2"), Price: dec(t, "11")},
		{ID: 3, MTS: 3000, Amount: dec(t, "3"), Price: dec(t, "12")},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(buys) != 2 || len(sells) != 1 {
		t.Fatalf("partition wrong: %d buys, %d sells", len(buys), len(sells))
	}
	if buys[0].ID != "1" || buys[1].ID != "3" {
		t.Errorf("buy order not preserved: %s, %s", buys[0].ID, buys[1].ID)
	}
	if sells[0].ID != "2" {
		t.Errorf("unexpected sell: %s", sells[0].ID)
	}
	if buys[0].Pair != "tBTCUSD" {
		t.Errorf("streamed trades carry the wire symbol, got %s", buys[0].Pair)
	}
}

func TestCandleEvents(t *testing.T) {
	c, _, stream := newTestConnector()
	ctx := context.Background()

	var mu sync.Mutex
	var candles []models.Candle
	id := c.OnCandle(func(candle models.Candle) {
		mu.Lock()
		defer mu.Unlock()
		candles = append(candles, candle)
	})

	if err := c.SubscribeCandles(ctx, "BTCUSD", 60, CandleOptions{Count: 10}); err != nil {
		t.Fatalf("SubscribeCandles failed: %v", err)
	}

	stream.candleHandler("trade:1m:tBTCUSD", []bitfinex.CandleTick{
		{MTS: 1000, Open: dec(t, "1"), Close: dec(t, "2"), High: dec(t, "3"), Low: dec(t, "0.5"), Volume: dec(t, "5")},
		{MTS: 2000, Open: dec(t, "2"), Close: dec(t, "3"), High: dec(t, "4"), Low: dec(t, "1.5"), Volume: dec(t, "6")},
	})

	mu.Lock()
	if len(candles) != 2 {
		mu.Unlock()
		t.Fatalf("expected one event per tick, got %d", len(candles))
	}
	if candles[0].Pair != "tBTCUSD" {
		t.Errorf("unexpected candle pair: %s", candles[0].Pair)
	}
	mu.Unlock()

	c.OffCandle(id)
	stream.candleHandler("trade:1m:tBTCUSD", []bitfinex.CandleTick{{MTS: 3000}})
	mu.Lock()
	defer mu.Unlock()
	if len(candles) != 2 {
		t.Errorf("removed listener must not receive events, got %d", len(candles))
	}
}

func TestCloseUnsubscribesEverything(t *testing.T) {
	c, _, stream := newTestConnector()
	ctx := context.Background()

	if err := c.SubscribeTrades(ctx, "BTCUSD", 0); err != nil {
		t.Fatalf("SubscribeTrades failed: %v", err)
	}
	if err := c.SubscribeCandles(ctx, "ETHUSD", 60, CandleOptions{Count: 10}); err != nil {
		t.Fatalf("SubscribeCandles failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(stream.unsubscribes) != 2 {
		t.Errorf("expected both keys torn down, got %v", stream.unsubscribes)
	}
	if !stream.closed {
		t.Error("stream transport not released")
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("registry should be empty after Close, got %d", c.SubscriptionCount())
	}

	// Close is idempotent and safe on an empty registry
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if len(stream.unsubscribes) != 2 {
		t.Errorf("second Close must not tear down again, got %v", stream.unsubscribes)
	}
}

func TestBadPeriodCodeMapsToInvalidPeriod(t *testing.T) {
	c, rest, _ := newTestConnector()
	rest.tradesErr = &models.ExchangeError{Code: 10500, Message: "generic"}

	_, err := c.GetRecentTrades(context.Background(), "BTCUSD", 10)
	var exErr *models.ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}

	c2, _, stream := newTestConnector()
	stream.subscribeErr = &models.ExchangeError{Code: 10020, Message: "time_frame: invalid"}
	err = c2.SubscribeCandles(context.Background(), "BTCUSD", 60, CandleOptions{Count: 10})
	var periodErr *models.InvalidPeriodError
	if !errors.As(err, &periodErr) {
		t.Fatalf("upstream 10020 must map to InvalidPeriodError, got %v", err)
	}
	if periodErr.PeriodSec != 60 {
		t.Errorf("unexpected period: %d", periodErr.PeriodSec)
	}
}
