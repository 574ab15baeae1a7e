// Package bitfinex talks to the Bitfinex v2 public API. It connects directly
// to the official REST and websocket endpoints without relying on third-party
// SDKs and normalizes the array-shaped payloads into typed entries.
package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/loyvsc/hyperquant/logger"
	"github.com/loyvsc/hyperquant/models"
)

// DefaultRESTURL is the public market data endpoint.
const DefaultRESTURL = "https://api-pub.bitfinex.com"

// RESTConfig tunes the REST client.
type RESTConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
}

// RESTClient issues public market data queries. Calls are rate limited
// client-side to stay under the exchange's per-endpoint budget.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

// NewRESTClient creates a client for the public REST API. Zero config fields
// fall back to defaults (public endpoint, 10s timeout, 30 requests/minute).
func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRESTURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	return &RESTClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute),
		log:        logger.GetLogger(),
	}
}

// TradeEntry is one row of /v2/trades/{symbol}/hist: [ID, MTS, AMOUNT, PRICE].
type TradeEntry struct {
	ID     int64
	MTS    int64
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// CandleEntry is one row of /v2/candles/trade:{tf}:{symbol}/hist:
// [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME].
type CandleEntry struct {
	MTS    int64
	Open   decimal.Decimal
	Close  decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Volume decimal.Decimal
}

// TickerEntry is the /v2/ticker/{symbol} payload:
// [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE, DAILY_CHANGE_RELATIVE,
// LAST_PRICE, VOLUME, HIGH, LOW].
type TickerEntry struct {
	Bid            decimal.Decimal
	BidSize        decimal.Decimal
	Ask            decimal.Decimal
	AskSize        decimal.Decimal
	DailyChange    decimal.Decimal
	DailyChangeRel decimal.Decimal
	LastPrice      decimal.Decimal
	Volume         decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
}

// Trades fetches up to limit historical trades for a wire symbol, in the
// order the exchange returns them (newest first).
func (c *RESTClient) Trades(ctx context.Context, symbol string, limit int) ([]TradeEntry, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, fmt.Sprintf("/v2/trades/%s/hist", symbol), q)
	if err != nil {
		return nil, err
	}

	var rows [][]json.Number
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(err, "decode trades response")
	}

	out := make([]TradeEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		entry := TradeEntry{}
		if entry.ID, err = row[0].Int64(); err != nil {
			return nil, errors.Wrap(err, "decode trade id")
		}
		if entry.MTS, err = row[1].Int64(); err != nil {
			return nil, errors.Wrap(err, "decode trade timestamp")
		}
		if entry.Amount, err = decimal.NewFromString(row[2].String()); err != nil {
			return nil, errors.Wrap(err, "decode trade amount")
		}
		if entry.Price, err = decimal.NewFromString(row[3].String()); err != nil {
			return nil, errors.Wrap(err, "decode trade price")
		}
		out = append(out, entry)
	}
	return out, nil
}

// Candles fetches up to limit candles for a wire symbol and timeframe.
// Zero start/end bounds are omitted from the query.
func (c *RESTClient) Candles(ctx context.Context, tf, symbol string, limit int, start, end time.Time) ([]CandleEntry, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	}
	body, err := c.get(ctx, fmt.Sprintf("/v2/candles/trade:%s:%s/hist", tf, symbol), q)
	if err != nil {
		return nil, err
	}

	var rows [][]json.Number
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(err, "decode candles response")
	}

	out := make([]CandleEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		entry := CandleEntry{}
		if entry.MTS, err = row[0].Int64(); err != nil {
			return nil, errors.Wrap(err, "decode candle timestamp")
		}
		values := [5]*decimal.Decimal{&entry.Open, &entry.Close, &entry.High, &entry.Low, &entry.Volume}
		for i, dst := range values {
			if *dst, err = decimal.NewFromString(row[i+1].String()); err != nil {
				return nil, errors.Wrap(err, "decode candle value")
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Ticker fetches the current snapshot for a wire symbol.
func (c *RESTClient) Ticker(ctx context.Context, symbol string) (*TickerEntry, error) {
	body, err := c.get(ctx, fmt.Sprintf("/v2/ticker/%s", symbol), nil)
	if err != nil {
		return nil, err
	}

	var row []json.Number
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, errors.Wrap(err, "decode ticker response")
	}
	if len(row) < 10 {
		return nil, errors.Errorf("short ticker response: %d fields", len(row))
	}

	entry := &TickerEntry{}
	values := [10]*decimal.Decimal{
		&entry.Bid, &entry.BidSize, &entry.Ask, &entry.AskSize,
		&entry.DailyChange, &entry.DailyChangeRel, &entry.LastPrice,
		&entry.Volume, &entry.High, &entry.Low,
	}
	for i, dst := range values {
		if *dst, err = decimal.NewFromString(row[i].String()); err != nil {
			return nil, errors.Wrap(err, "decode ticker value")
		}
	}
	return entry, nil
}

// get performs a rate-limited GET and returns the raw body. Upstream error
// frames ["error", CODE, "MSG"] are surfaced as *models.ExchangeError no
// matter the HTTP status the exchange picked for them.
func (c *RESTClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	logger.LogPerformanceEntry(c.log.WithComponent("bitfinex_rest"), "bitfinex_rest", "api_request", time.Since(start), logger.Fields{
		"path":   path,
		"status": resp.StatusCode,
	})
	logger.IncrementRestRead(len(body))

	if apiErr := parseErrorFrame(body); apiErr != nil {
		return nil, apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &models.ExchangeError{Code: resp.StatusCode, Message: string(body)}
	}
	return body, nil
}

// parseErrorFrame detects the exchange's ["error", code, message] frame.
func parseErrorFrame(body []byte) *models.ExchangeError {
	var frame []json.RawMessage
	if err := json.Unmarshal(body, &frame); err != nil || len(frame) < 3 {
		return nil
	}
	var marker string
	if err := json.Unmarshal(frame[0], &marker); err != nil || marker != "error" {
		return nil
	}
	apiErr := &models.ExchangeError{}
	var code json.Number
	if err := json.Unmarshal(frame[1], &code); err == nil {
		if v, err := code.Int64(); err == nil {
			apiErr.Code = int(v)
		}
	}
	if err := json.Unmarshal(frame[2], &apiErr.Message); err != nil {
		apiErr.Message = string(frame[2])
	}
	return apiErr
}
