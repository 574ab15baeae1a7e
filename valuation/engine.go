// Package valuation converts heterogeneous currency balances into a single
// target currency using market data from the connector.
package valuation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/loyvsc/hyperquant/logger"
	"github.com/loyvsc/hyperquant/models"
)

// DefaultReserveAsset is the intermediate currency used when no direct or
// reverse market exists for a holding.
const DefaultReserveAsset = "USDT"

// Holding outcomes reported by the detailed valuation pass.
const (
	OutcomeHeld      = "held"      // holding already in the target currency
	OutcomeConverted = "converted" // one of the strategies succeeded
	OutcomeSkipped   = "skipped"   // no conversion path; contributes zero
)

// Conversion strategy names, in the order they are tried.
const (
	StrategyDirect  = "direct"
	StrategyReverse = "reverse"
	StrategyCross   = "cross"
)

// TickerSource is the single capability the engine needs from the market
// data connector. A nil ticker with a nil error means "no market".
type TickerSource interface {
	GetTicker(ctx context.Context, pair string) (*models.Ticker, error)
}

// HoldingOutcome describes what happened to one holding during a valuation
// pass. It is a diagnostic surface only; the numeric total is unaffected.
type HoldingOutcome struct {
	Currency string
	Amount   decimal.Decimal
	Outcome  string
	Strategy string
	Value    decimal.Decimal
}

// Engine values portfolios against a ticker source. Each call is a fresh,
// stateless computation; holdings and strategies are tried strictly
// sequentially with no retries.
type Engine struct {
	tickers TickerSource
	reserve string
	log     *logger.Log
}

// NewEngine creates a valuation engine. An empty reserve asset falls back
// to DefaultReserveAsset.
func NewEngine(tickers TickerSource, reserve string) *Engine {
	if reserve == "" {
		reserve = DefaultReserveAsset
	}
	return &Engine{
		tickers: tickers,
		reserve: reserve,
		log:     logger.GetLogger(),
	}
}

// CalculatePortfolioValue totals the portfolio in the target currency. A
// holding with no viable conversion path contributes zero rather than
// failing the pass.
func (e *Engine) CalculatePortfolioValue(ctx context.Context, portfolio *models.Portfolio, targetCurrency string) (models.CurrencyValue, error) {
	value, _, err := e.calculate(ctx, portfolio, targetCurrency)
	return value, err
}

// CalculatePortfolioValueDetailed is CalculatePortfolioValue plus a
// per-holding outcome breakdown, so a silently skipped holding (say a
// typo'd currency code) stays visible to diagnostics.
func (e *Engine) CalculatePortfolioValueDetailed(ctx context.Context, portfolio *models.Portfolio, targetCurrency string) (models.CurrencyValue, []HoldingOutcome, error) {
	return e.calculate(ctx, portfolio, targetCurrency)
}

func (e *Engine) calculate(ctx context.Context, portfolio *models.Portfolio, targetCurrency string) (models.CurrencyValue, []HoldingOutcome, error) {
	if targetCurrency == "" {
		return models.CurrencyValue{}, nil, &models.InvalidArgumentError{Param: "targetCurrency", Reason: "cannot be empty"}
	}

	total := decimal.Zero
	outcomes := make([]HoldingOutcome, 0, portfolio.Len())

	for _, currency := range portfolio.Currencies() {
		amount, _ := portfolio.Balance(currency)

		if currency == targetCurrency {
			total = total.Add(amount)
			outcomes = append(outcomes, HoldingOutcome{
				Currency: currency, Amount: amount, Outcome: OutcomeHeld, Value: amount,
			})
			continue
		}

		converted, strategy := e.convert(ctx, currency, targetCurrency, amount)
		if converted == nil {
			e.log.WithComponent("valuation").WithFields(logger.Fields{
				"currency": currency,
				"target":   targetCurrency,
			}).Warn("no conversion path, holding contributes zero")
			outcomes = append(outcomes, HoldingOutcome{
				Currency: currency, Amount: amount, Outcome: OutcomeSkipped, Value: decimal.Zero,
			})
			continue
		}

		total = total.Add(*converted)
		outcomes = append(outcomes, HoldingOutcome{
			Currency: currency, Amount: amount, Outcome: OutcomeConverted, Strategy: strategy, Value: *converted,
		})
	}

	return models.CurrencyValue{Currency: targetCurrency, Value: total}, outcomes, nil
}

// convert tries direct, reverse and cross-via-reserve conversion in that
// fixed order and returns the first result, or nil when every strategy
// comes up empty.
func (e *Engine) convert(ctx context.Context, currency, targetCurrency string, amount decimal.Decimal) (*decimal.Decimal, string) {
	if v := e.tryDirect(ctx, currency, targetCurrency, amount); v != nil {
		return v, StrategyDirect
	}
	if v := e.tryReverse(ctx, currency, targetCurrency, amount); v != nil {
		return v, StrategyReverse
	}
	if v := e.tryCrossViaReserve(ctx, currency, targetCurrency, amount); v != nil {
		return v, StrategyCross
	}
	return nil, ""
}

func (e *Engine) tryDirect(ctx context.Context, from, to string, amount decimal.Decimal) *decimal.Decimal {
	ticker := e.fetch(ctx, from+to)
	if ticker == nil {
		return nil
	}
	v := amount.Mul(ticker.LastPrice)
	return &v
}

func (e *Engine) tryReverse(ctx context.Context, from, to string, amount decimal.Decimal) *decimal.Decimal {
	ticker := e.fetch(ctx, to+from)
	if ticker == nil || ticker.LastPrice.IsZero() {
		return nil
	}
	v := amount.Div(ticker.LastPrice)
	return &v
}

// tryCrossViaReserve converts through the reserve asset. It is skipped
// entirely when either side already is the reserve asset, and yields no
// contribution unless both legs resolve.
func (e *Engine) tryCrossViaReserve(ctx context.Context, from, to string, amount decimal.Decimal) *decimal.Decimal {
	if from == e.reserve || to == e.reserve {
		return nil
	}

	leg1 := e.fetch(ctx, from+e.reserve)
	if leg1 == nil {
		return nil
	}
	inReserve := amount.Mul(leg1.LastPrice)

	leg2 := e.fetch(ctx, e.reserve+to)
	if leg2 == nil || leg2.LastPrice.IsZero() {
		return nil
	}
	v := inReserve.Div(leg2.LastPrice)
	return &v
}

// fetch treats every ticker failure as absence; a failed lookup is final
// for that strategy attempt.
func (e *Engine) fetch(ctx context.Context, pair string) *models.Ticker {
	ticker, err := e.tickers.GetTicker(ctx, pair)
	if err != nil || ticker == nil {
		return nil
	}
	return ticker
}
