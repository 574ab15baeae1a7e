package models

import "github.com/shopspring/decimal"

// Portfolio maps a currency code to the held amount. The owner mutates it;
// the valuation engine only reads. Iteration order of Currencies is the
// insertion order of Set calls so valuation results stay deterministic.
type Portfolio struct {
	balances map[string]decimal.Decimal
	order    []string
}

// NewPortfolio creates an empty portfolio.
func NewPortfolio() *Portfolio {
	return &Portfolio{balances: make(map[string]decimal.Decimal)}
}

// Set stores the held amount for a currency, replacing any previous value.
func (p *Portfolio) Set(currency string, amount decimal.Decimal) {
	if _, ok := p.balances[currency]; !ok {
		p.order = append(p.order, currency)
	}
	p.balances[currency] = amount
}

// Balance returns the held amount for a currency.
func (p *Portfolio) Balance(currency string) (decimal.Decimal, bool) {
	amount, ok := p.balances[currency]
	return amount, ok
}

// Currencies returns the held currency codes in insertion order.
func (p *Portfolio) Currencies() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Len returns the number of holdings.
func (p *Portfolio) Len() int {
	return len(p.balances)
}

// CurrencyValue is the result of one valuation pass: the portfolio total
// expressed in the target currency.
type CurrencyValue struct {
	Currency string          `json:"currency"`
	Value    decimal.Decimal `json:"value"`
}
