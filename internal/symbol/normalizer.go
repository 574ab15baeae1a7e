// Package symbol converts caller-supplied currency pairs into the Bitfinex
// wire format. Trading symbols carry a single reserved prefix character, so
// "BTCUSD" goes on the wire as "tBTCUSD" while an already-prefixed symbol
// passes through unchanged.
package symbol

import (
	"strings"
	"sync"
)

// Prefix is the reserved first character of a Bitfinex trading symbol.
const Prefix byte = 't'

var builderPool = sync.Pool{
	New: func() interface{} { return new(strings.Builder) },
}

// Normalize returns the canonical wire symbol for a pair. Normalization is
// pure and total for non-empty input; callers reject empty pairs before
// reaching here. Scratch builders are pooled and reset before reuse.
func Normalize(pair string) string {
	if pair == "" || pair[0] == Prefix {
		return pair
	}
	sb := builderPool.Get().(*strings.Builder)
	sb.Reset()
	sb.Grow(len(pair) + 1)
	sb.WriteByte(Prefix)
	sb.WriteString(pair)
	out := sb.String()
	builderPool.Put(sb)
	return out
}

// IsNormalized reports whether the pair already carries the wire prefix.
func IsNormalized(pair string) bool {
	return pair != "" && pair[0] == Prefix
}
