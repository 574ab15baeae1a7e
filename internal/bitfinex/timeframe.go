package bitfinex

// timeframes maps a candle period in seconds onto the fixed set of bucket
// sizes the exchange serves. Anything outside this table is rejected before
// a request is built.
var timeframes = map[int]string{
	60:      "1m",
	300:     "5m",
	900:     "15m",
	1800:    "30m",
	3600:    "1h",
	10800:   "3h",
	21600:   "6h",
	43200:   "12h",
	86400:   "1D",
	604800:  "1W",
	1209600: "14D",
	2592000: "1M",
}

// Timeframe resolves a period in seconds to the exchange timeframe token.
func Timeframe(periodSec int) (string, bool) {
	tf, ok := timeframes[periodSec]
	return tf, ok
}
