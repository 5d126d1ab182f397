package model

import (
	"encoding/json"
	"strconv"
)

// Source tags carried on emitted bars. The tag says where a bar came from on
// its way to the client; it is emission metadata only and is never persisted.
const (
	SourceHistorical = "H" // vendor historical channel
	SourceLive       = "L" // vendor live 1-minute channel
	SourceCache      = "C" // durable bar cache
	SourceAggregated = "A" // folded from 1-minute bars
	SourceTick       = "T" // built from live trades
)

// Bar is an OHLCV bar for a single instrument. TS is the bucket start in
// epoch milliseconds UTC. OHLC are pointers because an open candle begins
// null and a minute with no trades closes null; null bars may be emitted to
// clients but are never written to the cache.
type Bar struct {
	Instrument string   `json:"instrument"`
	Timeframe  string   `json:"timeframe"`
	TS         int64    `json:"timestamp"`
	Open       *float64 `json:"open"`
	High       *float64 `json:"high"`
	Low        *float64 `json:"low"`
	Close      *float64 `json:"close"`
	Volume     int64    `json:"volume"`
	Source     string   `json:"source"`
	IsClosed   bool     `json:"isClosed"`
}

// Key returns a unique key for this bar's slot: "instrument:timeframe:ts".
func (b *Bar) Key() string {
	return b.Instrument + ":" + b.Timeframe + ":" + strconv.FormatInt(b.TS, 10)
}

// IsNull reports whether the bar carries no trade data.
func (b *Bar) IsNull() bool {
	return b.Open == nil || b.High == nil || b.Low == nil || b.Close == nil
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	j, _ := json.Marshal(b)
	return j
}

// Fold merges a trade print into the bar: the first print sets the open,
// highs and lows extend, close tracks the last print, volume accumulates.
// Fold never writes through an existing OHLC pointer, so struct copies of
// the bar emitted earlier stay stable.
func (b *Bar) Fold(price float64, size int64) {
	if b.Open == nil {
		b.Open = Float(price)
	}
	if b.High == nil || price > *b.High {
		b.High = Float(price)
	}
	if b.Low == nil || price < *b.Low {
		b.Low = Float(price)
	}
	b.Close = Float(price)
	b.Volume += size
}

// FoldBar merges a finer-grained bar into b. Null inputs are ignored.
func (b *Bar) FoldBar(x *Bar) {
	if x.IsNull() {
		return
	}
	if b.Open == nil {
		b.Open = x.Open
	}
	if b.High == nil || *x.High > *b.High {
		b.High = x.High
	}
	if b.Low == nil || *x.Low < *b.Low {
		b.Low = x.Low
	}
	b.Close = x.Close
	b.Volume += x.Volume
}

// Float returns a pointer to v, for building bar values.
func Float(v float64) *float64 { return &v }
