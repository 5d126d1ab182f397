// Package live maintains per-session open candles fed by vendor trades.
package live

import (
	"chartfeed/internal/model"
	"chartfeed/internal/timeframe"
)

const minuteMs = 60_000

// Emit delivers a bar snapshot to the session's output sink.
type Emit func(model.Bar)

// Persist hands a closed non-null 1-minute bar to the durable cache.
type Persist func(model.Bar)

// Updater owns the open candles for one client session: per instrument one
// open 1-minute candle plus one open candle per subscribed higher timeframe.
// Not safe for concurrent use; the owning session serializes all access.
type Updater struct {
	emit    Emit
	persist Persist

	instruments map[string]*instState
}

type instState struct {
	open1m model.Bar
	sub1m  bool // the client subscribed to 1m itself, not just higher TFs
	higher map[string]*higherState
}

type higherState struct {
	tf   timeframe.Timeframe
	open model.Bar
}

func New(emit Emit, persist Persist) *Updater {
	return &Updater{
		emit:        emit,
		persist:     persist,
		instruments: make(map[string]*instState),
	}
}

// InitInstrument starts 1-minute tracking for an instrument. last1mEnd is
// the minute immediately after the last closed historical bar; the open
// candle starts there with null OHLC. Re-initializing an already tracked
// instrument only widens the 1m subscription flag and keeps candle state.
func (u *Updater) InitInstrument(instrument string, last1mEnd int64, sub1m bool) {
	if st, ok := u.instruments[instrument]; ok {
		st.sub1m = st.sub1m || sub1m
		return
	}
	u.instruments[instrument] = &instState{
		open1m: model.Bar{
			Instrument: instrument,
			Timeframe:  "1m",
			TS:         last1mEnd,
			Source:     model.SourceTick,
		},
		sub1m:  sub1m,
		higher: make(map[string]*higherState),
	}
}

// SetSubscribed1m flips whether 1-minute bars are emitted for an instrument.
// Tracking continues either way; the 1m candle drives rolls and persistence.
func (u *Updater) SetSubscribed1m(instrument string, on bool) {
	if st, ok := u.instruments[instrument]; ok {
		st.sub1m = on
	}
}

// InitHigher starts an open candle for a higher timeframe. lastAgg is the
// final bar of the historical aggregation, or nil. If it is still open and
// covers the bucket of the upcoming 1-minute start it is continued;
// otherwise a fresh null candle starts at that bucket. The current open
// 1-minute candle is folded in when it has content.
// InitInstrument must have been called for the instrument first.
func (u *Updater) InitHigher(instrument string, tf timeframe.Timeframe, lastAgg *model.Bar) {
	st, ok := u.instruments[instrument]
	if !ok {
		return
	}
	bucket := timeframe.Bucket(st.open1m.TS, tf)

	var open model.Bar
	if lastAgg != nil && !lastAgg.IsClosed && lastAgg.TS == bucket {
		open = *lastAgg
		open.Source = model.SourceTick
	} else {
		open = model.Bar{
			Instrument: instrument,
			Timeframe:  tf.String(),
			TS:         bucket,
			Source:     model.SourceTick,
		}
	}
	open.FoldBar(&st.open1m)

	st.higher[tf.String()] = &higherState{tf: tf, open: open}
}

// DropHigher discards the open candle for one higher timeframe.
func (u *Updater) DropHigher(instrument, tfLabel string) {
	if st, ok := u.instruments[instrument]; ok {
		delete(st.higher, tfLabel)
	}
}

// DropInstrument stops tracking an instrument entirely.
func (u *Updater) DropInstrument(instrument string) {
	delete(u.instruments, instrument)
}

// Tracks reports whether the instrument has live candle state.
func (u *Updater) Tracks(instrument string) bool {
	_, ok := u.instruments[instrument]
	return ok
}

// HigherCount returns the number of higher-timeframe candles tracked for an
// instrument.
func (u *Updater) HigherCount(instrument string) int {
	if st, ok := u.instruments[instrument]; ok {
		return len(st.higher)
	}
	return 0
}

// Open1m returns a snapshot of the open 1-minute candle.
func (u *Updater) Open1m(instrument string) (model.Bar, bool) {
	if st, ok := u.instruments[instrument]; ok {
		return st.open1m, true
	}
	return model.Bar{}, false
}

// ApplyTrade folds one trade into the instrument's open candles, rolling
// buckets and emitting snapshots as it goes. Trades for untracked
// instruments and trades older than the open 1-minute candle are ignored.
func (u *Updater) ApplyTrade(x model.Trade) {
	st, ok := u.instruments[x.Instrument]
	if !ok {
		return
	}
	if x.TS < st.open1m.TS {
		return // late trade before the tracked bucket
	}

	if x.TS >= st.open1m.TS+minuteMs {
		closed := st.open1m
		closed.IsClosed = true
		if st.sub1m {
			u.emit(closed)
		}
		if !closed.IsNull() {
			u.persist(closed)
		}
		st.open1m = newCandle(x, x.TS-(x.TS%minuteMs), "1m")
		if st.sub1m {
			u.emit(st.open1m)
		}
	} else {
		st.open1m.Fold(x.Price, x.Size)
		if st.sub1m {
			u.emit(st.open1m)
		}
	}

	for _, h := range st.higher {
		if b := timeframe.Bucket(x.TS, h.tf); b != h.open.TS {
			closed := h.open
			closed.IsClosed = true
			u.emit(closed)
			h.open = newCandle(x, b, h.tf.String())
			u.emit(h.open)
		} else {
			h.open.Fold(x.Price, x.Size)
			u.emit(h.open)
		}
	}
}

func newCandle(x model.Trade, bucketTs int64, tfLabel string) model.Bar {
	return model.Bar{
		Instrument: x.Instrument,
		Timeframe:  tfLabel,
		TS:         bucketTs,
		Open:       model.Float(x.Price),
		High:       model.Float(x.Price),
		Low:        model.Float(x.Price),
		Close:      model.Float(x.Price),
		Volume:     x.Size,
		Source:     model.SourceTick,
	}
}
