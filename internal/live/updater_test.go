package live

import (
	"testing"

	"chartfeed/internal/model"
	"chartfeed/internal/timeframe"
)

type capture struct {
	emitted   []model.Bar
	persisted []model.Bar
}

func newCapture() (*capture, *Updater) {
	c := &capture{}
	u := New(
		func(b model.Bar) { c.emitted = append(c.emitted, b) },
		func(b model.Bar) { c.persisted = append(c.persisted, b) },
	)
	return c, u
}

func trade(tsMs int64, price float64, size int64) model.Trade {
	return model.Trade{Instrument: "ES", TS: tsMs, Price: price, Size: size}
}

// minute 100 keeps 5m buckets aligned (100 % 5 == 0).
const base = int64(100 * 60000)

func TestFoldWithinOpenMinute(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, true)

	u.ApplyTrade(trade(base+1000, 100, 1))
	u.ApplyTrade(trade(base+2000, 103, 2))
	u.ApplyTrade(trade(base+3000, 99, 1))

	if len(c.emitted) != 3 {
		t.Fatalf("emitted %d bars, want 3", len(c.emitted))
	}
	last := c.emitted[2]
	if last.TS != base || last.IsClosed {
		t.Errorf("open candle ts=%d closed=%v, want %d/open", last.TS, last.IsClosed, base)
	}
	if *last.Open != 100 || *last.High != 103 || *last.Low != 99 || *last.Close != 99 || last.Volume != 4 {
		t.Errorf("OHLCV = %v/%v/%v/%v/%d", *last.Open, *last.High, *last.Low, *last.Close, last.Volume)
	}
	if last.Source != model.SourceTick {
		t.Errorf("source = %q, want T", last.Source)
	}
	// earlier snapshots must not be mutated by later folds
	if *c.emitted[0].High != 100 {
		t.Errorf("first snapshot high = %v, want 100", *c.emitted[0].High)
	}
	if len(c.persisted) != 0 {
		t.Errorf("persisted %d bars before any roll", len(c.persisted))
	}
}

func TestMinuteRollClosesEmitsPersists(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, true)

	u.ApplyTrade(trade(base+1000, 100, 2))
	u.ApplyTrade(trade(base+60000+5000, 105, 3)) // next minute

	if len(c.emitted) != 3 {
		t.Fatalf("emitted %d bars, want fold + close + new open", len(c.emitted))
	}
	closed := c.emitted[1]
	if !closed.IsClosed || closed.TS != base || *closed.Close != 100 {
		t.Errorf("closed bar = ts %d closed=%v close=%v", closed.TS, closed.IsClosed, *closed.Close)
	}
	fresh := c.emitted[2]
	if fresh.TS != base+60000 || fresh.IsClosed {
		t.Errorf("new open ts=%d closed=%v", fresh.TS, fresh.IsClosed)
	}
	if *fresh.Open != 105 || fresh.Volume != 3 {
		t.Errorf("new open seeded %v/%d, want 105/3", *fresh.Open, fresh.Volume)
	}
	if len(c.persisted) != 1 || c.persisted[0].TS != base {
		t.Fatalf("persisted = %+v, want the closed bar at %d", c.persisted, base)
	}
}

func TestRollSkipsEmptyMinutes(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, true)

	// first trade lands three minutes after the open candle's slot
	u.ApplyTrade(trade(base+3*60000+15000, 101, 1))

	if len(c.emitted) != 2 {
		t.Fatalf("emitted %d, want closed null + new open", len(c.emitted))
	}
	closed := c.emitted[0]
	if !closed.IsClosed || closed.TS != base || !closed.IsNull() {
		t.Errorf("expected closed null bar at %d, got %+v", base, closed)
	}
	if c.emitted[1].TS != base+3*60000 {
		t.Errorf("new open ts = %d, want aligned to the trade's minute", c.emitted[1].TS)
	}
	// null bars are never persisted
	if len(c.persisted) != 0 {
		t.Errorf("persisted %d bars, want 0", len(c.persisted))
	}
}

func TestLateTradeIgnored(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, true)

	u.ApplyTrade(trade(base-1, 100, 1))
	if len(c.emitted) != 0 || len(c.persisted) != 0 {
		t.Fatalf("late trade produced output: %d emitted %d persisted", len(c.emitted), len(c.persisted))
	}
}

func TestUntrackedInstrumentIgnored(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, true)

	u.ApplyTrade(model.Trade{Instrument: "NQ", TS: base + 1000, Price: 50, Size: 1})
	if len(c.emitted) != 0 {
		t.Fatalf("trade for untracked instrument emitted %d bars", len(c.emitted))
	}
}

func TestUnsubscribed1mStillRollsAndPersists(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, false) // only a higher TF is subscribed
	u.InitHigher("ES", timeframe.MustParse("5m"), nil)

	u.ApplyTrade(trade(base+1000, 100, 2))
	u.ApplyTrade(trade(base+61000, 101, 1))

	for _, b := range c.emitted {
		if b.Timeframe == "1m" {
			t.Fatalf("1m bar emitted without a 1m subscription: %+v", b)
		}
	}
	if len(c.persisted) != 1 || c.persisted[0].Timeframe != "1m" || c.persisted[0].TS != base {
		t.Fatalf("persisted = %+v, want the rolled 1m bar", c.persisted)
	}
}

func TestHigherFoldAndRoll(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, false)
	u.InitHigher("ES", timeframe.MustParse("5m"), nil)

	u.ApplyTrade(trade(base+1000, 100, 1))
	u.ApplyTrade(trade(base+4*60000, 104, 2))  // still inside the 5m bucket
	u.ApplyTrade(trade(base+5*60000+10, 99, 1)) // next 5m bucket

	var fiveMin []model.Bar
	for _, b := range c.emitted {
		if b.Timeframe == "5m" {
			fiveMin = append(fiveMin, b)
		}
	}
	if len(fiveMin) != 4 {
		t.Fatalf("5m emissions = %d, want fold, fold, close, new open", len(fiveMin))
	}
	if fiveMin[1].IsClosed || *fiveMin[1].High != 104 || fiveMin[1].Volume != 3 {
		t.Errorf("second fold = %+v", fiveMin[1])
	}
	closed := fiveMin[2]
	if !closed.IsClosed || closed.TS != base || *closed.Close != 104 {
		t.Errorf("closed 5m bar = %+v", closed)
	}
	fresh := fiveMin[3]
	if fresh.IsClosed || fresh.TS != base+5*60000 || *fresh.Open != 99 {
		t.Errorf("new 5m open = %+v", fresh)
	}
}

func TestInitHigherContinuesOpenAggregate(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base+60000, false) // one 1m bar into the 5m bucket

	lastAgg := model.Bar{
		Instrument: "ES", Timeframe: "5m", TS: base,
		Open: model.Float(100), High: model.Float(102), Low: model.Float(98), Close: model.Float(101),
		Volume: 7, Source: model.SourceAggregated, IsClosed: false,
	}
	u.InitHigher("ES", timeframe.MustParse("5m"), &lastAgg)

	u.ApplyTrade(trade(base+61000, 105, 1))

	var fiveMin []model.Bar
	for _, b := range c.emitted {
		if b.Timeframe == "5m" {
			fiveMin = append(fiveMin, b)
		}
	}
	if len(fiveMin) != 1 {
		t.Fatalf("5m emissions = %d, want 1", len(fiveMin))
	}
	got := fiveMin[0]
	if got.TS != base || *got.Open != 100 || *got.High != 105 || *got.Low != 98 || got.Volume != 8 {
		t.Errorf("continued aggregate = %+v", got)
	}
	if got.Source != model.SourceTick {
		t.Errorf("source = %q, want re-tagged T", got.Source)
	}
}

func TestInitHigherSeedsFromOpenMinute(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, true)

	// three trades fold into the open 1m candle before the higher TF exists
	u.ApplyTrade(trade(base+1000, 100, 1))
	u.ApplyTrade(trade(base+2000, 103, 2))
	u.ApplyTrade(trade(base+3000, 99, 1))

	u.InitHigher("ES", timeframe.MustParse("5m"), nil)
	c.emitted = nil

	u.ApplyTrade(trade(base+4000, 101, 1))

	var fiveMin *model.Bar
	for i := range c.emitted {
		if c.emitted[i].Timeframe == "5m" {
			fiveMin = &c.emitted[i]
		}
	}
	if fiveMin == nil {
		t.Fatal("no 5m emission after init")
	}
	// open candle content was folded in at init: O from the first trade,
	// H/L across all four, volume includes the pre-init three
	if *fiveMin.Open != 100 || *fiveMin.High != 103 || *fiveMin.Low != 99 || *fiveMin.Close != 101 || fiveMin.Volume != 5 {
		t.Errorf("seeded 5m = %v/%v/%v/%v/%d, want 100/103/99/101/5",
			*fiveMin.Open, *fiveMin.High, *fiveMin.Low, *fiveMin.Close, fiveMin.Volume)
	}
}

func TestDropHigherKeepsMinuteTracking(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, true)
	u.InitHigher("ES", timeframe.MustParse("5m"), nil)

	u.DropHigher("ES", "5m")
	u.ApplyTrade(trade(base+1000, 100, 1))

	for _, b := range c.emitted {
		if b.Timeframe == "5m" {
			t.Fatalf("dropped timeframe still emitting: %+v", b)
		}
	}
	if len(c.emitted) != 1 || c.emitted[0].Timeframe != "1m" {
		t.Fatalf("1m tracking lost after DropHigher: %+v", c.emitted)
	}
	if u.HigherCount("ES") != 0 || !u.Tracks("ES") {
		t.Errorf("HigherCount=%d Tracks=%v", u.HigherCount("ES"), u.Tracks("ES"))
	}
}

func TestEmissionMonotonicAcrossRolls(t *testing.T) {
	c, u := newCapture()
	u.InitInstrument("ES", base, true)
	u.InitHigher("ES", timeframe.MustParse("5m"), nil)

	trades := []model.Trade{
		trade(base+1000, 100, 1),
		trade(base+30000, 101, 2),
		trade(base+60000+100, 102, 1),
		trade(base+2*60000, 99, 3),
		trade(base+5*60000+500, 104, 1), // rolls both 1m and 5m
		trade(base+5*60000+900, 103, 1),
	}
	for _, x := range trades {
		u.ApplyTrade(x)
	}
	checkMonotonic(t, c.emitted)
}

func checkMonotonic(t *testing.T, bars []model.Bar) {
	t.Helper()
	bySeries := map[string][]model.Bar{}
	for _, b := range bars {
		k := b.Instrument + ":" + b.Timeframe
		bySeries[k] = append(bySeries[k], b)
	}
	for k, seq := range bySeries {
		closedAt := map[int64]bool{}
		for i, b := range seq {
			if i > 0 {
				prev := seq[i-1]
				if b.TS < prev.TS {
					t.Fatalf("%s: timestamp went backwards at emission %d", k, i)
				}
				if b.TS == prev.TS && prev.IsClosed && !b.IsClosed {
					t.Fatalf("%s: open emission after close for ts %d", k, b.TS)
				}
			}
			if b.IsClosed {
				if closedAt[b.TS] {
					t.Fatalf("%s: second closed emission for ts %d", k, b.TS)
				}
				closedAt[b.TS] = true
			}
		}
	}
}
