package aggregate

import (
	"testing"
	"time"

	"chartfeed/internal/model"
	"chartfeed/internal/timeframe"
)

func at(hh, mm int) int64 {
	return time.Date(2024, 6, 10, hh, mm, 0, 0, time.UTC).UnixMilli()
}

func bar1m(tsMs int64, o, h, l, c float64, v int64) model.Bar {
	return model.Bar{
		Instrument: "ES",
		Timeframe:  "1m",
		TS:         tsMs,
		Open:       model.Float(o),
		High:       model.Float(h),
		Low:        model.Float(l),
		Close:      model.Float(c),
		Volume:     v,
		Source:     model.SourceCache,
		IsClosed:   true,
	}
}

func TestAggregateOpenTrailingBucket(t *testing.T) {
	// 09:00..09:03, no terminal slot and no later activity: the single 5m
	// bar stays open.
	var in []model.Bar
	for i := 0; i < 4; i++ {
		in = append(in, bar1m(at(9, i), 100, 101, 99, 100, 10))
	}
	out := Aggregate(in, timeframe.MustParse("5m"), at(9, 0), at(10, 0))
	if len(out) != 1 {
		t.Fatalf("got %d bars, want 1", len(out))
	}
	b := out[0]
	if b.TS != at(9, 0) {
		t.Errorf("ts = %d, want %d", b.TS, at(9, 0))
	}
	if *b.Open != 100 || *b.High != 101 || *b.Low != 99 || *b.Close != 100 || b.Volume != 40 {
		t.Errorf("ohlcv = %v/%v/%v/%v/%d, want 100/101/99/100/40",
			*b.Open, *b.High, *b.Low, *b.Close, b.Volume)
	}
	if b.IsClosed {
		t.Error("bar is closed, want open")
	}
	if b.Source != model.SourceAggregated {
		t.Errorf("source = %q, want %q", b.Source, model.SourceAggregated)
	}
}

func TestAggregateTerminalSlotCloses(t *testing.T) {
	var in []model.Bar
	for i := 0; i < 4; i++ {
		in = append(in, bar1m(at(9, i), 100, 101, 99, 100, 10))
	}
	in = append(in, bar1m(at(9, 4), 101, 102, 100, 101, 5))
	out := Aggregate(in, timeframe.MustParse("5m"), at(9, 0), at(10, 0))
	if len(out) != 1 {
		t.Fatalf("got %d bars, want 1", len(out))
	}
	b := out[0]
	if *b.Open != 100 || *b.High != 102 || *b.Low != 99 || *b.Close != 101 || b.Volume != 45 {
		t.Errorf("ohlcv = %v/%v/%v/%v/%d, want 100/102/99/101/45",
			*b.Open, *b.High, *b.Low, *b.Close, b.Volume)
	}
	if !b.IsClosed {
		t.Error("bar is open, want closed (terminal slot present)")
	}
}

func TestAggregateLaterActivityCloses(t *testing.T) {
	// No terminal slot in the 09:00 bucket, but a bar at 09:05 proves later
	// activity, so 09:00 closes and 09:05 stays open.
	in := []model.Bar{
		bar1m(at(9, 0), 100, 101, 99, 100, 10),
		bar1m(at(9, 2), 100, 103, 98, 102, 10),
		bar1m(at(9, 5), 102, 104, 101, 103, 7),
	}
	out := Aggregate(in, timeframe.MustParse("5m"), at(9, 0), at(10, 0))
	if len(out) != 2 {
		t.Fatalf("got %d bars, want 2", len(out))
	}
	if !out[0].IsClosed {
		t.Error("09:00 bar open, want closed (later activity)")
	}
	if out[1].IsClosed {
		t.Error("09:05 bar closed, want open")
	}
	if *out[0].High != 103 || *out[0].Low != 98 || *out[0].Close != 102 {
		t.Errorf("09:00 h/l/c = %v/%v/%v, want 103/98/102",
			*out[0].High, *out[0].Low, *out[0].Close)
	}
}

func TestAggregateGaplessFold(t *testing.T) {
	// Gapless 09:00..09:29 with varying prices: every 5m bar must take open
	// from its first slot, close from its last, extremes and volume across.
	var in []model.Bar
	for i := 0; i < 30; i++ {
		p := 100 + float64(i)
		in = append(in, bar1m(at(9, i), p, p+1, p-1, p+0.5, int64(i+1)))
	}
	out := Aggregate(in, timeframe.MustParse("5m"), at(9, 0), at(9, 29))
	if len(out) != 6 {
		t.Fatalf("got %d bars, want 6", len(out))
	}
	for k, b := range out {
		first, last := in[k*5], in[k*5+4]
		if b.TS != first.TS {
			t.Errorf("bar %d ts = %d, want %d", k, b.TS, first.TS)
		}
		if *b.Open != *first.Open {
			t.Errorf("bar %d open = %v, want %v", k, *b.Open, *first.Open)
		}
		if *b.Close != *last.Close {
			t.Errorf("bar %d close = %v, want %v", k, *b.Close, *last.Close)
		}
		if *b.High != *last.High || *b.Low != *first.Low {
			t.Errorf("bar %d extremes = %v/%v, want %v/%v",
				k, *b.High, *b.Low, *last.High, *first.Low)
		}
		var vol int64
		for i := k * 5; i < k*5+5; i++ {
			vol += in[i].Volume
		}
		if b.Volume != vol {
			t.Errorf("bar %d volume = %d, want %d", k, b.Volume, vol)
		}
		if !b.IsClosed {
			t.Errorf("bar %d open, want closed", k)
		}
	}
}

func TestAggregateSkipsNullBars(t *testing.T) {
	in := []model.Bar{
		bar1m(at(9, 0), 100, 101, 99, 100, 10),
		{Instrument: "ES", Timeframe: "1m", TS: at(9, 1), Volume: 0, IsClosed: true},
		bar1m(at(9, 2), 102, 103, 101, 102, 5),
	}
	out := Aggregate(in, timeframe.MustParse("5m"), at(9, 0), at(10, 0))
	if len(out) != 1 {
		t.Fatalf("got %d bars, want 1", len(out))
	}
	if out[0].Volume != 15 {
		t.Errorf("volume = %d, want 15 (null bar skipped)", out[0].Volume)
	}
	if *out[0].High != 103 {
		t.Errorf("high = %v, want 103", *out[0].High)
	}
}

func TestAggregateOneMinutePassthrough(t *testing.T) {
	in := []model.Bar{
		bar1m(at(9, 0), 100, 101, 99, 100, 10),
		bar1m(at(9, 1), 100, 101, 99, 100, 10),
		bar1m(at(9, 2), 100, 101, 99, 100, 10),
	}
	out := Aggregate(in, timeframe.MustParse("1m"), at(9, 1), at(9, 2))
	if len(out) != 2 {
		t.Fatalf("got %d bars, want 2", len(out))
	}
	if out[0].TS != at(9, 1) || out[0].Source != model.SourceCache {
		t.Errorf("passthrough altered the series: ts=%d source=%q", out[0].TS, out[0].Source)
	}
}

func TestAggregateClosednessDecidedBeforeRangeFilter(t *testing.T) {
	// The 09:05 bar is outside the requested range but still closes 09:00.
	in := []model.Bar{
		bar1m(at(9, 0), 100, 101, 99, 100, 10),
		bar1m(at(9, 5), 102, 104, 101, 103, 7),
	}
	out := Aggregate(in, timeframe.MustParse("5m"), at(9, 0), at(9, 4))
	if len(out) != 1 {
		t.Fatalf("got %d bars, want 1", len(out))
	}
	if out[0].TS != at(9, 0) || !out[0].IsClosed {
		t.Errorf("ts=%d closed=%v, want 09:00 closed", out[0].TS, out[0].IsClosed)
	}
}

func TestAggregateSessionAligned(t *testing.T) {
	// 4h buckets stride from 18:00 ET = 22:00 UTC in June. A bar at 22:00
	// and one at the terminal slot 01:59 close the first session bucket.
	open := time.Date(2024, 6, 10, 22, 0, 0, 0, time.UTC).UnixMilli()
	terminal := time.Date(2024, 6, 11, 1, 59, 0, 0, time.UTC).UnixMilli()
	in := []model.Bar{
		bar1m(open, 100, 101, 99, 100, 10),
		bar1m(terminal, 102, 103, 101, 102, 5),
	}
	out := Aggregate(in, timeframe.MustParse("4h"), open, terminal)
	if len(out) != 1 {
		t.Fatalf("got %d bars, want 1", len(out))
	}
	if out[0].TS != open {
		t.Errorf("ts = %d, want session open %d", out[0].TS, open)
	}
	if !out[0].IsClosed {
		t.Error("4h bar open, want closed via terminal slot")
	}
}

func TestAggregateEmptyInput(t *testing.T) {
	if out := Aggregate(nil, timeframe.MustParse("5m"), 0, at(23, 59)); out != nil {
		t.Errorf("got %v, want nil", out)
	}
}
