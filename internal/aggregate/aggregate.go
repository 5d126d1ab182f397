// Package aggregate folds closed 1-minute series into higher-timeframe bars.
package aggregate

import (
	"chartfeed/internal/model"
	"chartfeed/internal/timeframe"
)

// Aggregate folds a chronologically sorted series of closed 1-minute bars
// into tf bars and returns those whose bucket start falls in
// [startMs, endMs]. Null inputs are skipped.
//
// An output bar is closed iff the input contains its bucket's terminal
// 1-minute slot or any bar belonging to a later bucket. Closedness is
// decided against the full input, before range filtering, so trailing
// out-of-range bars still close the bars they follow. Boundaries come from
// timeframe.Bucket rather than fixed arithmetic, which keeps session-aligned
// frames correct across the 23- and 25-hour DST trading days.
func Aggregate(bars []model.Bar, tf timeframe.Timeframe, startMs, endMs int64) []model.Bar {
	if len(bars) == 0 {
		return nil
	}
	if tf.Interval() == timeframe.Minute {
		return filterRange(bars, startMs, endMs)
	}

	maxTs := bars[len(bars)-1].TS

	var out []model.Bar
	var cur *model.Bar
	sawTerminal := false

	flush := func() {
		if cur == nil {
			return
		}
		cur.IsClosed = sawTerminal || timeframe.Bucket(maxTs, tf) != cur.TS
		out = append(out, *cur)
	}

	for i := range bars {
		c := &bars[i]
		if c.IsNull() {
			continue
		}
		b := timeframe.Bucket(c.TS, tf)
		if cur == nil || b != cur.TS {
			flush()
			sawTerminal = false
			cur = &model.Bar{
				Instrument: c.Instrument,
				Timeframe:  tf.String(),
				TS:         b,
				Open:       c.Open,
				High:       c.High,
				Low:        c.Low,
				Close:      c.Close,
				Volume:     c.Volume,
				Source:     model.SourceAggregated,
			}
		} else {
			cur.FoldBar(c)
		}
		if timeframe.Bucket(c.TS+timeframe.Minute, tf) != b {
			sawTerminal = true
		}
	}
	flush()

	return filterRange(out, startMs, endMs)
}

func filterRange(bars []model.Bar, startMs, endMs int64) []model.Bar {
	var out []model.Bar
	for _, b := range bars {
		if b.TS >= startMs && b.TS <= endMs {
			out = append(out, b)
		}
	}
	return out
}
