// Package timeframe parses bar interval labels and aligns timestamps to
// bucket starts. Intraday frames (interval ≤ 1h) floor against UTC; longer
// frames stride from the 18:00 America/New_York session open, which keeps
// multi-hour and daily buckets glued to the futures trading day across DST
// transitions.
package timeframe

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Interval sizes in epoch milliseconds.
const (
	Minute = int64(60000)
	Hour   = int64(3600000)
	Day    = int64(86400000)
)

// SessionHour is the New York local hour at which the trading day opens.
const SessionHour = 18

// NewYork is the exchange time zone used for session alignment.
var NewYork = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("timeframe: load location %q: %v", name, err))
	}
	return loc
}

// Timeframe is a validated interval label such as "1m", "15m", "4h" or "1d".
// The zero value is invalid; obtain one through Parse or MustParse.
type Timeframe struct {
	label    string
	interval int64 // ms
}

// Parse validates a timeframe label of the form <count><unit> where unit is
// m, h or d and count is a positive integer.
func Parse(s string) (Timeframe, error) {
	if len(s) < 2 {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 1 {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	var unit int64
	switch s[len(s)-1] {
	case 'm':
		unit = Minute
	case 'h':
		unit = Hour
	case 'd':
		unit = Day
	default:
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	return Timeframe{label: s, interval: int64(n) * unit}, nil
}

// MustParse is Parse for labels known valid at compile time; it panics on
// bad input.
func MustParse(s string) Timeframe {
	tf, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return tf
}

// String returns the label the timeframe was parsed from.
func (tf Timeframe) String() string { return tf.label }

// Interval returns the bar interval in milliseconds.
func (tf Timeframe) Interval() int64 { return tf.interval }

// SessionAligned reports whether buckets stride from the session open
// rather than from the UTC epoch.
func (tf Timeframe) SessionAligned() bool { return tf.interval > Hour }

// Bucket returns the bucket start containing tsMs for this timeframe.
// A 1d bucket is exactly one trading session, however long DST makes it;
// shorter session-aligned frames stride in fixed intervals from the open,
// so the final stride of a 25-hour session is truncated.
func Bucket(tsMs int64, tf Timeframe) int64 {
	if !tf.SessionAligned() {
		return tsMs - (tsMs % tf.interval)
	}
	s := SessionStart(tsMs)
	if tf.interval == Day {
		return s
	}
	return s + ((tsMs-s)/tf.interval)*tf.interval
}

// Session-open instants are memoized per New York calendar day; alignment
// runs on every trade, and LoadLocation-based conversion is not free.
var (
	sessMu    sync.RWMutex
	sessCache = make(map[int]int64)
)

// SessionStart returns the most recent 18:00 America/New_York instant at or
// before tsMs, in epoch milliseconds. On DST transition days the resulting
// session is 23 or 25 hours long.
func SessionStart(tsMs int64) int64 {
	et := time.UnixMilli(tsMs).In(NewYork)
	y, m, d := et.Date()
	s := sessionOpen(y, m, d)
	if s > tsMs {
		y, m, d = et.AddDate(0, 0, -1).Date()
		s = sessionOpen(y, m, d)
	}
	return s
}

func sessionOpen(y int, m time.Month, d int) int64 {
	key := y*10000 + int(m)*100 + d
	sessMu.RLock()
	v, ok := sessCache[key]
	sessMu.RUnlock()
	if ok {
		return v
	}
	v = time.Date(y, m, d, SessionHour, 0, 0, 0, NewYork).UnixMilli()
	sessMu.Lock()
	sessCache[key] = v
	sessMu.Unlock()
	return v
}
