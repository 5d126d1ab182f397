// Package acquire assembles contiguous 1-minute series by combining the
// local bar cache with vendor historical and live fetches.
package acquire

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"chartfeed/internal/model"
)

const minuteMs = 60_000

// Vendor is the upstream bar source. *feedapi.Client satisfies it.
type Vendor interface {
	FetchHistorical(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error)
	FetchLiveBars(ctx context.Context, instruments []string, startMs, endMs int64) ([]model.Bar, error)
}

// Cache is the durable 1-minute bar store. *sqlite.Store satisfies it.
type Cache interface {
	GetBars(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error)
	UpsertBars(ctx context.Context, bars []model.Bar) error
}

// Request describes one acquisition.
type Request struct {
	Instrument string
	StartMs    int64
	EndMs      int64
	UseCache   bool
	SaveCache  bool

	// EndIsNow marks that the caller asked for "up to now" rather than an
	// explicit end. It enables the late cushion and the live tail fill; an
	// explicit end always refetches past the cache even inside the cushion.
	EndIsNow bool
}

// Orchestrator combines cache reads with vendor fetches. Gap fetches around
// a non-empty cache are best-effort: their errors are logged and the data on
// hand is returned. Only a historical failure on an empty cache fails the
// whole call.
type Orchestrator struct {
	vendor Vendor
	cache  Cache

	// Cushions: gaps smaller than these do not trigger an upstream fetch.
	EarlyCushionMs int64
	LateCushionMs  int64
}

func New(vendor Vendor, cache Cache) *Orchestrator {
	return &Orchestrator{
		vendor:         vendor,
		cache:          cache,
		EarlyCushionMs: (72 * time.Hour).Milliseconds(),
		LateCushionMs:  (3 * time.Hour).Milliseconds(),
	}
}

// Acquire returns a sorted, deduplicated 1-minute series covering
// [req.StartMs, req.EndMs] as far as upstream data exists.
func (o *Orchestrator) Acquire(ctx context.Context, req Request) ([]model.Bar, error) {
	var cached []model.Bar
	if req.UseCache {
		var err error
		cached, err = o.cache.GetBars(ctx, req.Instrument, req.StartMs, req.EndMs)
		if err != nil {
			log.Printf("[acquire] cache read %s: %v (treating as empty)", req.Instrument, err)
			cached = nil
		}
	}

	if len(cached) == 0 {
		bars, err := o.vendor.FetchHistorical(ctx, req.Instrument, req.StartMs, req.EndMs)
		if err != nil {
			return nil, fmt.Errorf("historical %s [%d,%d]: %w", req.Instrument, req.StartMs, req.EndMs, err)
		}
		o.save(ctx, req, bars)
		bars = o.fillLiveTail(ctx, req, bars)
		return normalize(bars), nil
	}

	// GetBars returns ascending order.
	earliest := cached[0].TS
	latest := cached[len(cached)-1].TS
	out := cached

	if req.StartMs < earliest && earliest-req.StartMs > o.EarlyCushionMs {
		head, err := o.vendor.FetchHistorical(ctx, req.Instrument, req.StartMs, earliest-minuteMs)
		if err != nil {
			log.Printf("[acquire] early fetch %s: %v (continuing with cache)", req.Instrument, err)
		} else {
			o.save(ctx, req, head)
			out = append(head, out...)
		}
	}

	if req.EndMs > latest && (!req.EndIsNow || req.EndMs-latest > o.LateCushionMs) {
		tail, err := o.vendor.FetchHistorical(ctx, req.Instrument, latest+minuteMs, req.EndMs)
		if err != nil {
			log.Printf("[acquire] late fetch %s: %v (continuing with cache)", req.Instrument, err)
		} else {
			o.save(ctx, req, tail)
			out = append(out, tail...)
		}
	}

	out = o.fillLiveTail(ctx, req, out)
	return normalize(out), nil
}

// fillLiveTail streams the most recent minutes that the historical endpoint
// does not serve yet. Only used when the caller's end means "now".
func (o *Orchestrator) fillLiveTail(ctx context.Context, req Request, bars []model.Bar) []model.Bar {
	if !req.EndIsNow {
		return bars
	}
	from := req.StartMs
	if n := len(bars); n > 0 {
		from = bars[n-1].TS + minuteMs
	}
	if from > req.EndMs {
		return bars
	}
	live, err := o.vendor.FetchLiveBars(ctx, []string{req.Instrument}, from, req.EndMs)
	if err != nil {
		log.Printf("[acquire] live tail %s: %v (continuing without tail)", req.Instrument, err)
		return bars
	}
	o.save(ctx, req, live)
	return append(bars, live...)
}

func (o *Orchestrator) save(ctx context.Context, req Request, bars []model.Bar) {
	if !req.SaveCache || len(bars) == 0 {
		return
	}
	if err := o.cache.UpsertBars(ctx, bars); err != nil {
		log.Printf("[acquire] cache write %s (%d bars): %v", req.Instrument, len(bars), err)
	}
}

// normalize sorts ascending by timestamp and drops duplicate minutes,
// keeping the first occurrence.
func normalize(bars []model.Bar) []model.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].TS < bars[j].TS })
	out := bars[:0]
	prev := int64(-1)
	for _, b := range bars {
		if b.TS == prev {
			continue
		}
		prev = b.TS
		out = append(out, b)
	}
	return out
}
