package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chartfeed/internal/model"
	"chartfeed/internal/timeframe"
)

// Action is one decoded client request envelope. Fields are a union across
// all actions; each handler validates the ones it needs. Time-like fields
// that accept several JSON shapes stay raw until resolved.
type Action struct {
	// ctx carries the per-request trace ID; set by Dispatch.
	ctx context.Context

	Action string `json:"action"`

	// set_client_id
	ClientID string `json:"clientid"`

	// get_data / get_replay
	Subscriptions []model.Subscription `json:"subscriptions"`
	StartTime     string               `json:"start_time"`
	EndTime       string               `json:"end_time"`
	LiveData      json.RawMessage      `json:"live_data"`
	SendTo        string               `json:"sendto"`
	UseCache      *bool                `json:"use_cache"`
	SaveCache     *bool                `json:"save_cache"`
	Timezone      string               `json:"timezone"`

	// add_timeframe / remove_timeframe / annotation filters
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`

	// get_replay
	HistoryStart   json.RawMessage `json:"history_start"`
	LiveStart      string          `json:"live_start"`
	LiveEnd        json.RawMessage `json:"live_end"`
	ReplayInterval *float64        `json:"replay_interval"`

	// modify_replay
	Pause *bool `json:"pause"`

	// ancillary: settings is either a name→JSON object (save_settings) or a
	// single JSON document (save_client_settings)
	Settings json.RawMessage `json:"settings"`
	Names    []string        `json:"names"`

	// annotations
	UniqueID string          `json:"unique_id"`
	Annotype string          `json:"annotype"`
	Object   json.RawMessage `json:"object"`

	// strategies
	StrategyName string          `json:"strategy_name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters"`
	Subscribers  json.RawMessage `json:"subscribers"`
}

// dataParams is a resolved get_data request.
type dataParams struct {
	subs []model.Subscription
	tfs  []timeframe.Timeframe

	startMs  int64
	endMs    int64
	endIsNow bool

	liveMode string // "none", "all", "seconds"
	liveSecs int64

	useCache  bool
	saveCache bool
	sendTo    string
	tz        *time.Location
}

// replayParams is a resolved get_replay request.
type replayParams struct {
	subs []model.Subscription
	tfs  []timeframe.Timeframe

	historyStart int64
	liveStart    int64
	liveEnd      int64
	hasLive      bool
	endIsNow     bool

	intervalMs  int64
	startPaused bool

	useCache  bool
	saveCache bool
	tz        *time.Location
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts RFC3339 and a few zone-less layouts (assumed UTC).
func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseSubscriptions canonicalizes timeframe labels and drops duplicates,
// preserving request order.
func parseSubscriptions(raw []model.Subscription) ([]model.Subscription, []timeframe.Timeframe, error) {
	if len(raw) == 0 {
		return nil, nil, errors.New("subscriptions required")
	}
	var subs []model.Subscription
	var tfs []timeframe.Timeframe
	seen := map[model.Subscription]bool{}
	for _, in := range raw {
		if in.Instrument == "" {
			return nil, nil, errors.New("subscription missing instrument")
		}
		tf, err := timeframe.Parse(in.Timeframe)
		if err != nil {
			return nil, nil, fmt.Errorf("subscription %s: %w", in.Instrument, err)
		}
		sub := model.Subscription{Instrument: in.Instrument, Timeframe: tf.String()}
		if seen[sub] {
			continue
		}
		seen[sub] = true
		subs = append(subs, sub)
		tfs = append(tfs, tf)
	}
	return subs, tfs, nil
}

func parseZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

// parseLiveData decodes live_data: "none", "all", or a positive number of
// seconds. Absent defaults to "none".
func parseLiveData(raw json.RawMessage) (string, int64, error) {
	if len(raw) == 0 {
		return "none", 0, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "", "none":
			return "none", 0, nil
		case "all":
			return "all", 0, nil
		default:
			return "", 0, fmt.Errorf("live_data: unrecognized value %q", s)
		}
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		if n <= 0 {
			return "", 0, errors.New("live_data seconds must be positive")
		}
		return "seconds", int64(n), nil
	}
	return "", 0, errors.New(`live_data must be "none", "all", or a number of seconds`)
}

func resolveDataParams(act *Action, now time.Time, lookback time.Duration) (*dataParams, error) {
	subs, tfs, err := parseSubscriptions(act.Subscriptions)
	if err != nil {
		return nil, fmt.Errorf("get_data: %w", err)
	}
	tz, err := parseZone(act.Timezone)
	if err != nil {
		return nil, err
	}
	p := &dataParams{
		subs:      subs,
		tfs:       tfs,
		useCache:  act.UseCache == nil || *act.UseCache,
		saveCache: act.SaveCache == nil || *act.SaveCache,
		sendTo:    act.SendTo,
		tz:        tz,
	}

	if act.StartTime == "" {
		p.startMs = now.Add(-lookback).UnixMilli()
	} else {
		t, err := parseTime(act.StartTime)
		if err != nil {
			return nil, fmt.Errorf("start_time: %w", err)
		}
		p.startMs = t.UnixMilli()
	}
	if act.EndTime == "" || act.EndTime == "current" {
		p.endMs = now.UnixMilli()
		p.endIsNow = true
	} else {
		t, err := parseTime(act.EndTime)
		if err != nil {
			return nil, fmt.Errorf("end_time: %w", err)
		}
		p.endMs = t.UnixMilli()
	}
	if p.endMs < p.startMs {
		return nil, errors.New("end_time before start_time")
	}

	p.liveMode, p.liveSecs, err = parseLiveData(act.LiveData)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func resolveReplayParams(act *Action, now time.Time) (*replayParams, error) {
	subs, tfs, err := parseSubscriptions(act.Subscriptions)
	if err != nil {
		return nil, fmt.Errorf("get_replay: %w", err)
	}
	tz, err := parseZone(act.Timezone)
	if err != nil {
		return nil, err
	}
	p := &replayParams{
		subs:       subs,
		tfs:        tfs,
		intervalMs: 1000,
		useCache:   act.UseCache == nil || *act.UseCache,
		saveCache:  act.SaveCache == nil || *act.SaveCache,
		tz:         tz,
	}
	if act.ReplayInterval != nil {
		if *act.ReplayInterval <= 0 {
			return nil, errors.New("replay_interval must be positive")
		}
		p.intervalMs = int64(*act.ReplayInterval)
	}

	// history_start: negative number = minutes back from now, else ISO
	if len(act.HistoryStart) == 0 {
		return nil, errors.New("get_replay requires history_start")
	}
	var mins float64
	if json.Unmarshal(act.HistoryStart, &mins) == nil {
		if mins >= 0 {
			return nil, errors.New("numeric history_start must be negative (minutes back from now)")
		}
		p.historyStart = now.UnixMilli() + int64(mins)*60000
	} else {
		var s string
		if json.Unmarshal(act.HistoryStart, &s) != nil {
			return nil, errors.New("history_start must be a number or an ISO timestamp")
		}
		t, err := parseTime(s)
		if err != nil {
			return nil, fmt.Errorf("history_start: %w", err)
		}
		p.historyStart = t.UnixMilli()
	}

	// live_start: "current" or ISO
	switch act.LiveStart {
	case "":
		return nil, errors.New("get_replay requires live_start")
	case "current":
		p.liveStart = now.UnixMilli()
	default:
		t, err := parseTime(act.LiveStart)
		if err != nil {
			return nil, fmt.Errorf("live_start: %w", err)
		}
		p.liveStart = t.UnixMilli()
	}
	if p.liveStart < p.historyStart {
		return nil, errors.New("live_start before history_start")
	}

	// live_end: "none" | "all" | ISO | numeric timestamp (> 10^8) |
	// numeric seconds of play time
	if len(act.LiveEnd) == 0 {
		return nil, errors.New("get_replay requires live_end")
	}
	p.hasLive = true
	var es string
	if json.Unmarshal(act.LiveEnd, &es) == nil {
		switch es {
		case "none":
			p.hasLive = false
			p.liveEnd = p.liveStart
		case "all":
			p.liveEnd = now.UnixMilli()
			p.endIsNow = true
		default:
			t, err := parseTime(es)
			if err != nil {
				return nil, fmt.Errorf("live_end: %w", err)
			}
			p.liveEnd = t.UnixMilli()
		}
	} else {
		var n float64
		if json.Unmarshal(act.LiveEnd, &n) != nil {
			return nil, errors.New(`live_end must be "none", "all", a timestamp, or seconds to play`)
		}
		if n > 1e8 {
			p.liveEnd = int64(n)
		} else {
			if n <= 0 {
				return nil, errors.New("live_end seconds must be positive")
			}
			// n seconds of play at the default pace: one virtual minute each
			p.liveEnd = p.liveStart + int64(n)*60000
		}
	}
	if p.hasLive && p.liveEnd < p.liveStart {
		return nil, errors.New("live_end before live_start")
	}
	return p, nil
}

// instruments returns the unique instruments in subscription order.
func instruments(subs []model.Subscription) []string {
	var out []string
	seen := map[string]bool{}
	for _, sub := range subs {
		if !seen[sub.Instrument] {
			seen[sub.Instrument] = true
			out = append(out, sub.Instrument)
		}
	}
	return out
}
