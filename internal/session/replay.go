package session

import (
	"log"
	"time"

	"chartfeed/internal/acquire"
	"chartfeed/internal/aggregate"
	"chartfeed/internal/model"
	"chartfeed/internal/timeframe"
)

// replaySlot is one higher-timeframe aggregate being rebuilt during the
// paced phase of a replay.
type replaySlot struct {
	tf   timeframe.Timeframe
	open *model.Bar
}

// replayRun is the paced phase of one get_replay: a virtual clock T stepping
// through the recorded 1-minute series, rebuilding higher-timeframe
// aggregates as it goes. All fields are owned by the session run goroutine.
type replayRun struct {
	subs []model.Subscription
	tfs  []timeframe.Timeframe

	order  []string
	series map[string][]model.Bar
	next   map[string]int
	slots  map[string]map[string]*replaySlot
	sub1m  map[string]bool

	T        int64 // virtual clock, 1-minute buckets
	liveEnd  int64
	interval int64 // wall ms per virtual minute
	paused   bool
	deadline time.Time
	timer    *time.Timer
}

func newReplayRun(p *replayParams, series map[string][]model.Bar) *replayRun {
	r := &replayRun{
		subs:     p.subs,
		tfs:      p.tfs,
		order:    instruments(p.subs),
		series:   series,
		next:     make(map[string]int),
		slots:    make(map[string]map[string]*replaySlot),
		sub1m:    make(map[string]bool),
		T:        p.liveStart - p.liveStart%timeframe.Minute,
		liveEnd:  p.liveEnd,
		interval: p.intervalMs,
	}
	for _, inst := range r.order {
		r.next[inst] = splitIndex(series[inst], p.liveStart)
	}
	for i, sub := range p.subs {
		if r.tfs[i].Interval() == timeframe.Minute {
			r.sub1m[sub.Instrument] = true
			continue
		}
		m := r.slots[sub.Instrument]
		if m == nil {
			m = make(map[string]*replaySlot)
			r.slots[sub.Instrument] = m
		}
		m[sub.Timeframe] = &replaySlot{tf: r.tfs[i]}
	}
	return r
}

// splitIndex returns the first index with ts >= liveStart; bars before it
// belong to the history phase.
func splitIndex(bars []model.Bar, liveStart int64) int {
	for i, b := range bars {
		if b.TS >= liveStart {
			return i
		}
	}
	return len(bars)
}

// emitHistory sends the pre-live_start portion of every subscription, in
// request order. 1-minute series go out as-is. Higher timeframes are folded
// and declared closed, except an aggregate whose bucket contains live_start:
// that one is withheld and becomes the open slot the paced phase continues,
// so the client never sees the bucket closed and then reopened.
func (r *replayRun) emitHistory(out *emitter, p *replayParams) {
	for i, sub := range r.subs {
		hist := r.series[sub.Instrument][:r.next[sub.Instrument]]
		tf := r.tfs[i]
		if tf.Interval() == timeframe.Minute {
			for _, b := range hist {
				out.Bar(b)
			}
			continue
		}
		agg := aggregate.Aggregate(hist, tf, p.historyStart, p.liveStart)
		straddle := timeframe.Bucket(p.liveStart, tf)
		for j := range agg {
			if p.hasLive && agg[j].TS == straddle {
				seed := agg[j]
				seed.IsClosed = false
				seed.Source = model.SourceTick
				r.slots[sub.Instrument][sub.Timeframe].open = &seed
				continue
			}
			agg[j].IsClosed = true
			out.Bar(agg[j])
		}
	}
}

// start arms the tick timer. Pacing always runs on the wall clock; the
// session's injectable clock only resolves request times.
func (r *replayRun) start() {
	r.deadline = time.Now().Add(r.intervalDur())
	r.timer = time.NewTimer(r.intervalDur())
}

func (r *replayRun) intervalDur() time.Duration {
	return time.Duration(r.interval) * time.Millisecond
}

// onTick advances the virtual clock one step, feeding at most one due bar
// per instrument. Returns true when the replay has passed live_end.
func (r *replayRun) onTick(out *emitter) bool {
	fed := false
	for _, inst := range r.order {
		i := r.next[inst]
		bars := r.series[inst]
		if i >= len(bars) || bars[i].TS > r.T {
			continue
		}
		r.next[inst] = i + 1
		r.feed(inst, bars[i], out)
		fed = true
	}
	if fed {
		r.T += timeframe.Minute
	} else if jump, ok := r.earliestFuture(); ok {
		r.T = jump
	} else {
		r.T += timeframe.Minute
	}
	if r.T > r.liveEnd {
		r.stopTimer()
		return true
	}
	r.rearm()
	return false
}

// feed emits one recorded 1-minute bar and folds it into the instrument's
// higher-timeframe slots. A slot closes only when its terminal 1-minute
// bucket is fed; buckets abandoned by a gap jump are replaced, never closed.
func (r *replayRun) feed(inst string, b model.Bar, out *emitter) {
	b.Source = model.SourceTick
	b.IsClosed = true
	if r.sub1m[inst] {
		out.Bar(b)
	}
	for _, slot := range r.slots[inst] {
		bucket := timeframe.Bucket(b.TS, slot.tf)
		if slot.open == nil || slot.open.TS != bucket {
			slot.open = &model.Bar{
				Instrument: inst,
				Timeframe:  slot.tf.String(),
				TS:         bucket,
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     b.Volume,
				Source:     model.SourceTick,
			}
		} else {
			slot.open.FoldBar(&b)
		}
		if timeframe.Bucket(b.TS+timeframe.Minute, slot.tf) != bucket {
			closed := *slot.open
			closed.IsClosed = true
			out.Bar(closed)
			slot.open = nil
		} else {
			out.Bar(*slot.open)
		}
	}
}

// earliestFuture finds the next recorded bar timestamp at or before
// live_end, for jumping over runs of empty virtual minutes.
func (r *replayRun) earliestFuture() (int64, bool) {
	var min int64
	found := false
	for _, inst := range r.order {
		i := r.next[inst]
		bars := r.series[inst]
		if i >= len(bars) || bars[i].TS > r.liveEnd {
			continue
		}
		if !found || bars[i].TS < min {
			min = bars[i].TS
			found = true
		}
	}
	return min, found
}

// rearm schedules the next tick against the previous deadline, not the
// current instant, so handler latency does not accumulate drift.
func (r *replayRun) rearm() {
	if r.timer == nil {
		return
	}
	r.deadline = r.deadline.Add(r.intervalDur())
	d := time.Until(r.deadline)
	if d < 0 {
		d = 0
	}
	r.timer.Reset(d)
}

func (r *replayRun) pause() {
	r.paused = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *replayRun) resume() {
	if !r.paused {
		return
	}
	r.paused = false
	r.deadline = time.Now().Add(r.intervalDur())
	r.drainTimer()
	r.timer.Reset(r.intervalDur())
}

func (r *replayRun) setInterval(ms int64) {
	r.interval = ms
	if r.paused || r.timer == nil {
		return
	}
	r.deadline = time.Now().Add(r.intervalDur())
	r.drainTimer()
	r.timer.Reset(r.intervalDur())
}

func (r *replayRun) drainTimer() {
	if r.timer == nil {
		return
	}
	if !r.timer.Stop() {
		select {
		case <-r.timer.C:
		default:
		}
	}
}

func (r *replayRun) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// ─── session handlers ───

func (s *Session) handleGetReplay(act *Action) {
	switch s.State() {
	case StateIdle:
	case StateReplayActive:
		s.cancelReplay() // restart
	default:
		s.out.Error("get_replay not allowed in state " + s.State().String())
		return
	}
	params, err := resolveReplayParams(act, s.cfg.Now())
	if err != nil {
		s.out.Error(err.Error())
		return
	}
	// Replay output always goes to the websocket; sendto is a get_data
	// option. Reset any previous console/log routing.
	if err := s.out.configure("", params.tz, s.cfg.LogDir); err != nil {
		s.out.Error("log sink: " + err.Error())
		return
	}
	s.setState(StateReplayActive)
	s.replayPending = params
	s.gen++
	go s.replayInitWorker(s.gen, params)
	log.Printf("[session %s] get_replay: %d subscriptions history=%d live=[%d,%d] interval=%dms",
		s.ID(), len(params.subs), params.historyStart, params.liveStart, params.liveEnd, params.intervalMs)
}

func (s *Session) replayInitWorker(gen int, p *replayParams) {
	started := time.Now()
	res := replayReady{gen: gen, params: p, series: make(map[string][]model.Bar)}
	endMs := p.liveEnd
	if !p.hasLive {
		endMs = p.liveStart
	}
	for _, inst := range instruments(p.subs) {
		bars, err := s.deps.Acquire.Acquire(s.ctx, acquire.Request{
			Instrument: inst,
			StartMs:    p.historyStart,
			EndMs:      endMs,
			UseCache:   p.useCache,
			SaveCache:  p.saveCache,
			EndIsNow:   p.endIsNow,
		})
		if err != nil {
			res.err = err
			break
		}
		res.series[inst] = bars
	}
	if s.deps.Hooks.AcquireSeconds != nil {
		s.deps.Hooks.AcquireSeconds(time.Since(started).Seconds())
	}
	s.post(res)
}

func (s *Session) onReplayReady(r replayReady) {
	if r.gen != s.gen || s.State() != StateReplayActive {
		return
	}
	s.replayPending = nil
	if r.err != nil {
		s.out.Error(r.err.Error())
		s.setState(StateIdle)
		return
	}
	p := r.params
	run := newReplayRun(p, r.series)
	run.emitHistory(s.out, p)

	if !p.hasLive {
		s.out.Ctrl("replay_finished", nil)
		s.setState(StateIdle)
		log.Printf("[session %s] replay history-only complete", s.ID())
		return
	}

	s.replay = run
	if s.deps.Hooks.ReplayDelta != nil {
		s.deps.Hooks.ReplayDelta(1)
	}
	run.start()
	s.replayTick = run.timer.C
	if p.startPaused {
		run.pause()
	}
	log.Printf("[session %s] replay running: T=%d liveEnd=%d interval=%dms",
		s.ID(), run.T, run.liveEnd, run.interval)
}

func (s *Session) onReplayTick() {
	r := s.replay
	if r == nil || r.paused {
		return
	}
	if done := r.onTick(s.out); done {
		s.finishReplay()
	}
}

func (s *Session) finishReplay() {
	if s.replay != nil {
		s.replay.stopTimer()
		s.replay = nil
		if s.deps.Hooks.ReplayDelta != nil {
			s.deps.Hooks.ReplayDelta(-1)
		}
	}
	s.replayTick = nil
	s.setState(StateIdle)
	s.out.Ctrl("replay_finished", nil)
	log.Printf("[session %s] replay finished", s.ID())
}

func (s *Session) handleModifyReplay(act *Action) {
	if s.State() != StateReplayActive {
		s.out.Error("modify_replay requires an active replay")
		return
	}
	if act.Pause == nil && act.ReplayInterval == nil {
		s.out.Error("modify_replay requires pause or replay_interval")
		return
	}
	if act.ReplayInterval != nil && *act.ReplayInterval <= 0 {
		s.out.Error("replay_interval must be positive")
		return
	}

	if s.replay == nil {
		// data still being assembled; fold into the pending parameters
		p := s.replayPending
		if act.ReplayInterval != nil {
			p.intervalMs = int64(*act.ReplayInterval)
		}
		if act.Pause != nil {
			p.startPaused = *act.Pause
		}
		s.out.Ctrl("replay_modified", map[string]any{
			"paused":          p.startPaused,
			"replay_interval": p.intervalMs,
		})
		return
	}

	r := s.replay
	if act.ReplayInterval != nil {
		r.setInterval(int64(*act.ReplayInterval))
	}
	if act.Pause != nil {
		if *act.Pause {
			r.pause()
		} else {
			r.resume()
		}
	}
	s.out.Ctrl("replay_modified", map[string]any{
		"paused":          r.paused,
		"replay_interval": r.interval,
	})
	log.Printf("[session %s] modify_replay: paused=%v interval=%dms", s.ID(), r.paused, r.interval)
}

func (s *Session) handleStopReplay() {
	if s.State() != StateReplayActive {
		// noop outside replay
		return
	}
	s.cancelReplay()
	s.setState(StateIdle)
	s.out.Ctrl("stopped", map[string]any{"reason": "replay"})
	log.Printf("[session %s] replay stopped", s.ID())
}

// cancelReplay releases replay resources without emitting anything.
// Invalidates an in-flight prefetch.
func (s *Session) cancelReplay() {
	s.gen++
	s.replayPending = nil
	if s.replay != nil {
		s.replay.stopTimer()
		s.replay = nil
		if s.deps.Hooks.ReplayDelta != nil {
			s.deps.Hooks.ReplayDelta(-1)
		}
	}
	s.replayTick = nil
}
