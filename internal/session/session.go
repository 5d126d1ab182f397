// Package session implements the per-client protocol state machine: live
// chart subscriptions, timeframe changes, historical replay, and the
// ancillary settings/annotation/strategy operations. One Session owns one
// websocket client; all of its state is confined to a single run goroutine
// fed by a command channel, so no handler ever takes a lock.
package session

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chartfeed/internal/acquire"
	"chartfeed/internal/aggregate"
	"chartfeed/internal/live"
	"chartfeed/internal/logger"
	"chartfeed/internal/model"
	"chartfeed/internal/timeframe"
)

// State is the session lifecycle phase. Transitions happen only on the run
// goroutine.
type State int

const (
	StateIdle State = iota
	StateLiveActive
	StateReplayActive
	StateChangingTimeframes
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLiveActive:
		return "live_active"
	case StateReplayActive:
		return "replay_active"
	case StateChangingTimeframes:
		return "changing_timeframes"
	}
	return "unknown"
}

// Acquirer assembles gap-filled 1-minute series. *acquire.Orchestrator
// satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, req acquire.Request) ([]model.Bar, error)
}

// TradeStream is a live trade subscription. *feedapi.TradeStream satisfies
// it.
type TradeStream interface {
	C() <-chan model.Trade
	Err() error
	Subscribe(instruments []string, startNs int64) error
	Close()
}

// TradeOpener opens the vendor trade stream for a session.
type TradeOpener func(ctx context.Context, instruments []string, startNs int64) (TradeStream, error)

// Hooks are optional instrumentation callbacks; nil fields are skipped.
type Hooks struct {
	TradeReceived  func()
	FrameSent      func(mtyp string)
	AcquireSeconds func(float64)
	EmitLatencyMs  func(float64)
	SessionsDelta  func(delta int)
	ReplayDelta    func(delta int)
}

// Deps are a session's collaborators.
type Deps struct {
	Acquire    Acquirer
	OpenTrades TradeOpener
	Persist    func(model.Bar) // closed non-null live 1m bars
	Ancillary  AncillaryStore

	// Rename and SendTo are bound by the Manager for client ID re-keying
	// and strategy fan-out.
	Rename func(old, new string, s *Session)
	SendTo func(clientIDs []string, payload []byte) int

	Hooks Hooks
}

// Config carries session tunables.
type Config struct {
	DefaultLookback time.Duration // start_time default window
	LogDir          string        // sendto "log" destination
	Now             func() time.Time
}

// Worker completion messages posted back onto the command channel. Each
// carries the generation it was started under; stale completions are
// discarded.
type dataReady struct {
	gen    int
	params *dataParams
	series map[string][]model.Bar
	err    error
}

type tfReady struct {
	gen    int
	sub    model.Subscription
	tf     timeframe.Timeframe
	series []model.Bar
	agg    []model.Bar
	err    error
}

type replayReady struct {
	gen    int
	params *replayParams
	series map[string][]model.Bar
	err    error
}

// Session is the state machine for one connected client.
type Session struct {
	deps Deps
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	cmdCh  chan any

	// stateV is written only by the run goroutine; atomic so State() can
	// be read from anywhere.
	stateV atomic.Int32

	// Everything below is owned by the run goroutine.
	out *emitter
	gen int // bumped to invalidate in-flight init workers

	subs    map[model.Subscription]timeframe.Timeframe
	updater *live.Updater
	queue   []model.Trade

	stream      TradeStream
	tradeCh     <-chan model.Trade
	liveTimer   *time.Timer
	liveExpire  <-chan time.Time
	liveStartMs int64
	liveParams  *dataParams

	replay        *replayRun
	replayPending *replayParams
	replayTick    <-chan time.Time

	idMu sync.Mutex
	id   string
}

// New creates a session bound to one client connection and starts its run
// goroutine. The initial ID is a fresh UUID until set_client_id renames it.
func New(client Sink, deps Deps, cfg Config) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = 60 * 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:   deps,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		cmdCh:  make(chan any, 32),
		subs:   make(map[model.Subscription]timeframe.Timeframe),
		id:     uuid.NewString(),
	}
	s.out = newEmitter(client, s.ID)
	s.out.frameSent = deps.Hooks.FrameSent
	go s.run()
	return s
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	return State(s.stateV.Load())
}

func (s *Session) setState(st State) {
	s.stateV.Store(int32(st))
}

// ID returns the session's current client ID.
func (s *Session) ID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.idMu.Lock()
	s.id = id
	s.idMu.Unlock()
}

// Dispatch hands one raw client frame to the session. Safe to call from the
// gateway read goroutine; malformed JSON is answered immediately.
func (s *Session) Dispatch(raw []byte) {
	var act Action
	if err := json.Unmarshal(raw, &act); err != nil {
		s.out.Error("invalid JSON: " + err.Error())
		return
	}
	if act.Action == "" {
		s.out.Error("missing action")
		return
	}
	act.ctx = logger.WithTraceID(s.ctx, logger.GenerateTraceID(act.Action, time.Now()))
	select {
	case s.cmdCh <- &act:
	case <-s.ctx.Done():
	}
}

// SendRaw delivers a pre-encoded frame straight to this client's websocket.
// Used by the strategy fan-out.
func (s *Session) SendRaw(payload []byte) error {
	return s.out.client.Send(payload)
}

// Close tears the session down and waits for its run goroutine to exit.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
		case x, ok := <-s.tradeCh:
			if !ok {
				s.onStreamEnd()
				continue
			}
			s.onTrade(x)
		case <-s.liveExpire:
			s.onLiveExpire()
		case <-s.replayTick:
			s.onReplayTick()
		}
	}
}

func (s *Session) teardown() {
	s.stopLive()
	s.cancelReplay()
	s.out.Close()
	log.Printf("[session %s] closed", s.ID())
}

// post sends a worker completion back to the run loop.
func (s *Session) post(cmd any) {
	select {
	case s.cmdCh <- cmd:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case *Action:
		s.handleAction(c)
	case dataReady:
		s.onDataReady(c)
	case tfReady:
		s.onTFReady(c)
	case replayReady:
		s.onReplayReady(c)
	}
}

func (s *Session) handleAction(act *Action) {
	switch act.Action {
	case "set_client_id":
		s.handleSetClientID(act)
	case "get_data":
		s.handleGetData(act)
	case "add_timeframe":
		s.handleAddTimeframe(act)
	case "remove_timeframe":
		s.handleRemoveTimeframe(act)
	case "stop_data":
		s.handleStopData()
	case "get_replay":
		s.handleGetReplay(act)
	case "modify_replay":
		s.handleModifyReplay(act)
	case "stop_replay":
		s.handleStopReplay()
	case "save_settings", "get_settings",
		"save_client_settings", "get_client_settings",
		"save_annotation", "delete_annotation", "get_annotations",
		"save_strategy", "get_strategies", "delete_strategy":
		s.handleAncillary(act)
	default:
		s.out.Error("unknown action: " + act.Action)
	}
}

func (s *Session) handleSetClientID(act *Action) {
	if act.ClientID == "" {
		s.out.Error("set_client_id requires clientid")
		return
	}
	old := s.ID()
	if old == act.ClientID {
		s.out.Ctrl("client_id_set", map[string]any{"clientid": act.ClientID})
		return
	}
	s.setID(act.ClientID)
	if s.deps.Rename != nil {
		s.deps.Rename(old, act.ClientID, s)
	}
	log.Printf("[session %s] renamed from %s", act.ClientID, old)
	s.out.Ctrl("client_id_set", map[string]any{"clientid": act.ClientID})
}

// ─── live data ───

func (s *Session) handleGetData(act *Action) {
	switch s.State() {
	case StateReplayActive, StateChangingTimeframes:
		s.out.Error("get_data not allowed in state " + s.State().String())
		return
	}
	params, err := resolveDataParams(act, s.cfg.Now(), s.cfg.DefaultLookback)
	if err != nil {
		s.out.Error(err.Error())
		return
	}
	s.stopLive() // restart semantics when already live
	if err := s.out.configure(params.sendTo, params.tz, s.cfg.LogDir); err != nil {
		s.out.Error("log sink: " + err.Error())
		s.setState(StateIdle)
		return
	}
	s.setState(StateChangingTimeframes)
	gen := s.gen
	go s.dataInitWorker(gen, params)
	log.Printf("[session %s] get_data: %d subscriptions [%d,%d] live=%s",
		s.ID(), len(params.subs), params.startMs, params.endMs, params.liveMode)
}

func (s *Session) dataInitWorker(gen int, p *dataParams) {
	started := time.Now()
	res := dataReady{gen: gen, params: p, series: make(map[string][]model.Bar)}
	for _, inst := range instruments(p.subs) {
		bars, err := s.deps.Acquire.Acquire(s.ctx, acquire.Request{
			Instrument: inst,
			StartMs:    p.startMs,
			EndMs:      p.endMs,
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

func (s *Session) onDataReady(r dataReady) {
	if r.gen != s.gen || s.State() != StateChangingTimeframes {
		return // superseded by stop_data or a newer request
	}
	if r.err != nil {
		s.out.Error(r.err.Error())
		s.setState(StateIdle)
		return
	}
	p := r.params

	// History per subscription, in request order. 1-minute subscriptions get
	// the assembled series as-is; higher timeframes fold.
	aggs := make([][]model.Bar, len(p.subs))
	for i, sub := range p.subs {
		agg := aggregate.Aggregate(r.series[sub.Instrument], p.tfs[i], p.startMs, p.endMs)
		for _, b := range agg {
			s.out.Bar(b)
		}
		aggs[i] = agg
	}
	s.out.Ctrl("data_complete", nil)

	if p.liveMode == "none" {
		s.setState(StateIdle)
		return
	}

	// Seed the live updater from the tail of each series.
	nowMs := s.cfg.Now().UnixMilli()
	s.updater = live.New(s.emitBar, s.persistBar)
	insts := instruments(p.subs)
	startNs := int64(math.MaxInt64)
	for _, inst := range insts {
		end := last1mEnd(r.series[inst], nowMs)
		s.updater.InitInstrument(inst, end, subscribed1m(p.subs, inst))
		if ns := end * int64(time.Millisecond); ns < startNs {
			startNs = ns
		}
	}
	for i, sub := range p.subs {
		if p.tfs[i].Interval() == timeframe.Minute {
			continue
		}
		var lastAgg *model.Bar
		if n := len(aggs[i]); n > 0 {
			lastAgg = &aggs[i][n-1]
		}
		s.updater.InitHigher(sub.Instrument, p.tfs[i], lastAgg)
	}

	stream, err := s.deps.OpenTrades(s.ctx, insts, startNs)
	if err != nil {
		s.out.Error("trade stream: " + err.Error())
		s.updater = nil
		s.setState(StateIdle)
		return
	}
	s.stream = stream
	s.tradeCh = stream.C()
	s.liveStartMs = p.startMs
	s.liveParams = p
	s.subs = make(map[model.Subscription]timeframe.Timeframe, len(p.subs))
	for i, sub := range p.subs {
		s.subs[sub] = p.tfs[i]
	}
	if p.liveMode == "seconds" {
		s.liveTimer = time.NewTimer(time.Duration(p.liveSecs) * time.Second)
		s.liveExpire = s.liveTimer.C
	}
	s.setState(StateLiveActive)
	s.drainQueue()
	log.Printf("[session %s] live: %d subscriptions across %d instruments",
		s.ID(), len(p.subs), len(insts))
}

// ─── timeframe changes ───

func (s *Session) handleAddTimeframe(act *Action) {
	if s.State() != StateLiveActive {
		s.out.Error("add_timeframe requires an active live session")
		return
	}
	if act.Instrument == "" || act.Timeframe == "" {
		s.out.Error("add_timeframe requires instrument and timeframe")
		return
	}
	tf, err := timeframe.Parse(act.Timeframe)
	if err != nil {
		s.out.Error("add_timeframe: " + err.Error())
		return
	}
	sub := model.Subscription{Instrument: act.Instrument, Timeframe: tf.String()}
	if _, ok := s.subs[sub]; ok {
		s.out.Error("already subscribed to " + sub.Key())
		return
	}
	s.subs[sub] = tf
	s.setState(StateChangingTimeframes)
	p := s.liveParams
	gen := s.gen
	startMs := s.liveStartMs
	endMs := s.cfg.Now().UnixMilli()
	go s.tfInitWorker(gen, sub, tf, startMs, endMs, p.useCache, p.saveCache)
	log.Printf("[session %s] add_timeframe %s: queueing trades", s.ID(), sub.Key())
}

func (s *Session) tfInitWorker(gen int, sub model.Subscription, tf timeframe.Timeframe, startMs, endMs int64, useCache, saveCache bool) {
	started := time.Now()
	res := tfReady{gen: gen, sub: sub, tf: tf}
	bars, err := s.deps.Acquire.Acquire(s.ctx, acquire.Request{
		Instrument: sub.Instrument,
		StartMs:    startMs,
		EndMs:      endMs,
		UseCache:   useCache,
		SaveCache:  saveCache,
		EndIsNow:   true,
	})
	if err != nil {
		res.err = err
	} else {
		res.series = bars
		res.agg = aggregate.Aggregate(bars, tf, startMs, endMs)
	}
	if s.deps.Hooks.AcquireSeconds != nil {
		s.deps.Hooks.AcquireSeconds(time.Since(started).Seconds())
	}
	s.post(res)
}

func (s *Session) onTFReady(r tfReady) {
	if r.gen != s.gen || s.State() != StateChangingTimeframes {
		return
	}
	// Whatever happens below, the session resumes and the queued trades
	// apply in arrival order.
	defer func() {
		s.setState(StateLiveActive)
		s.drainQueue()
	}()

	if r.err != nil {
		delete(s.subs, r.sub)
		s.out.Error("add_timeframe: " + r.err.Error())
		return
	}
	if _, ok := s.subs[r.sub]; !ok {
		return // removed while the fetch was running
	}

	for _, b := range r.agg {
		s.out.Bar(b)
	}

	nowMs := s.cfg.Now().UnixMilli()
	end := last1mEnd(r.series, nowMs)
	isNew := !s.updater.Tracks(r.sub.Instrument)
	if isNew {
		s.updater.InitInstrument(r.sub.Instrument, end, r.tf.Interval() == timeframe.Minute)
	}
	if r.tf.Interval() == timeframe.Minute {
		s.updater.SetSubscribed1m(r.sub.Instrument, true)
	} else {
		var lastAgg *model.Bar
		if n := len(r.agg); n > 0 {
			lastAgg = &r.agg[n-1]
		}
		s.updater.InitHigher(r.sub.Instrument, r.tf, lastAgg)
	}
	if isNew && s.stream != nil {
		if err := s.stream.Subscribe([]string{r.sub.Instrument}, end*int64(time.Millisecond)); err != nil {
			s.out.Error("trade stream extend: " + err.Error())
		}
	}
	s.out.Ctrl("timeframe_added", map[string]any{
		"instrument": r.sub.Instrument,
		"timeframe":  r.sub.Timeframe,
	})
}

func (s *Session) handleRemoveTimeframe(act *Action) {
	switch s.State() {
	case StateLiveActive, StateChangingTimeframes:
	default:
		s.out.Error("remove_timeframe requires an active live session")
		return
	}
	tf, err := timeframe.Parse(act.Timeframe)
	if err != nil {
		s.out.Error("remove_timeframe: " + err.Error())
		return
	}
	sub := model.Subscription{Instrument: act.Instrument, Timeframe: tf.String()}
	if _, ok := s.subs[sub]; !ok {
		s.out.Error("not subscribed to " + sub.Key())
		return
	}
	delete(s.subs, sub)
	if s.updater != nil {
		if tf.Interval() == timeframe.Minute {
			s.updater.SetSubscribed1m(sub.Instrument, false)
		} else {
			s.updater.DropHigher(sub.Instrument, sub.Timeframe)
		}
		if !s.hasInstrument(sub.Instrument) {
			s.updater.DropInstrument(sub.Instrument)
		}
	}
	s.out.Ctrl("timeframe_removed", map[string]any{
		"instrument": sub.Instrument,
		"timeframe":  sub.Timeframe,
	})
	log.Printf("[session %s] removed %s", s.ID(), sub.Key())
}

func (s *Session) hasInstrument(instrument string) bool {
	for sub := range s.subs {
		if sub.Instrument == instrument {
			return true
		}
	}
	return false
}

// ─── stopping ───

func (s *Session) handleStopData() {
	switch s.State() {
	case StateLiveActive, StateChangingTimeframes:
		s.stopLive()
		s.setState(StateIdle)
		s.out.Ctrl("stopped", nil)
		log.Printf("[session %s] live stopped", s.ID())
	default:
		// noop in idle and replay
	}
}

// stopLive releases all live resources and invalidates in-flight init
// workers. Idempotent.
func (s *Session) stopLive() {
	s.gen++
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.tradeCh = nil
	if s.liveTimer != nil {
		s.liveTimer.Stop()
		s.liveTimer = nil
		s.liveExpire = nil
	}
	s.updater = nil
	s.queue = nil
	s.liveParams = nil
	s.subs = make(map[model.Subscription]timeframe.Timeframe)
}

// ─── trade flow ───

func (s *Session) onTrade(x model.Trade) {
	if s.deps.Hooks.TradeReceived != nil {
		s.deps.Hooks.TradeReceived()
	}
	switch s.State() {
	case StateLiveActive:
		start := time.Now()
		s.updater.ApplyTrade(x)
		if s.deps.Hooks.EmitLatencyMs != nil {
			s.deps.Hooks.EmitLatencyMs(float64(time.Since(start).Microseconds()) / 1000.0)
		}
	case StateChangingTimeframes:
		s.queue = append(s.queue, x)
	default:
		// stream winding down after a stop; drop
	}
}

// drainQueue applies trades queued during a timeframe change, in arrival
// order.
func (s *Session) drainQueue() {
	if len(s.queue) == 0 {
		return
	}
	q := s.queue
	s.queue = nil
	for _, x := range q {
		s.updater.ApplyTrade(x)
	}
	log.Printf("[session %s] drained %d queued trades", s.ID(), len(q))
}

func (s *Session) onStreamEnd() {
	s.tradeCh = nil
	var cause error
	if s.stream != nil {
		cause = s.stream.Err()
	}
	if cause != nil {
		s.out.Error("trade stream: " + cause.Error())
	}
	if s.State() == StateLiveActive || s.State() == StateChangingTimeframes {
		s.stopLive()
		s.setState(StateIdle)
		s.out.Ctrl("stopped", map[string]any{"reason": "stream_closed"})
		log.Printf("[session %s] trade stream closed, live stopped", s.ID())
	}
}

func (s *Session) onLiveExpire() {
	s.liveExpire = nil
	s.liveTimer = nil
	if s.State() == StateLiveActive || s.State() == StateChangingTimeframes {
		s.stopLive()
		s.setState(StateIdle)
		s.out.Ctrl("stopped", map[string]any{"reason": "live_window_elapsed"})
		log.Printf("[session %s] live window elapsed", s.ID())
	}
}

// ─── helpers ───

func (s *Session) emitBar(b model.Bar) {
	s.out.Bar(b)
}

func (s *Session) persistBar(b model.Bar) {
	if s.deps.Persist != nil {
		s.deps.Persist(b)
	}
}

// last1mEnd returns the instant just after the last closed 1-minute bar, or
// the current minute start when the series is empty.
func last1mEnd(series []model.Bar, nowMs int64) int64 {
	if n := len(series); n > 0 {
		return series[n-1].TS + timeframe.Minute
	}
	return nowMs - nowMs%timeframe.Minute
}

func subscribed1m(subs []model.Subscription, instrument string) bool {
	for _, sub := range subs {
		if sub.Instrument == instrument && sub.Timeframe == "1m" {
			return true
		}
	}
	return false
}
