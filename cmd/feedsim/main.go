// cmd/feedsim — Vendor feed simulator.
// Serves the upstream wire protocol for development and demos without real
// vendor credentials: 1-minute history over HTTP and challenge-authenticated
// live streams (ohlcv-1m catch-up, trades) over WebSocket.
//
// Bars are deterministic per (symbol, minute): the HTTP endpoint and the live
// catch-up always agree, and restarts reproduce the same series.
//
// Config (env vars):
//
//	FEEDSIM_ADDR          — listen address                    (default: ":8760")
//	FEEDSIM_SYMBOLS       — comma-separated SYMBOL:PRICE      (default: "MNQZ5:21000,MESZ5:5900")
//	FEEDSIM_API_KEY       — accepted vendor key               (default: "sim-key-00000")
//	FEEDSIM_TRADE_MS      — live trade interval milliseconds  (default: "250")
//	FEEDSIM_RETENTION_H   — bar history retention hours       (default: "72")
//	FEEDSIM_HIST_LAG_MIN  — HTTP availability lag minutes     (default: "15")
package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chartfeed/pkg/feedapi"
)

const (
	minuteMs = int64(60_000)
	minuteNs = int64(time.Minute)

	// tradeBacklogMs caps how far back a trades subscription may start; older
	// starts are rejected with a corrected timestamp, like the real gateway.
	tradeBacklogMs = 10 * 60_000
)

// ─── Deterministic price model ────────────────────────────────────────────────

// mix64 is the splitmix64 finalizer; every per-minute value derives from it.
func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func symbolSeed(sym string) uint64 {
	// FNV-1a
	h := uint64(14695981039346656037)
	for i := 0; i < len(sym); i++ {
		h ^= uint64(sym[i])
		h *= 1099511628211
	}
	return h
}

// unit maps a hash to [0,1).
func unit(x uint64) float64 {
	return float64(x>>11) / float64(1<<53)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	ID     int64
	Seed   uint64
	Base   float64 // anchor price
}

// pxClose is the deterministic close of minute bucket m.
func (in *instrument) pxClose(m int64) float64 {
	drift := 0.015 * math.Sin(float64(m%1440)*2*math.Pi/1440)
	noise := (unit(mix64(in.Seed^uint64(m))) - 0.5) * 0.004
	return in.Base * (1 + drift + noise)
}

// simBar is the wire shape of one historical bar. Null OHLC marks a minute
// the venue printed no trades.
type simBar struct {
	TS     int64    `json:"t"`
	Open   *float64 `json:"o"`
	High   *float64 `json:"h"`
	Low    *float64 `json:"l"`
	Close  *float64 `json:"c"`
	Volume int64    `json:"v"`
}

// barAt generates the bar whose bucket starts at tsMs.
func (in *instrument) barAt(tsMs int64) simBar {
	m := tsMs / minuteMs
	if mix64(in.Seed^uint64(m)^0x5de)%97 == 0 {
		return simBar{TS: tsMs} // null minute
	}
	o := round2(in.pxClose(m - 1))
	c := round2(in.pxClose(m))
	hi := round2(math.Max(o, c) * (1 + 0.0008*unit(mix64(in.Seed^uint64(m)^0xa1))))
	lo := round2(math.Min(o, c) * (1 - 0.0008*unit(mix64(in.Seed^uint64(m)^0xb2))))
	v := int64(50 + mix64(in.Seed^uint64(m)^0xc3)%950)
	return simBar{TS: tsMs, Open: &o, High: &hi, Low: &lo, Close: &c, Volume: v}
}

// tradeAt generates the deterministic trade printed at tsNs.
func (in *instrument) tradeAt(tsNs int64) (price float64, size int64) {
	m := tsNs / minuteNs
	o := in.pxClose(m - 1)
	c := in.pxClose(m)
	f := float64(tsNs%minuteNs) / float64(minuteNs)
	jitter := (unit(mix64(in.Seed^uint64(tsNs))) - 0.5) * 0.0006 * in.Base
	price = round2(o + (c-o)*f + jitter)
	size = 1 + int64(mix64(uint64(tsNs)^in.Seed^0xd4)%10)
	return price, size
}

// ─── Simulator ────────────────────────────────────────────────────────────────

type simulator struct {
	apiKey     string
	retention  time.Duration
	histLag    time.Duration
	tradeEvery time.Duration

	mu     sync.Mutex
	bySym  map[string]*instrument
	nextID int64
}

func newSimulator(apiKey string, retention, histLag, tradeEvery time.Duration) *simulator {
	return &simulator{
		apiKey:     apiKey,
		retention:  retention,
		histLag:    histLag,
		tradeEvery: tradeEvery,
		bySym:      make(map[string]*instrument),
		nextID:     1,
	}
}

// ensure returns the instrument for sym, creating it with a hash-derived
// anchor price when it was never configured.
func (s *simulator) ensure(sym string) *instrument {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.bySym[sym]; ok {
		return in
	}
	seed := symbolSeed(sym)
	in := &instrument{
		Symbol: sym,
		ID:     s.nextID,
		Seed:   seed,
		Base:   100 + float64(seed%90000)/10,
	}
	s.nextID++
	s.bySym[sym] = in
	log.Printf("[feedsim] instrument %s: id=%d base=%.2f", sym, in.ID, in.Base)
	return in
}

func (s *simulator) add(sym string, base float64) {
	in := s.ensure(sym)
	if base > 0 {
		in.Base = base
	}
}

// lastClosedMinute is the start of the newest fully closed bucket.
func lastClosedMinute(now time.Time) int64 {
	return now.UnixMilli()/minuteMs*minuteMs - minuteMs
}

// earliestBarMs is the retention floor, minute aligned.
func (s *simulator) earliestBarMs(now time.Time) int64 {
	e := now.Add(-s.retention).UnixMilli()
	return e / minuteMs * minuteMs
}

// ─── Historical HTTP endpoint ─────────────────────────────────────────────────

func writeJSONError(w http.ResponseWriter, code int, msg string, availableEnd int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := map[string]any{"message": msg}
	if availableEnd > 0 {
		body["available_end"] = availableEnd
	}
	json.NewEncoder(w).Encode(body)
}

func (s *simulator) handleBars(w http.ResponseWriter, r *http.Request) {
	if got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); got != s.apiKey {
		writeJSONError(w, http.StatusUnauthorized, "invalid api key", 0)
		return
	}
	q := r.URL.Query()
	if schema := q.Get("schema"); schema != feedapi.SchemaBars1m {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unsupported schema %q", schema), 0)
		return
	}
	sym := q.Get("symbol")
	if sym == "" {
		writeJSONError(w, http.StatusBadRequest, "symbol is required", 0)
		return
	}
	start, err1 := strconv.ParseInt(q.Get("start"), 10, 64)
	end, err2 := strconv.ParseInt(q.Get("end"), 10, 64)
	if err1 != nil || err2 != nil || start > end {
		writeJSONError(w, http.StatusBadRequest, "start/end must be epoch ms with start <= end", 0)
		return
	}

	now := time.Now()
	horizon := lastClosedMinute(now.Add(-s.histLag))
	if end > horizon {
		writeJSONError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("end %d beyond available history", end), horizon)
		return
	}

	in := s.ensure(sym)
	floor := s.earliestBarMs(now)
	from := start / minuteMs * minuteMs
	if from < start {
		from += minuteMs
	}
	if from < floor {
		from = floor
	}

	bars := []simBar{}
	for ts := from; ts <= end && len(bars) < 200_000; ts += minuteMs {
		bars = append(bars, in.barAt(ts))
	}
	log.Printf("[feedsim] hist %s: %d bars [%d..%d]", sym, len(bars), from, end)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"bars": bars})
}

// ─── Live gateway ─────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// liveConn is one authenticated live session.
type liveConn struct {
	sim  *simulator
	conn *websocket.Conn
	out  chan feedapi.Message
	done chan struct{}

	mu        sync.Mutex
	started   bool
	barSubs   []barSub
	tradeSubs []tradeSub
}

type barSub struct {
	ins     []*instrument
	startMs int64
}

type tradeSub struct {
	ins     []*instrument
	startNs int64
}

func (s *simulator) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[feedsim] upgrade error: %v", err)
		return
	}
	lc := &liveConn{
		sim:  s,
		conn: conn,
		out:  make(chan feedapi.Message, 1024),
		done: make(chan struct{}),
	}
	go lc.writePump()
	defer func() {
		close(lc.done)
		conn.Close()
		log.Printf("[feedsim] live client disconnected: %s", r.RemoteAddr)
	}()

	if !lc.handshake() {
		return
	}
	log.Printf("[feedsim] live client authenticated: %s", r.RemoteAddr)
	lc.readLoop()
}

// handshake challenges the client and verifies the digest reply.
func (lc *liveConn) handshake() bool {
	nonce := make([]byte, 16)
	rand.Read(nonce)
	challenge := hex.EncodeToString(nonce)

	lc.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	lc.send(feedapi.Message{Type: feedapi.MsgChallenge, Challenge: challenge})

	var reply feedapi.Message
	if err := lc.conn.ReadJSON(&reply); err != nil {
		log.Printf("[feedsim] handshake read: %v", err)
		return false
	}
	sum := sha256.Sum256([]byte(challenge + "|" + lc.sim.apiKey))
	tag := lc.sim.apiKey
	if len(tag) > 5 {
		tag = tag[len(tag)-5:]
	}
	want := hex.EncodeToString(sum[:]) + "-" + tag
	if reply.Type != feedapi.MsgAuth || reply.Auth != want {
		lc.send(feedapi.Message{Type: feedapi.MsgError, Message: "authentication failed"})
		log.Printf("[feedsim] auth rejected (key tag ...%s)", tag)
		return false
	}
	lc.send(feedapi.Message{Type: feedapi.MsgSuccess})
	lc.conn.SetReadDeadline(time.Time{})
	return true
}

func (lc *liveConn) send(m feedapi.Message) {
	select {
	case lc.out <- m:
	case <-lc.done:
	}
}

func (lc *liveConn) writePump() {
	for {
		select {
		case <-lc.done:
			return
		case m := <-lc.out:
			lc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := lc.conn.WriteJSON(m); err != nil {
				return
			}
		}
	}
}

func (lc *liveConn) readLoop() {
	for {
		var m feedapi.Message
		if err := lc.conn.ReadJSON(&m); err != nil {
			return
		}
		switch m.Type {
		case feedapi.MsgSubscribe:
			lc.subscribe(m)
		case feedapi.MsgStart:
			lc.start()
		default:
			lc.send(feedapi.Message{Type: feedapi.MsgError,
				Message: fmt.Sprintf("unexpected %q frame", m.Type)})
		}
	}
}

// subscribe registers a schema subscription. Trade subscriptions arriving
// after start are backfilled and joined to the generator immediately.
func (lc *liveConn) subscribe(m feedapi.Message) {
	switch m.Schema {
	case feedapi.SchemaBars1m:
		now := time.Now()
		floor := lc.sim.earliestBarMs(now)
		if m.Start < floor {
			lc.send(feedapi.Message{Type: feedapi.MsgError,
				Message: fmt.Sprintf("Invalid start time. Must be %s or later",
					time.UnixMilli(floor).UTC().Format(time.RFC3339))})
			return
		}
		ins := make([]*instrument, 0, len(m.Symbols))
		for _, sym := range m.Symbols {
			ins = append(ins, lc.sim.ensure(sym))
		}
		lc.mu.Lock()
		lc.barSubs = append(lc.barSubs, barSub{ins: ins, startMs: m.Start})
		started := lc.started
		lc.mu.Unlock()
		if started {
			go lc.sendBarCatchup(barSub{ins: ins, startMs: m.Start})
		}

	case feedapi.SchemaTrades:
		// Trade starts are epoch ns and may reach at most the backlog cap
		// into the past. Older starts get a corrected timestamp in ns,
		// quoted 2s ahead of the cutoff so it is still valid when the
		// client reconnects with it.
		nowNs := time.Now().UnixNano()
		floorNs := nowNs - tradeBacklogMs*int64(time.Millisecond)
		if m.Start < floorNs {
			lc.send(feedapi.Message{Type: feedapi.MsgError,
				Message: fmt.Sprintf("Invalid start time. Must be %d or later",
					floorNs+2*int64(time.Second))})
			return
		}
		ins := make([]*instrument, 0, len(m.Symbols))
		for _, sym := range m.Symbols {
			ins = append(ins, lc.sim.ensure(sym))
		}
		lc.mu.Lock()
		lc.tradeSubs = append(lc.tradeSubs, tradeSub{ins: ins, startNs: m.Start})
		started := lc.started
		lc.mu.Unlock()
		if started {
			lc.announceAndBackfill(ins, m.Start, nowNs)
		}

	default:
		lc.send(feedapi.Message{Type: feedapi.MsgError,
			Message: fmt.Sprintf("unsupported schema %q", m.Schema)})
	}
}

// start begins delivery for everything subscribed so far.
func (lc *liveConn) start() {
	lc.mu.Lock()
	if lc.started {
		lc.mu.Unlock()
		return
	}
	lc.started = true
	barSubs := append([]barSub(nil), lc.barSubs...)
	trades := append([]tradeSub(nil), lc.tradeSubs...)
	lc.mu.Unlock()

	for _, sub := range barSubs {
		go lc.sendBarCatchup(sub)
	}
	nowNs := time.Now().UnixNano()
	for _, sub := range trades {
		lc.announceAndBackfill(sub.ins, sub.startNs, nowNs)
	}
	go lc.runTradeGenerator()
}

// sendBarCatchup streams closed 1m records from the subscription start to the
// newest closed minute, then goes quiet; the client's idle timer ends the
// session.
func (lc *liveConn) sendBarCatchup(sub barSub) {
	horizon := lastClosedMinute(time.Now())
	from := sub.startMs / minuteMs * minuteMs
	if from < sub.startMs {
		from += minuteMs
	}
	n := 0
	for _, in := range sub.ins {
		lc.send(feedapi.Message{Type: feedapi.MsgMapping, InstrumentID: in.ID, Symbol: in.Symbol})
	}
	for ts := from; ts <= horizon; ts += minuteMs {
		for _, in := range sub.ins {
			b := in.barAt(ts)
			if b.Open == nil {
				continue
			}
			lc.send(feedapi.Message{
				Type:         feedapi.MsgRecord,
				InstrumentID: in.ID,
				TS:           b.TS,
				Open:         b.Open,
				High:         b.High,
				Low:          b.Low,
				Close:        b.Close,
				Volume:       b.Volume,
			})
			n++
		}
	}
	log.Printf("[feedsim] bar catch-up: %d records [%d..%d]", n, from, horizon)
	lc.send(feedapi.Message{Type: feedapi.MsgHeartbeat})
}

// announceAndBackfill sends mapping frames and replays deterministic trades
// from startNs up to nowNs.
func (lc *liveConn) announceAndBackfill(ins []*instrument, startNs, nowNs int64) {
	for _, in := range ins {
		lc.send(feedapi.Message{Type: feedapi.MsgMapping, InstrumentID: in.ID, Symbol: in.Symbol})
	}
	stepNs := lc.sim.tradeEvery.Nanoseconds()
	for ts := startNs; ts < nowNs; ts += stepNs {
		for _, in := range ins {
			price, size := in.tradeAt(ts)
			lc.send(feedapi.Message{Type: feedapi.MsgRecord, InstrumentID: in.ID,
				TS: ts, Price: price, Size: size})
		}
	}
}

// runTradeGenerator emits one trade per subscribed instrument per interval,
// plus a heartbeat every 5s.
func (lc *liveConn) runTradeGenerator() {
	ticker := time.NewTicker(lc.sim.tradeEvery)
	heartbeat := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-lc.done:
			return
		case <-heartbeat.C:
			lc.send(feedapi.Message{Type: feedapi.MsgHeartbeat})
		case now := <-ticker.C:
			lc.mu.Lock()
			seen := make(map[int64]bool)
			var ins []*instrument
			for _, sub := range lc.tradeSubs {
				for _, in := range sub.ins {
					if !seen[in.ID] {
						seen[in.ID] = true
						ins = append(ins, in)
					}
				}
			}
			lc.mu.Unlock()
			ts := now.UnixNano()
			for _, in := range ins {
				price, size := in.tradeAt(ts)
				lc.send(feedapi.Message{Type: feedapi.MsgRecord, InstrumentID: in.ID,
					TS: ts, Price: price, Size: size})
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting vendor feed simulator...")

	addr := envOrDefault("FEEDSIM_ADDR", ":8760")
	symbolsEnv := envOrDefault("FEEDSIM_SYMBOLS", "MNQZ5:21000,MESZ5:5900")
	apiKey := envOrDefault("FEEDSIM_API_KEY", "sim-key-00000")
	tradeMs := envIntOrDefault("FEEDSIM_TRADE_MS", 250)
	retentionH := envIntOrDefault("FEEDSIM_RETENTION_H", 72)
	histLagMin := envIntOrDefault("FEEDSIM_HIST_LAG_MIN", 15)

	sim := newSimulator(apiKey,
		time.Duration(retentionH)*time.Hour,
		time.Duration(histLagMin)*time.Minute,
		time.Duration(tradeMs)*time.Millisecond)

	for _, part := range strings.Split(symbolsEnv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		base := 0.0
		if len(seg) == 2 {
			if p, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64); err == nil {
				base = p
			}
		}
		sim.add(strings.TrimSpace(seg[0]), base)
	}

	tag := apiKey
	if len(tag) > 5 {
		tag = tag[len(tag)-5:]
	}
	log.Printf("[feedsim] key ...%s, retention %dh, hist lag %dm, trade interval %dms",
		tag, retentionH, histLagMin, tradeMs)

	http.HandleFunc("/v1/bars", sim.handleBars)
	http.HandleFunc("/v1/live", sim.handleLive)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] listening on %s (hist: http://localhost%s/v1/bars, live: ws://localhost%s/v1/live)",
		addr, addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
