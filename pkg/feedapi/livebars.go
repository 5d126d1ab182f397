package feedapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"chartfeed/internal/model"
)

// errStartRefused marks an "Invalid start time" rejection; the corrected
// start travels alongside it.
var errStartRefused = errors.New("feedapi: start refused")

// FetchLiveBars opens a one-shot live session, subscribes to the ohlcv-1m
// schema from startMs and accumulates records until the stream has gone
// quiet for 500 ms, then returns whatever arrived (possibly nothing). Bars
// past endMs are discarded. Heartbeats keep the connection but do not reset
// the idle timer.
//
// The gateway may refuse the start; each "Invalid start time" rejection
// closes the channel and reconnects with the corrected start, capped at 4
// attempts in total.
func (c *Client) FetchLiveBars(ctx context.Context, instruments []string, startMs, endMs int64) ([]model.Bar, error) {
	start := startMs
	var lastErr error
	for attempt := 1; attempt <= maxStartAttempts; attempt++ {
		if attempt > 1 {
			log.Printf("[feedapi] live bars: retrying from corrected start %d (attempt %d/%d)",
				start, attempt, maxStartAttempts)
			c.noteRetry("live_start")
		}
		bars, corrected, err := c.fetchLiveOnce(ctx, instruments, start, endMs)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		if !errors.Is(err, errStartRefused) || corrected <= 0 {
			return nil, err
		}
		start = corrected
	}
	return nil, fmt.Errorf("live bar fetch: %d attempts exhausted: %w", maxStartAttempts, lastErr)
}

func (c *Client) fetchLiveOnce(ctx context.Context, instruments []string, startMs, endMs int64) (bars []model.Bar, corrected int64, err error) {
	conn, err := c.dialLive(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	sub := Message{Type: MsgSubscribe, Schema: SchemaBars1m, Symbols: instruments, Start: startMs}
	if err := conn.WriteJSON(sub); err != nil {
		return nil, 0, fmt.Errorf("subscribe bars: %w", err)
	}
	if err := conn.WriteJSON(Message{Type: MsgStart}); err != nil {
		return nil, 0, fmt.Errorf("start session: %w", err)
	}

	idMap := make(map[int64]string)
	nulls := 0
	deadline := time.Now().Add(barIdleTimeout)
	for {
		select {
		case <-ctx.Done():
			return bars, 0, ctx.Err()
		default:
		}

		conn.SetReadDeadline(deadline)
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// idle: the catch-up window is drained
				break
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			return bars, 0, fmt.Errorf("read live bars: %w", err)
		}

		switch m.Type {
		case MsgRecord:
			deadline = time.Now().Add(barIdleTimeout)
			sym := m.Symbol
			if sym == "" {
				sym = idMap[m.InstrumentID]
			}
			if sym == "" {
				log.Printf("[feedapi] live bars: record for unmapped instrument_id %d", m.InstrumentID)
				continue
			}
			if m.Open == nil || m.High == nil || m.Low == nil || m.Close == nil {
				nulls++
				continue
			}
			if m.TS > endMs {
				continue
			}
			bars = append(bars, model.Bar{
				Instrument: sym,
				Timeframe:  "1m",
				TS:         m.TS,
				Open:       m.Open,
				High:       m.High,
				Low:        m.Low,
				Close:      m.Close,
				Volume:     m.Volume,
				Source:     model.SourceLive,
				IsClosed:   true,
			})
		case MsgMapping:
			idMap[m.InstrumentID] = m.Symbol
		case MsgHeartbeat:
			// keeps the connection; the idle deadline stands
		case MsgError:
			if fixed, ok := parseInvalidStart(m.Message); ok {
				return nil, fixed, fmt.Errorf("%w: %s", errStartRefused, m.Message)
			}
			return bars, 0, fmt.Errorf("live bar session: %s", m.Message)
		default:
			log.Printf("[feedapi] live bars: control frame %q: %s", m.Type, m.Message)
		}
	}

	if nulls > 0 {
		log.Printf("[feedapi] live bars: dropped %d null bars", nulls)
	}
	return bars, 0, nil
}
