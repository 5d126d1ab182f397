package feedapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chartfeed/internal/model"
)

// TradeStream is a persistent trades subscription. Parsed trades arrive on
// the channel from C in vendor order; the channel closes when the stream
// ends, and Err reports the cause (nil after a caller-initiated Close).
//
// Instrument ids announced in mapping frames are resolved to the requested
// symbols before delivery. Mid-stream drops and "Invalid start time"
// rejections reconnect and resubscribe, bounded by the shared attempt cap;
// an authentication rejection ends the stream without retry.
type TradeStream struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc

	out chan model.Trade

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols []string
	startNs int64
	idMap   map[int64]string
	err     error

	// wmu serializes frame writes; Subscribe can race a reconnect's
	// resubscribe otherwise.
	wmu sync.Mutex
}

// StreamTrades subscribes to the trades schema for the given symbols from
// startNs (epoch nanoseconds, vendor contract) and starts the reader.
func (c *Client) StreamTrades(ctx context.Context, instruments []string, startNs int64) (*TradeStream, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &TradeStream{
		client:  c,
		ctx:     sctx,
		cancel:  cancel,
		out:     make(chan model.Trade, 256),
		symbols: append([]string(nil), instruments...),
		startNs: startNs,
		idMap:   make(map[int64]string),
	}
	if err := s.connect(); err != nil {
		cancel()
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

// C returns the trade delivery channel. It closes when the stream ends.
func (s *TradeStream) C() <-chan model.Trade { return s.out }

// Err reports why the stream ended; nil while running or after Close.
func (s *TradeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the stream down. Idempotent.
func (s *TradeStream) Close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Subscribe extends the running stream with additional symbols from startNs.
func (s *TradeStream) Subscribe(instruments []string, startNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool, len(s.symbols))
	for _, sym := range s.symbols {
		known[sym] = true
	}
	var fresh []string
	for _, sym := range instruments {
		if !known[sym] {
			fresh = append(fresh, sym)
			s.symbols = append(s.symbols, sym)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	conn := s.conn
	sub := Message{Type: MsgSubscribe, Schema: SchemaTrades, Symbols: fresh, Start: startNs}

	s.wmu.Lock()
	err := conn.WriteJSON(sub)
	s.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("extend trade subscription: %w", err)
	}
	return nil
}

// connect dials, authenticates and subscribes the current symbol set from
// the current start. Caller holds no lock.
func (s *TradeStream) connect() error {
	conn, err := s.client.dialLive(s.ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	symbols := append([]string(nil), s.symbols...)
	start := s.startNs
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	sub := Message{Type: MsgSubscribe, Schema: SchemaTrades, Symbols: symbols, Start: start}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe trades: %w", err)
	}
	if err := conn.WriteJSON(Message{Type: MsgStart}); err != nil {
		return fmt.Errorf("start trade session: %w", err)
	}
	return nil
}

func (s *TradeStream) readLoop() {
	defer close(s.out)
	attempts := 1
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !s.retry(&attempts, fmt.Errorf("read trade stream: %w", err)) {
				return
			}
			continue
		}

		switch m.Type {
		case MsgRecord:
			attempts = 1
			sym := m.Symbol
			if sym == "" {
				s.mu.Lock()
				sym = s.idMap[m.InstrumentID]
				s.mu.Unlock()
			}
			if sym == "" {
				log.Printf("[feedapi] trade for unmapped instrument_id %d dropped", m.InstrumentID)
				continue
			}
			s.mu.Lock()
			if m.TS >= s.startNs {
				s.startNs = m.TS + 1 // reconnects resume past delivered trades
			}
			s.mu.Unlock()
			t := model.Trade{
				Instrument: sym,
				TS:         m.TS / int64(time.Millisecond),
				Price:      m.Price,
				Size:       m.Size,
			}
			select {
			case s.out <- t:
			case <-s.ctx.Done():
				return
			}
		case MsgMapping:
			s.mu.Lock()
			s.idMap[m.InstrumentID] = m.Symbol
			s.mu.Unlock()
		case MsgHeartbeat:
			log.Printf("[feedapi] trade stream heartbeat")
		case MsgError:
			if fixed, ok := parseInvalidStart(m.Message); ok {
				s.mu.Lock()
				s.startNs = fixed * int64(time.Millisecond)
				s.mu.Unlock()
				if !s.retry(&attempts, fmt.Errorf("%w: %s", errStartRefused, m.Message)) {
					return
				}
				continue
			}
			s.fail(fmt.Errorf("trade stream: %s", m.Message))
			return
		default:
			log.Printf("[feedapi] trade stream control frame %q: %s", m.Type, m.Message)
		}
	}
}

// retry reconnects with the current start, counting against the attempt
// cap. It returns false when the stream must end.
func (s *TradeStream) retry(attempts *int, cause error) bool {
	for {
		if s.ctx.Err() != nil {
			return false
		}
		if *attempts >= maxStartAttempts {
			s.fail(fmt.Errorf("trade stream: attempt cap reached: %w", cause))
			return false
		}
		*attempts++
		log.Printf("[feedapi] trade stream: reconnect attempt %d/%d: %v", *attempts, maxStartAttempts, cause)
		s.client.noteRetry("trade_reconnect")
		if err := s.connect(); err != nil {
			if errors.Is(err, ErrAuthRejected) {
				s.fail(err)
				return false
			}
			cause = err
			continue
		}
		return true
	}
}

func (s *TradeStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	conn := s.conn
	s.mu.Unlock()
	log.Printf("[feedapi] trade stream ended: %v", err)
	if conn != nil {
		conn.Close()
	}
}
