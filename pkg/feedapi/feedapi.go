// Package feedapi implements the upstream market-data vendor's wire
// protocol: 1-minute history over HTTP request/response and live streams
// (ohlcv-1m catch-up, trades) over a websocket gateway guarded by a
// challenge-response handshake.
package feedapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Schemas served by the live gateway.
const (
	SchemaBars1m = "ohlcv-1m"
	SchemaTrades = "trades"
)

// Frame types on the live gateway, both directions.
const (
	MsgChallenge = "challenge"
	MsgAuth      = "auth"
	MsgSuccess   = "success"
	MsgError     = "error"
	MsgSubscribe = "subscribe"
	MsgStart     = "start"
	MsgRecord    = "record"
	MsgMapping   = "mapping"
	MsgHeartbeat = "heartbeat"
)

const (
	handshakeTimeout = 10 * time.Second

	// barIdleTimeout ends a catch-up bar session once the gateway goes
	// quiet: no further records are coming for the requested window.
	// Heartbeats do not reset it.
	barIdleTimeout = 500 * time.Millisecond

	// maxStartAttempts caps connection attempts driven by the gateway's
	// "Invalid start time" rejection and by mid-stream reconnects.
	maxStartAttempts = 4
)

// Message is the frame envelope used on the live gateway. Type
// discriminates; the remaining fields are a union across frame types.
type Message struct {
	Type      string   `json:"type"`
	Challenge string   `json:"challenge,omitempty"`
	Auth      string   `json:"auth,omitempty"`
	Schema    string   `json:"schema,omitempty"`
	Symbols   []string `json:"symbols,omitempty"`
	Start     int64    `json:"start,omitempty"`
	Message   string   `json:"message,omitempty"`

	// mapping frames
	InstrumentID int64  `json:"instrument_id,omitempty"`
	Symbol       string `json:"symbol,omitempty"`

	// record frames; bar records carry TS in epoch ms, trade records in
	// epoch ns (vendor contract)
	TS     int64    `json:"ts,omitempty"`
	Open   *float64 `json:"open,omitempty"`
	High   *float64 `json:"high,omitempty"`
	Low    *float64 `json:"low,omitempty"`
	Close  *float64 `json:"close,omitempty"`
	Volume int64    `json:"volume,omitempty"`
	Price  float64  `json:"price,omitempty"`
	Size   int64    `json:"size,omitempty"`
}

// ErrAuthRejected reports a handshake the gateway refused. Not retried.
var ErrAuthRejected = errors.New("feedapi: authentication rejected")

// Client talks to one vendor account's endpoints.
type Client struct {
	HistURL string // historical HTTP base, e.g. http://hist.vendor:8760
	LiveURL string // live gateway, e.g. ws://live.vendor:8761/v1/live
	APIKey  string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// OnRetry, when set, is called once per vendor-driven retry with the
	// kind of correction: "hist_clamp", "live_start" or "trade_reconnect".
	OnRetry func(kind string)
}

// NewClient builds a client with default transport settings.
func NewClient(histURL, liveURL, apiKey string) *Client {
	return &Client{
		HistURL:    strings.TrimRight(histURL, "/"),
		LiveURL:    liveURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Dialer:     websocket.DefaultDialer,
	}
}

// KeyTag returns the API key suffix the gateway uses to route auth lookups.
// It is the only part of the key that may appear in log lines.
func (c *Client) KeyTag() string {
	return keyTag(c.APIKey)
}

func keyTag(key string) string {
	if len(key) <= 5 {
		return key
	}
	return key[len(key)-5:]
}

func (c *Client) noteRetry(kind string) {
	if c.OnRetry != nil {
		c.OnRetry(kind)
	}
}

// authDigest answers a gateway challenge: hex(sha256(challenge|key)) tagged
// with the key suffix.
func authDigest(challenge, key string) string {
	sum := sha256.Sum256([]byte(challenge + "|" + key))
	return hex.EncodeToString(sum[:]) + "-" + keyTag(key)
}

// dialLive dials the gateway and completes the challenge handshake.
func (c *Client) dialLive(ctx context.Context) (*websocket.Conn, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, c.LiveURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live gateway: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial live gateway: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if hello.Type != MsgChallenge {
		conn.Close()
		return nil, fmt.Errorf("expected challenge frame, got %q", hello.Type)
	}
	if err := conn.WriteJSON(Message{Type: MsgAuth, Auth: authDigest(hello.Challenge, c.APIKey)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write auth: %w", err)
	}
	var ack Message
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth ack: %w", err)
	}
	if ack.Type != MsgSuccess {
		conn.Close()
		if ack.Type == MsgError {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, ack.Message)
		}
		return nil, fmt.Errorf("%w: unexpected %q frame", ErrAuthRejected, ack.Type)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// The gateway frames the corrected timestamp in its start-rejection message.
const (
	invalidStartPrefix = "Invalid start time. Must be "
	invalidStartSuffix = " or later"
)

// parseInvalidStart extracts the corrected start from a gateway rejection,
// in epoch ms. The gateway renders the value either as ISO-8601 or as raw
// epoch nanoseconds.
func parseInvalidStart(msg string) (int64, bool) {
	i := strings.Index(msg, invalidStartPrefix)
	if i < 0 {
		return 0, false
	}
	rest := msg[i+len(invalidStartPrefix):]
	j := strings.Index(rest, invalidStartSuffix)
	if j < 0 {
		return 0, false
	}
	v := strings.TrimSpace(rest[:j])
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UnixMilli(), true
	}
	if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ns / int64(time.Millisecond), true
	}
	return 0, false
}
