package session

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chartfeed/internal/logger"
	"chartfeed/internal/model"
)

// Sink delivers one encoded frame to the client connection. Implementations
// must be safe for concurrent use; a full outbound buffer should drop, not
// block.
type Sink interface {
	Send(payload []byte) error
}

// dataEnvelope is the wire shape of an emitted bar: mtyp plus the bar fields
// plus a human-readable timestamp rendered in the session's timezone.
type dataEnvelope struct {
	Mtyp string `json:"mtyp"`
	model.Bar
	DateTime string `json:"dateTime"`
}

// emitter routes outbound frames for one session. Bars honor the sendto mode
// chosen by the last get_data ("" websocket, "console" server log, "log"
// per-client file); ctrl and error frames always go to the websocket so the
// client can track session state regardless of where bars land.
//
// Bars are emitted only from the session's run goroutine. Ctrl and Error may
// be called from other goroutines; they touch nothing but the Sink.
type emitter struct {
	client Sink
	id     func() string // current client ID, safe from any goroutine

	mode string
	tz   *time.Location

	logFile   io.Closer
	logLogger *slog.Logger

	frameSent func(mtyp string)
}

func newEmitter(client Sink, id func() string) *emitter {
	return &emitter{client: client, id: id, tz: time.UTC}
}

// configure applies a get_data request's sendto and timezone. Switching away
// from (or re-entering) "log" closes and reopens the per-client file.
func (e *emitter) configure(mode string, tz *time.Location, logDir string) error {
	e.closeLog()
	e.mode = mode
	if tz != nil {
		e.tz = tz
	}
	if mode != "log" {
		return nil
	}
	if logDir == "" {
		logDir = "."
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	clientID := e.id()
	path := filepath.Join(logDir, sanitizeID(clientID)+".log")
	lg, closer, err := logger.File(path, clientID)
	if err != nil {
		return err
	}
	e.logLogger = lg
	e.logFile = closer
	log.Printf("[session %s] routing bars to %s", clientID, path)
	return nil
}

// Bar emits one bar envelope on the session's configured data route.
func (e *emitter) Bar(b model.Bar) {
	env := dataEnvelope{
		Mtyp:     "data",
		Bar:      b,
		DateTime: time.UnixMilli(b.TS).In(e.tz).Format("2006-01-02 15:04:05"),
	}
	switch e.mode {
	case "console":
		payload, err := json.Marshal(env)
		if err != nil {
			log.Printf("[session %s] encode bar %s: %v", e.id(), b.Key(), err)
			return
		}
		log.Printf("[session %s] data %s", e.id(), payload)
	case "log":
		if e.logLogger != nil {
			e.logLogger.LogAttrs(context.Background(), slog.LevelInfo, "data",
				slog.Any("bar", env))
		}
	default:
		payload, err := json.Marshal(env)
		if err != nil {
			log.Printf("[session %s] encode bar %s: %v", e.id(), b.Key(), err)
			return
		}
		if err := e.client.Send(payload); err != nil {
			log.Printf("[session %s] send bar %s: %v", e.id(), b.Key(), err)
			return
		}
	}
	if e.frameSent != nil {
		e.frameSent("data")
	}
}

// Ctrl emits a control notice, always to the websocket.
func (e *emitter) Ctrl(name string, extra map[string]any) {
	env := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		env[k] = v
	}
	env["mtyp"] = "ctrl"
	env["ctrl"] = name
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("[session %s] encode ctrl %s: %v", e.id(), name, err)
		return
	}
	if err := e.client.Send(payload); err != nil {
		log.Printf("[session %s] send ctrl %s: %v", e.id(), name, err)
		return
	}
	if e.frameSent != nil {
		e.frameSent("ctrl")
	}
}

// Error emits an error frame, always to the websocket.
func (e *emitter) Error(msg string) {
	log.Printf("[session %s] error: %s", e.id(), msg)
	payload, err := json.Marshal(map[string]string{"mtyp": "error", "message": msg})
	if err != nil {
		return
	}
	if err := e.client.Send(payload); err != nil {
		log.Printf("[session %s] send error frame: %v", e.id(), err)
		return
	}
	if e.frameSent != nil {
		e.frameSent("error")
	}
}

func (e *emitter) closeLog() {
	if e.logFile != nil {
		if err := e.logFile.Close(); err != nil {
			log.Printf("[session %s] close log sink: %v", e.id(), err)
		}
		e.logFile = nil
		e.logLogger = nil
	}
}

func (e *emitter) Close() {
	e.closeLog()
}

// sanitizeID keeps client-chosen IDs from escaping the log directory.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
