package gateway

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chartfeed/internal/session"
)

const (
	// writeWait bounds a single frame write, including pings.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up on it. Pings go out at a third of that.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxFrameBytes caps inbound frames. Annotation and strategy saves
	// carry whole chart objects, so this is far above the usual action
	// size.
	maxFrameBytes = 1 << 20

	sendBuffer = 256
)

// wsConn adapts one websocket connection to the session.Sink contract.
// Send never blocks: a reader that stops draining loses data frames
// rather than stalling the session that produces them.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string

	closeOnce sync.Once
	drops     atomic.Int64
}

func newConn(conn *websocket.Conn, remote string) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		remote: remote,
	}
}

// Send queues a frame for the write pump. A full buffer drops the frame
// and counts it; the log line is rate-limited so a wedged client cannot
// flood the journal.
func (c *wsConn) Send(payload []byte) error {
	select {
	case c.send <- payload:
	default:
		if n := c.drops.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("[gateway] %s slow consumer, %d frames dropped", c.remote, n)
		}
	}
	return nil
}

// closeSend releases the write pump. Callers must guarantee no further
// Send can happen; the manager's Release provides that by waiting for
// the session loop to stop first.
func (c *wsConn) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump feeds inbound frames to the session until the connection
// drops, then tears the session down. Only text frames carry actions;
// anything else is ignored.
func (c *wsConn) readPump(sess *session.Session, mgr *session.Manager) {
	defer func() {
		mgr.Release(sess)
		c.closeSend()
		c.conn.Close()
		log.Printf("[gateway] %s disconnected (%d active)", c.remote, mgr.Count())
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				log.Printf("[gateway] %s read: %v", c.remote, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		sess.Dispatch(raw)
	}
}

// writePump owns all writes on the connection: queued frames plus
// keepalive pings. It exits when the send channel closes or any write
// fails, closing the connection either way so the read pump unblocks.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
